package email

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/forgeboard/notify/internal/circuitbreaker"
	"github.com/forgeboard/notify/internal/notify"
)

// SESConfig configures the mail delivery side.
type SESConfig struct {
	Region    string
	FromEmail string
	BoardName string
	BoardURL  string // base for unfollow links
}

// SESMailer implements notify.Mailer on AWS SES: render once per
// language, personalize per recipient, one SendEmail per recipient behind
// a circuit breaker.
type SESMailer struct {
	client    *ses.Client
	from      string
	boardURL  string
	templates *TemplateStore
	breaker   *circuitbreaker.CircuitBreaker
	logger    *zap.Logger
}

func NewSESMailer(ctx context.Context, cfg SESConfig, templates *TemplateStore, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*SESMailer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	return &SESMailer{
		client:    ses.NewFromConfig(awsCfg),
		from:      cfg.FromEmail,
		boardURL:  cfg.BoardURL,
		templates: templates,
		breaker:   breaker,
		logger:    logger,
	}, nil
}

// MergeAndSend renders the template once for the group's language and
// delivers a personalized copy to every recipient. A failure for one
// recipient is logged and the rest still go out; an open circuit aborts
// the group since every remaining send would be rejected anyway.
func (m *SESMailer) MergeAndSend(ctx context.Context, email *notify.OutboundEmail) error {
	subject, body, err := m.templates.Render(email.TemplateKey, email.Language, email.Params)
	if err != nil {
		return fmt.Errorf("render email: %w", err)
	}

	if email.Follow != nil {
		body += "\n\n" + m.unsubscribeBlurb(email.Follow)
	}

	for _, rcpt := range email.Recipients {
		personalSubject := applyMergeTags(subject, rcpt.Substitutions)
		personalBody := applyMergeTags(body, rcpt.Substitutions)
		if email.Follow != nil {
			personalBody += "\n" + m.unfollowLink(email.Follow, rcpt)
		}

		err := m.breaker.Execute(func() error {
			return m.sendOne(ctx, rcpt.Member.Email, personalSubject, personalBody)
		})
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return fmt.Errorf("mail service unavailable: %w", err)
		}
		if err != nil {
			m.logger.Error("email delivery failed",
				zap.String("member_id", rcpt.Member.ID.String()),
				zap.String("template", email.TemplateKey),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (m *SESMailer) sendOne(ctx context.Context, to, subject, body string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(m.from),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := m.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	m.logger.Debug("email sent via SES",
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// unsubscribeBlurb explains why the recipient got this email.
func (m *SESMailer) unsubscribeBlurb(info *notify.FollowInfo) string {
	thing := info.Title
	if thing == "" {
		thing = "content you follow"
	}
	return fmt.Sprintf("You are receiving this email because you followed %s.", thing)
}

// unfollowLink is the one-click opt-out for the followed thing.
func (m *SESMailer) unfollowLink(info *notify.FollowInfo, rcpt notify.EmailRecipient) string {
	q := url.Values{}
	q.Set("app", info.App)
	q.Set("area", info.Area)
	q.Set("id", strconv.FormatInt(info.RelID, 10))
	q.Set("member", rcpt.Member.ID.String())
	return fmt.Sprintf("Stop receiving these: %s/unfollow?%s", m.boardURL, q.Encode())
}
