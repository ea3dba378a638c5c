package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgeboard/notify/internal/db"
	"github.com/forgeboard/notify/internal/metrics"
)

// ignoreArea is the platform ignore-list area that mutes notifications.
const ignoreArea = "topics"

// MemberStore loads member records and ignore lists.
type MemberStore interface {
	Members(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*db.Member, error)
	Ignores(ctx context.Context, ids []uuid.UUID, area string) (map[uuid.UUID]map[uuid.UUID]bool, error)
}

// AccessChecker answers whether a member may view the item an event is
// about. The platform owns permissions; the engine only asks.
type AccessChecker interface {
	CanView(ctx context.Context, member uuid.UUID, item *Item) (bool, error)
}

// PreferenceResolver bulk-resolves effective channel sets per member per
// notification type.
type PreferenceResolver interface {
	Resolve(ctx context.Context, members []uuid.UUID) (map[uuid.UUID]map[string]ChannelSet, error)
}

// InlineStore persists feed entries.
type InlineStore interface {
	Insert(ctx context.Context, n *db.InlineNotification) error
	FindUnread(ctx context.Context, key, itemClass string, itemID int64, member uuid.UUID) (*db.InlineNotification, error)
	Merge(ctx context.Context, id uuid.UUID, extra map[string]any, at time.Time) error
}

// EmailRecipient is one member within a merged email send, with the
// substitutions specific to them.
type EmailRecipient struct {
	Member        *db.Member
	Substitutions map[string]string
}

// OutboundEmail is one merged send: a single template rendered once per
// language, personalized per recipient at send time.
type OutboundEmail struct {
	TemplateKey string
	Language    string
	Params      map[string]string // substitutions shared by all recipients
	Follow      *FollowInfo       // drives the unsubscribe blurb; nil when the event is not follow-driven
	Recipients  []EmailRecipient
}

// Mailer delivers a merged email to all its recipients.
type Mailer interface {
	MergeAndSend(ctx context.Context, email *OutboundEmail) error
}

// MemberPush is one rendered payload bound for a member's devices.
type MemberPush struct {
	MemberID uuid.UUID
	Content  *PushContent
}

// PushSink accepts rendered push payloads for delivery. The dispatcher's
// contract ends when the sink accepts the batch.
type PushSink interface {
	Enabled() bool
	ActiveDeviceCounts(ctx context.Context, members []uuid.UUID) (map[uuid.UUID]int, error)
	Dispatch(ctx context.Context, batch []MemberPush, ttl int64, urgency string) error
}

// PushComposer renders the push payload for one language. Language-aware
// composers translate the title and body; the zero implementation returns
// the event's own content.
type PushComposer interface {
	Compose(ev *Event, language string) (*PushContent, error)
}

// DispatcherDeps collects the dispatcher's collaborators. Mailer,
// PushSink and PushComposer may be nil; the matching channel is then
// skipped as unavailable.
type DispatcherDeps struct {
	Members  MemberStore
	Access   AccessChecker
	Prefs    PreferenceResolver
	Inline   InlineStore
	Mailer   Mailer
	Push     PushSink
	Composer PushComposer

	// PushTTL is the default TTL in seconds for queued push payloads
	// when the event carries none. Zero falls back to TTLShort.
	PushTTL int64
}

// Dispatcher fans one event out to a recipient set across the inline,
// email and push channels, honoring per-member preferences and the
// delivery record threaded across waves.
type Dispatcher struct {
	members  MemberStore
	access   AccessChecker
	prefs    PreferenceResolver
	inline   InlineStore
	mailer   Mailer
	push     PushSink
	composer PushComposer
	pushTTL  int64
	logger   *zap.Logger

	silenced atomic.Bool
	now      func() time.Time
}

func NewDispatcher(deps DispatcherDeps, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		members:  deps.Members,
		access:   deps.Access,
		prefs:    deps.Prefs,
		inline:   deps.Inline,
		mailer:   deps.Mailer,
		push:     deps.Push,
		composer: deps.Composer,
		pushTTL:  deps.PushTTL,
		logger:   logger,
		now:      time.Now,
	}
}

// Silence engages the kill-switch: subsequent Send calls produce no
// artifacts until Unsilence.
func (d *Dispatcher) Silence() {
	d.silenced.Store(true)
	d.logger.Warn("notification dispatch silenced")
}

// Unsilence releases the kill-switch.
func (d *Dispatcher) Unsilence() {
	d.silenced.Store(false)
	d.logger.Info("notification dispatch resumed")
}

// Silenced reports the kill-switch state.
func (d *Dispatcher) Silenced() bool {
	return d.silenced.Load()
}

// Send fans ev out to rcpt. sentTo carries deliveries already made for
// this logical event by earlier waves; members keep at most one delivery
// per channel across all waves. The returned record is an updated copy;
// sentTo itself is never modified.
//
// Per-recipient failures are logged and skipped so one bad member never
// blocks the rest of the fan-out. Only failures that sink the whole
// dispatch (member load, preference resolution) are returned.
func (d *Dispatcher) Send(ctx context.Context, ev *Event, rcpt *RecipientSet, sentTo DeliveryRecord) (DeliveryRecord, error) {
	record := sentTo.Clone()

	if d.silenced.Load() {
		metrics.RecordSilencedDrop()
		d.logger.Debug("event dropped, dispatch silenced", zap.String("key", ev.Key))
		return record, nil
	}
	if rcpt == nil || rcpt.Len() == 0 {
		return record, nil
	}

	metrics.RecordEvent(ev.Key)

	ids := rcpt.MemberIDs()
	members, err := d.members.Members(ctx, ids)
	if err != nil {
		return record, fmt.Errorf("load recipients: %w", err)
	}
	ignores, err := d.members.Ignores(ctx, ids, ignoreArea)
	if err != nil {
		return record, fmt.Errorf("load ignore lists: %w", err)
	}

	survivors := d.filterRecipients(ctx, ev, rcpt, members, ignores)
	if len(survivors) == 0 {
		return record, nil
	}

	survivorIDs := make([]uuid.UUID, len(survivors))
	for i, r := range survivors {
		survivorIDs[i] = r.MemberID
	}

	resolved, err := d.prefs.Resolve(ctx, survivorIDs)
	if err != nil {
		return record, fmt.Errorf("resolve preferences: %w", err)
	}
	effKey := ev.EffectiveKey(rcpt.Info())

	// Push is only attempted for members who actually have a logged-in
	// device; everyone else stays unmarked so a device registered later
	// still gets the next event.
	var deviceCounts map[uuid.UUID]int
	if d.push != nil && d.push.Enabled() {
		deviceCounts, err = d.push.ActiveDeviceCounts(ctx, survivorIDs)
		if err != nil {
			d.logger.Warn("device count lookup failed, skipping push for this dispatch", zap.Error(err))
			deviceCounts = nil
		}
	}

	emailGroups := make(map[string]*OutboundEmail)
	pushByLang := make(map[string]*PushContent)
	var pushBatch []MemberPush

	for _, r := range survivors {
		member := members[r.MemberID]
		for _, ch := range resolved[r.MemberID][effKey].Slice() {
			if record.Has(r.MemberID, ch) {
				continue
			}

			switch ch {
			case ChannelInline:
				// Report center items surface in their own moderation
				// queue, not the member feed.
				if ev.Key == KeyReportCenter {
					continue
				}
				if err := d.deliverInline(ctx, ev, member); err != nil {
					d.logger.Error("inline delivery failed",
						zap.String("member_id", member.ID.String()),
						zap.String("key", ev.Key),
						zap.Error(err),
					)
					continue
				}
				record.Mark(r.MemberID, ChannelInline)
				metrics.RecordDelivery(ChannelInline.String())

			case ChannelEmail:
				if d.mailer == nil || member.Email == "" {
					continue
				}
				if suppressEmail(member, rcpt.Info()) {
					continue
				}
				d.queueEmail(emailGroups, ev, rcpt.Info(), member, r.Replacements)
				record.Mark(r.MemberID, ChannelEmail)
				metrics.RecordDelivery(ChannelEmail.String())

			case ChannelPush:
				if deviceCounts == nil || deviceCounts[r.MemberID] == 0 {
					continue
				}
				content, err := d.composeFor(ev, member.Language, pushByLang)
				if err != nil {
					d.logger.Error("push compose failed",
						zap.String("language", member.Language),
						zap.String("key", ev.Key),
						zap.Error(err),
					)
					continue
				}
				pushBatch = append(pushBatch, MemberPush{MemberID: r.MemberID, Content: content})
				record.Mark(r.MemberID, ChannelPush)
				metrics.RecordDelivery(ChannelPush.String())
			}
		}
	}

	if len(pushBatch) > 0 {
		if err := d.push.Dispatch(ctx, pushBatch, d.pushTTLFor(ev), ev.EffectiveUrgency()); err != nil {
			d.logger.Error("push batch handoff failed",
				zap.Int("members", len(pushBatch)),
				zap.String("key", ev.Key),
				zap.Error(err),
			)
		}
	}

	for _, email := range emailGroups {
		if err := d.mailer.MergeAndSend(ctx, email); err != nil {
			d.logger.Error("email send failed",
				zap.String("language", email.Language),
				zap.String("template", email.TemplateKey),
				zap.Int("recipients", len(email.Recipients)),
				zap.Error(err),
			)
			continue
		}
		metrics.RecordEmailsSent(len(email.Recipients))
	}

	return record, nil
}

// filterRecipients drops members who must not receive this event:
// unknown, banned or flagged members, members denied a view of the item
// (by the caller or the access checker), and members ignoring whoever
// caused the event.
func (d *Dispatcher) filterRecipients(ctx context.Context, ev *Event, rcpt *RecipientSet, members map[uuid.UUID]*db.Member, ignores map[uuid.UUID]map[uuid.UUID]bool) []Recipient {
	denied := make(map[uuid.UUID]bool, len(ev.Denied))
	for _, id := range ev.Denied {
		denied[id] = true
	}

	var out []Recipient
	for _, r := range rcpt.All() {
		member := members[r.MemberID]
		if !member.Eligible() {
			continue
		}
		if denied[r.MemberID] {
			continue
		}
		if ignoresEvent(ev, ignores[r.MemberID]) {
			continue
		}
		if ev.Item != nil && ev.Item.Kind != ItemNone && d.access != nil {
			ok, err := d.access.CanView(ctx, r.MemberID, ev.Item)
			if err != nil {
				// Fail closed: no permission answer means no notification.
				d.logger.Warn("permission check failed",
					zap.String("member_id", r.MemberID.String()),
					zap.Error(err),
				)
				continue
			}
			if !ok {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// ignoresEvent applies the ignore-list rules. A content item's author
// only mutes the new-content key; following a topic means hearing about
// all replies in it, so comment and review authors (and the acting
// member) mute unconditionally.
func ignoresEvent(ev *Event, ignored map[uuid.UUID]bool) bool {
	if len(ignored) == 0 {
		return false
	}
	if ev.ActorID != uuid.Nil && ignored[ev.ActorID] {
		return true
	}
	if ev.Item != nil {
		if ev.Item.IsContent() && ev.Key == KeyNewContent && ignored[ev.Item.AuthorID] {
			return true
		}
		if ev.Item.IsCommentLike() && ignored[ev.Item.AuthorID] {
			return true
		}
	}
	if ev.Sub != nil && ev.Sub.IsCommentLike() && ignored[ev.Sub.AuthorID] {
		return true
	}
	return false
}

// suppressEmail implements the "one email until I revisit" digest flag:
// when the last follow notification went out after the member was last
// seen, they already have unread mail about this followed thing.
func suppressEmail(m *db.Member, info *FollowInfo) bool {
	return m.EmailOnce && info != nil && !info.NotifiedAt.IsZero() && info.NotifiedAt.After(m.LastSeen)
}

func (d *Dispatcher) deliverInline(ctx context.Context, ev *Event, member *db.Member) error {
	now := d.now()

	if ev.AllowMerging && ev.Item != nil && ev.Item.Kind != ItemNone {
		existing, err := d.inline.FindUnread(ctx, ev.Key, ev.Item.Class, ev.Item.ID, member.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			extra := ev.InlineExtra
			if extra == nil {
				extra = map[string]any{}
			}
			if err := d.inline.Merge(ctx, existing.ID, extra, now); err != nil {
				return err
			}
			metrics.RecordInlineMerge()
			return nil
		}
	}

	n := &db.InlineNotification{
		ID:       uuid.New(),
		MemberID: member.ID,
		App:      ev.App,
		Key:      ev.Key,
		SentAt:   now,
	}
	if ev.Item != nil && ev.Item.Kind != ItemNone {
		n.ItemClass = &ev.Item.Class
		n.ItemID = &ev.Item.ID
	}
	if ev.Sub != nil && ev.Sub.Kind != ItemNone {
		n.SubItemClass = &ev.Sub.Class
		n.SubItemID = &ev.Sub.ID
	}

	// Activity notifications sort by when the activity happened, not by
	// when this dispatch ran.
	switch ev.Key {
	case KeyNewComment, KeyNewReview, KeyQuote, KeyNewLikes:
		if ev.Sub != nil && !ev.Sub.CreatedAt.IsZero() {
			n.SentAt = ev.Sub.CreatedAt
		} else if ev.Item.IsCommentLike() && !ev.Item.CreatedAt.IsZero() {
			n.SentAt = ev.Item.CreatedAt
		}
	}

	if len(ev.InlineExtra) > 0 {
		extra, err := json.Marshal(ev.InlineExtra)
		if err != nil {
			return fmt.Errorf("marshal inline extra: %w", err)
		}
		n.Extra = extra
	}

	return d.inline.Insert(ctx, n)
}

func (d *Dispatcher) queueEmail(groups map[string]*OutboundEmail, ev *Event, info *FollowInfo, member *db.Member, replacements map[string]string) {
	group, ok := groups[member.Language]
	if !ok {
		group = &OutboundEmail{
			TemplateKey: ev.EmailTemplateKey(),
			Language:    member.Language,
			Params:      ev.EmailParams,
			Follow:      info,
		}
		groups[member.Language] = group
	}

	subs := make(map[string]string, len(replacements)+1)
	for k, v := range replacements {
		subs[k] = v
	}
	subs["member_name"] = member.Name

	group.Recipients = append(group.Recipients, EmailRecipient{Member: member, Substitutions: subs})
}

// pushTTLFor picks the TTL for queued payloads: the event's own value
// wins, then the configured service default, then the short preset.
func (d *Dispatcher) pushTTLFor(ev *Event) int64 {
	if ev.TTL > 0 {
		return ev.TTL
	}
	if d.pushTTL > 0 {
		return d.pushTTL
	}
	return TTLShort
}

// composeFor renders the push payload for a language once per dispatch.
func (d *Dispatcher) composeFor(ev *Event, language string, cache map[string]*PushContent) (*PushContent, error) {
	if content, ok := cache[language]; ok {
		return content, nil
	}

	var content *PushContent
	if d.composer != nil {
		rendered, err := d.composer.Compose(ev, language)
		if err != nil {
			return nil, err
		}
		content = rendered
	} else {
		content = ev.Push
	}
	if content == nil {
		return nil, fmt.Errorf("event %s carries no push content", ev.Key)
	}

	cache[language] = content
	return content, nil
}
