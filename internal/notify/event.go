package notify

import (
	"time"

	"github.com/google/uuid"
)

// Well-known notification keys with special dispatch behavior.
const (
	KeyNewContent            = "new_content"
	KeyNewContentBulk        = "new_content_bulk"
	KeyUnapprovedContent     = "unapproved_content"
	KeyUnapprovedContentBulk = "unapproved_content_bulk"
	KeyFollowerContent       = "follower_content"
	KeyNewComment            = "new_comment"
	KeyNewReview             = "new_review"
	KeyQuote                 = "quote"
	KeyNewLikes              = "new_likes"
	KeyReportCenter          = "report_center"
)

// Web Push TTL presets, in seconds.
const (
	TTLImmediate int64 = 0
	TTLShort     int64 = 120
	TTLMedium    int64 = 21600
	TTLLong      int64 = 86400
)

// Web Push urgency values (RFC 8030 §5.3).
const (
	UrgencyVeryLow = "very-low"
	UrgencyLow     = "low"
	UrgencyNormal  = "normal"
	UrgencyHigh    = "high"
)

// ItemKind tags the kind of content an event refers to.
type ItemKind uint8

const (
	ItemNone ItemKind = iota
	ItemContent
	ItemComment
	ItemReview
)

// Item is an explicit reference to a piece of polymorphic content. It
// replaces runtime type probing with a tagged value carrying exactly the
// fields the dispatcher needs: the owning app (for permission checks), the
// author (for ignore filtering) and the creation time (for feed ordering).
type Item struct {
	Kind      ItemKind
	App       string
	Class     string
	ID        int64
	AuthorID  uuid.UUID
	CreatedAt time.Time
}

// IsContent reports whether the item is a top-level content item, the only
// kind subject to the new-content ignore-author rule.
func (i *Item) IsContent() bool {
	return i != nil && i.Kind == ItemContent
}

// IsCommentLike reports whether the item is a comment or review.
func (i *Item) IsCommentLike() bool {
	return i != nil && (i.Kind == ItemComment || i.Kind == ItemReview)
}

// PushContent is the rendered body of a push notification for one
// language. Title falls back to the board name when empty.
type PushContent struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	URL     string `json:"url"`
	Icon    string `json:"icon,omitempty"`
	Image   string `json:"image,omitempty"`
	Tag     string `json:"tag,omitempty"`
	Grouped string `json:"grouped,omitempty"`
}

// Event is one application-defined notification action, identified by
// (App, Key). It is constructed by the triggering code, consumed once by
// Dispatcher.Send, and never persisted itself.
type Event struct {
	App string
	Key string

	// Item is the thing the notification is about, nil for item-less
	// events (e.g. profile follows).
	Item *Item

	// Sub is the comment, review or reaction the event is specifically
	// about; used for ignore filtering, inline sub-item metadata and
	// feed-order backdating.
	Sub *Item

	// ActorID is the member whose action triggered the event (the
	// commenter, reactor, quoter). Recipients ignoring the actor are
	// skipped.
	ActorID uuid.UUID

	// Denied lists recipients who must not see the item. Content
	// permissions live with the platform, so the denial travels on the
	// event; an AccessChecker covers deployments that embed a
	// permission read-model instead.
	Denied []uuid.UUID

	// EmailParams are template substitution values shared by all
	// recipients; per-recipient values travel on the Recipient.
	EmailParams map[string]string

	// InlineExtra is merged into the extra payload of inline rows. Use
	// sparingly: only for data that cannot be recovered later.
	InlineExtra map[string]any

	// AllowMerging permits folding this event into an existing unread
	// inline row for the same (key, item, member).
	AllowMerging bool

	// EmailKey overrides the email template; empty means
	// "notification_<Key>".
	EmailKey string

	// Push carries the default push content; the composer may override
	// it per language.
	Push *PushContent

	// TTL/Urgency for queued push payloads. Zero TTL defers to the
	// dispatcher's configured default.
	TTL     int64
	Urgency string
}

// EffectiveUrgency returns the push urgency to use for this event.
func (e *Event) EffectiveUrgency() string {
	if e.Urgency != "" {
		return e.Urgency
	}
	return UrgencyNormal
}

// EmailTemplateKey returns the template key used for this event's emails.
func (e *Event) EmailTemplateKey() string {
	if e.EmailKey != "" {
		return e.EmailKey
	}
	return "notification_" + e.Key
}

// EffectiveKey maps the event key to the preference key that governs it.
// Events delivered because the recipient follows a member collapse to the
// shared follower_content preference; bulk variants collapse to their
// singular key so one admin-configured preference covers both.
func (e *Event) EffectiveKey(info *FollowInfo) string {
	if info != nil && info.App == "core" && info.Area == "member" {
		return KeyFollowerContent
	}
	switch e.Key {
	case KeyNewContentBulk:
		return KeyNewContent
	case KeyUnapprovedContentBulk:
		return KeyUnapprovedContent
	default:
		return e.Key
	}
}
