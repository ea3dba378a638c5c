package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Member is the slice of the platform's member record this engine needs:
// identity, eligibility flags, language and the digest preference.
type Member struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Language  string    `json:"language"`
	Banned    bool      `json:"banned"`
	Spammer   bool      `json:"spammer"`
	EmailOnce bool      `json:"email_once"` // "notify me by email only once until I revisit"
	LastSeen  time.Time `json:"last_seen"`
}

// Eligible reports whether the member may receive notifications at all.
func (m *Member) Eligible() bool {
	return m != nil && m.ID != uuid.Nil && !m.Banned && !m.Spammer
}

// TypeDefault is one row of the notification type catalog: the default
// channel set, the channels the admin has disabled outright, and whether
// members may override the default.
type TypeDefault struct {
	Key      string `json:"key"`
	Default  string `json:"default"`  // CSV channel list
	Disabled string `json:"disabled"` // CSV channel list
	Editable bool   `json:"editable"`
}

// PreferenceRow is one explicit member override joined against its type
// default, as produced by the bulk preference query.
type PreferenceRow struct {
	Key      string
	Default  string
	Disabled string
	Editable bool
	MemberID uuid.UUID // Nil when the row carries only the default
	Pref     *string   // nil when the member has no explicit override
}

// InlineNotification is a persisted feed entry.
type InlineNotification struct {
	ID           uuid.UUID       `json:"id"`
	MemberID     uuid.UUID       `json:"member_id"`
	App          string          `json:"app"`
	Key          string          `json:"key"`
	ItemClass    *string         `json:"item_class,omitempty"`
	ItemID       *int64          `json:"item_id,omitempty"`
	SubItemClass *string         `json:"sub_item_class,omitempty"`
	SubItemID    *int64          `json:"sub_item_id,omitempty"`
	Extra        json.RawMessage `json:"extra,omitempty"`
	SentAt       time.Time       `json:"sent_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ReadAt       *time.Time      `json:"read_at,omitempty"`
}

// Content encodings a push subscription may request.
const (
	EncodingAES128GCM = "aes128gcm"
	EncodingAESGCM    = "aesgcm" // legacy draft encoding, still sent by older UAs
)

// PushSubscription is one device's Web Push registration.
type PushSubscription struct {
	ID        uuid.UUID `json:"id"`
	MemberID  uuid.UUID `json:"member_id"`
	DeviceID  string    `json:"device_id"`
	Endpoint  string    `json:"endpoint"`
	Encoding  string    `json:"encoding"`
	P256DH    string    `json:"p256dh"` // client ECDH public key, base64url
	Auth      string    `json:"auth"`   // client auth secret, base64url
	Active    bool      `json:"active"` // device session still logged in
	CreatedAt time.Time `json:"created_at"`
}

// QueuedPush is a transient pre-encoded push payload. Rows expire after a
// day so a stuck worker never delivers stale notifications.
type QueuedPush struct {
	ID        uuid.UUID       `json:"id"`
	MemberID  uuid.UUID       `json:"member_id"`
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt time.Time       `json:"expires_at"`
}
