package notify

import (
	"time"

	"github.com/google/uuid"
)

// FollowInfo describes why a whole recipient set is being notified: the
// followed app/area/thing, who follows it and when they were last notified
// about it. It drives the follower_content preference collapse, the
// unsubscribe blurb and the email-once suppression check.
type FollowInfo struct {
	App        string
	Area       string
	RelID      int64
	Title      string // display title of the followed thing
	MemberID   uuid.UUID
	Added      time.Time
	NotifiedAt time.Time // last time a follow notification went out
}

// Recipient is one targeted member plus per-member template replacements.
type Recipient struct {
	MemberID     uuid.UUID
	Replacements map[string]string
}

// RecipientSet is the ordered collection of members targeted by one event.
// A set belongs to exactly one event; the optional FollowInfo is shared by
// every recipient in the set.
type RecipientSet struct {
	recipients []Recipient
	info       *FollowInfo
}

// NewRecipientSet creates an empty set. info may be nil for events not
// driven by a follow relationship.
func NewRecipientSet(info *FollowInfo) *RecipientSet {
	return &RecipientSet{info: info}
}

// Attach adds a member with optional per-member replacements. Attaching
// the same member twice keeps the first entry; the dispatcher's delivery
// record would dedupe anyway, but keeping the set clean makes counts
// meaningful.
func (s *RecipientSet) Attach(memberID uuid.UUID, replacements map[string]string) {
	for _, r := range s.recipients {
		if r.MemberID == memberID {
			return
		}
	}
	s.recipients = append(s.recipients, Recipient{MemberID: memberID, Replacements: replacements})
}

// Info returns the follow metadata shared by the set, or nil.
func (s *RecipientSet) Info() *FollowInfo {
	return s.info
}

// All returns the recipients in attachment order.
func (s *RecipientSet) All() []Recipient {
	return s.recipients
}

func (s *RecipientSet) Len() int {
	return len(s.recipients)
}

// MemberIDs returns the ids of every attached recipient.
func (s *RecipientSet) MemberIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(s.recipients))
	for i, r := range s.recipients {
		ids[i] = r.MemberID
	}
	return ids
}
