package notify

import (
	"fmt"
	"strings"
)

// Channel is a delivery mechanism for a notification.
type Channel uint8

const (
	ChannelInline Channel = iota // persisted in-app feed entry
	ChannelPush                  // Web Push to a registered device
	ChannelEmail
	numChannels
)

func (c Channel) String() string {
	switch c {
	case ChannelInline:
		return "inline"
	case ChannelPush:
		return "push"
	case ChannelEmail:
		return "email"
	default:
		return "unknown"
	}
}

// ParseChannel converts a stored channel name to a Channel.
func ParseChannel(s string) (Channel, error) {
	switch s {
	case "inline":
		return ChannelInline, nil
	case "push":
		return ChannelPush, nil
	case "email":
		return ChannelEmail, nil
	default:
		return 0, fmt.Errorf("unknown channel: %q", s)
	}
}

// ChannelSet is a fixed-size set of delivery channels. The zero value is
// the empty set. Membership and subtraction are O(1), which matters in the
// per-recipient loop of the dispatcher.
type ChannelSet uint8

// Channels builds a set from individual channels.
func Channels(chs ...Channel) ChannelSet {
	var s ChannelSet
	for _, c := range chs {
		s = s.With(c)
	}
	return s
}

// AllChannels is the full set {inline, push, email}.
func AllChannels() ChannelSet {
	return Channels(ChannelInline, ChannelPush, ChannelEmail)
}

func (s ChannelSet) Has(c Channel) bool {
	return s&(1<<c) != 0
}

func (s ChannelSet) With(c Channel) ChannelSet {
	return s | (1 << c)
}

func (s ChannelSet) Without(c Channel) ChannelSet {
	return s &^ (1 << c)
}

// Union returns the channels present in either set.
func (s ChannelSet) Union(other ChannelSet) ChannelSet {
	return s | other
}

// Subtract returns the channels in s that are not in other.
func (s ChannelSet) Subtract(other ChannelSet) ChannelSet {
	return s &^ other
}

func (s ChannelSet) Empty() bool {
	return s == 0
}

func (s ChannelSet) Len() int {
	n := 0
	for c := Channel(0); c < numChannels; c++ {
		if s.Has(c) {
			n++
		}
	}
	return n
}

// Slice returns the member channels in declaration order.
func (s ChannelSet) Slice() []Channel {
	out := make([]Channel, 0, 3)
	for c := Channel(0); c < numChannels; c++ {
		if s.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

// String renders the set as a comma-separated list, the storage format
// used by the preference tables.
func (s ChannelSet) String() string {
	parts := make([]string, 0, 3)
	for _, c := range s.Slice() {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ",")
}

// ParseChannelSet parses a comma-separated channel list. Empty segments
// and unknown names are skipped: the preference tables accumulate values
// written by several product versions and a stale name must not disable
// the whole row.
func ParseChannelSet(csv string) ChannelSet {
	var s ChannelSet
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if c, err := ParseChannel(part); err == nil {
			s = s.With(c)
		}
	}
	return s
}
