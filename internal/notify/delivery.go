package notify

import "github.com/google/uuid"

// DeliveryRecord tracks which channels have already been used per member
// for one logical event. Callers thread it through successive Send calls
// when an event goes out in waves (directly-addressed members first, then
// followers) so that no member receives the same event twice on the same
// channel.
type DeliveryRecord map[uuid.UUID]ChannelSet

// Has reports whether the member already received the event on ch.
func (d DeliveryRecord) Has(member uuid.UUID, ch Channel) bool {
	return d[member].Has(ch)
}

// Mark records a delivery. A channel can only ever be added; there is no
// way to un-send.
func (d DeliveryRecord) Mark(member uuid.UUID, ch Channel) {
	d[member] = d[member].With(ch)
}

// Clone returns an independent copy. Send works on a copy so a failed
// dispatch never leaves the caller's record half-updated.
func (d DeliveryRecord) Clone() DeliveryRecord {
	out := make(DeliveryRecord, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
