package rudp

import "github.com/rs/zerolog/log"

// insertResult reports the outcome of storing one inbound fragment.
type insertResult int

const (
	// fragmentPartial means the fragment was stored and more are missing.
	fragmentPartial insertResult = iota
	// fragmentCompleted means this fragment was the last one; the message
	// is fully reassembled.
	fragmentCompleted
	// fragmentDuplicate means this fragment index was already received.
	fragmentDuplicate
	// fragmentInvalid means the fragment header was malformed.
	fragmentInvalid
)

// assembler reassembles fragmented inbound messages. Partial messages are
// keyed by the sender's 16-bit fragment group id until every fragment has
// arrived.
type assembler struct {
	groups map[uint16]*IncomingMessage
}

func newAssembler() *assembler {
	return &assembler{groups: make(map[uint16]*IncomingMessage)}
}

// insert stores one fragment payload into the group's partial message.
// On fragmentCompleted the returned message is the fully reassembled one
// and the group has been cleared; for every other result the returned
// message is nil.
func (a *assembler) insert(group uint16, total, index int, fragmentSize int, payload []byte, proto *IncomingMessage) (insertResult, *IncomingMessage) {
	if index >= total || total <= 0 || fragmentSize <= 0 {
		return fragmentInvalid, nil
	}

	msg, ok := a.groups[group]
	if !ok {
		msg = proto
		msg.frag = &fragmentationState{
			totalCount:   total,
			fragmentSize: fragmentSize,
			received:     make([]bool, total),
		}
		msg.bitLength = 0
		msg.data = msg.data[:0]
		a.groups[group] = msg
	}

	fs := msg.frag
	if total != fs.totalCount || fragmentSize != fs.fragmentSize {
		log.Warn().
			Uint16("group", group).
			Int("total", total).
			Int("expected", fs.totalCount).
			Msg("fragment header disagrees with group state")
		return fragmentInvalid, nil
	}
	if fs.received[index] {
		return fragmentDuplicate, nil
	}

	offset := index * fs.fragmentSize
	msg.ensureCapacity(offset + len(payload))
	copy(msg.data[offset:], payload)
	fs.received[index] = true
	fs.receivedCount++

	// The bit length only grows when this fragment extends the highest
	// received position; an earlier hole being filled changes nothing.
	if endBits := (offset + len(payload)) * 8; endBits > msg.bitLength {
		msg.bitLength = endBits
	}

	if fs.receivedCount < fs.totalCount {
		return fragmentPartial, nil
	}

	msg.frag = nil
	delete(a.groups, group)
	return fragmentCompleted, msg
}

// pendingGroups returns the number of partially reassembled messages.
func (a *assembler) pendingGroups() int {
	return len(a.groups)
}
