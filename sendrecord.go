package rudp

import "time"

// resendBaseDelay pads the RTT-derived resend deadline so a momentary RTT
// dip does not trigger spurious retransmissions.
const resendBaseDelay = 25 * time.Millisecond

// maxResendDelay caps the exponential backoff.
const maxResendDelay = 2 * time.Second

// sendingRecord describes one transmission opportunity for an outgoing
// message: the message itself, its wire type and stamped sequence number,
// and fragment metadata when the message was split. Fragments of the same
// message are separate records sharing one backing buffer.
//
// Records are compared by identity; two records for the same message are
// never interchangeable because each carries its own sequence number.
type sendingRecord struct {
	msg   *OutgoingMessage
	wtype wireType
	seq   uint16

	// fragGroup is 0 for unfragmented messages.
	fragGroup uint16
	fragIndex int
	fragTotal int

	numSent    int
	nextResend time.Time
}

func newSendingRecord(msg *OutgoingMessage, t wireType, seq uint16) *sendingRecord {
	return &sendingRecord{msg: msg, wtype: t, seq: seq}
}

// setNextResend computes the retransmission deadline from the connection's
// smoothed round-trip estimate, doubling per prior transmission.
func (sr *sendingRecord) setNextResend(now time.Time, srtt time.Duration) {
	delay := srtt*2 + resendBaseDelay
	for i := 1; i < sr.numSent; i++ {
		delay *= 2
		if delay >= maxResendDelay {
			delay = maxResendDelay
			break
		}
	}
	sr.nextResend = now.Add(delay)
}

// payloadSlice returns the portion of the message this record transmits.
// For fragments that is the record's slice of the shared buffer; the last
// fragment may be shorter.
func (sr *sendingRecord) payloadSlice(fragmentSize int) []byte {
	data := sr.msg.data[:sr.msg.Len()]
	if sr.fragGroup == 0 {
		return data
	}
	start := sr.fragIndex * fragmentSize
	end := start + fragmentSize
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}

// encodedSize returns the number of bytes this record occupies in a packet.
func (sr *sendingRecord) encodedSize(fragmentSize int) int {
	n := messageHeaderSize + len(sr.payloadSlice(fragmentSize))
	if sr.fragGroup != 0 {
		n += fragmentHeaderSize
	}
	return n
}

// encode writes the record into buf at off and returns the new offset.
func (sr *sendingRecord) encode(buf []byte, off, fragmentSize int) int {
	payload := sr.payloadSlice(fragmentSize)
	off = writeMessageHeader(buf, off, sr.wtype, sr.seq, len(payload)*8, sr.fragGroup != 0)
	if sr.fragGroup != 0 {
		off = writeFragmentHeader(buf, off, sr.fragGroup, uint16(sr.fragTotal), uint16(sr.fragIndex))
	}
	off += copy(buf[off:], payload)
	return off
}

// ackKey identifies an unacked reliable transmission.
type ackKey struct {
	wtype wireType
	seq   uint16
}
