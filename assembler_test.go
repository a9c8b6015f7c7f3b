package rudp

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fragmentOf(t *testing.T, full []byte, fragSize, index int) []byte {
	t.Helper()
	start := index * fragSize
	end := start + fragSize
	if end > len(full) {
		end = len(full)
	}
	require.Less(t, start, len(full))
	return full[start:end]
}

func protoMessage() *IncomingMessage {
	return &IncomingMessage{wtype: wireUserReliableOrderedBase, sender: testEndpoint}
}

func TestAssemblerInOrder(t *testing.T) {
	asm := newAssembler()
	full := bytes.Repeat([]byte("abcdefgh"), 100) // 800 bytes
	const fragSize = 300
	total := 3

	res, _ := asm.insert(1, total, 0, fragSize, fragmentOf(t, full, fragSize, 0), protoMessage())
	assert.Equal(t, fragmentPartial, res)
	res, _ = asm.insert(1, total, 1, fragSize, fragmentOf(t, full, fragSize, 1), protoMessage())
	assert.Equal(t, fragmentPartial, res)
	res, msg := asm.insert(1, total, 2, fragSize, fragmentOf(t, full, fragSize, 2), protoMessage())
	require.Equal(t, fragmentCompleted, res)

	assert.Equal(t, full, msg.Bytes(), "byte-for-byte reassembly")
	assert.Nil(t, msg.frag, "fragmentation state cleared on completion")
	assert.Zero(t, asm.pendingGroups())
}

func TestAssemblerOutOfOrder(t *testing.T) {
	asm := newAssembler()
	full := bytes.Repeat([]byte{0xA5}, 700)
	const fragSize = 300

	res, _ := asm.insert(9, 3, 2, fragSize, fragmentOf(t, full, fragSize, 2), protoMessage())
	assert.Equal(t, fragmentPartial, res)
	res, _ = asm.insert(9, 3, 0, fragSize, fragmentOf(t, full, fragSize, 0), protoMessage())
	assert.Equal(t, fragmentPartial, res)
	res, msg := asm.insert(9, 3, 1, fragSize, fragmentOf(t, full, fragSize, 1), protoMessage())
	require.Equal(t, fragmentCompleted, res)
	assert.Equal(t, full, msg.Bytes())
}

func TestAssemblerDuplicateFragment(t *testing.T) {
	asm := newAssembler()
	payload := []byte("fragment zero payload")

	res, _ := asm.insert(4, 2, 0, len(payload), payload, protoMessage())
	assert.Equal(t, fragmentPartial, res)
	res, msg := asm.insert(4, 2, 0, len(payload), payload, protoMessage())
	assert.Equal(t, fragmentDuplicate, res)
	assert.Nil(t, msg)
	assert.Equal(t, 1, asm.pendingGroups(), "group still waiting for fragment 1")
}

func TestAssemblerInvalid(t *testing.T) {
	asm := newAssembler()

	t.Run("index at total", func(t *testing.T) {
		res, _ := asm.insert(2, 3, 3, 100, []byte("x"), protoMessage())
		assert.Equal(t, fragmentInvalid, res)
	})
	t.Run("zero total", func(t *testing.T) {
		res, _ := asm.insert(2, 0, 0, 100, []byte("x"), protoMessage())
		assert.Equal(t, fragmentInvalid, res)
	})
	t.Run("disagreeing totals within a group", func(t *testing.T) {
		res, _ := asm.insert(7, 3, 0, 100, bytes.Repeat([]byte{1}, 100), protoMessage())
		require.Equal(t, fragmentPartial, res)
		res, _ = asm.insert(7, 4, 1, 100, bytes.Repeat([]byte{2}, 100), protoMessage())
		assert.Equal(t, fragmentInvalid, res)
	})
}

// TestAssemblerBitLengthGrowth checks that filling an earlier hole does not
// shrink or regrow the recorded length: only extending the highest received
// position enlarges it.
func TestAssemblerBitLengthGrowth(t *testing.T) {
	asm := newAssembler()
	const fragSize = 100
	full := bytes.Repeat([]byte{7}, 250) // fragments: 100, 100, 50

	res, _ := asm.insert(3, 3, 2, fragSize, fragmentOf(t, full, fragSize, 2), protoMessage())
	require.Equal(t, fragmentPartial, res)
	m := asm.groups[3]
	assert.Equal(t, 250*8, m.bitLength, "tail fragment sets the full length")

	res, _ = asm.insert(3, 3, 0, fragSize, fragmentOf(t, full, fragSize, 0), protoMessage())
	require.Equal(t, fragmentPartial, res)
	assert.Equal(t, 250*8, m.bitLength, "filling a hole leaves the length alone")

	res, msg := asm.insert(3, 3, 1, fragSize, fragmentOf(t, full, fragSize, 1), protoMessage())
	require.Equal(t, fragmentCompleted, res)
	assert.Equal(t, full, msg.Bytes())
}
