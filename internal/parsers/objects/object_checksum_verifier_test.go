package objects

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dasec/fishy-sub000/internal/types"
)

func createTestObject(size int) []byte {
	payload := make([]byte, size)
	for i := types.MaxCksumSize; i < size; i++ {
		payload[i] = byte(i)
	}
	return payload
}

func TestFletcher64KnownValue(t *testing.T) {
	sum := Fletcher64([]byte{1, 0, 0, 0})
	assert.Equal(t, []byte{0xFD, 0xFF, 0xFF, 0xFF, 0x01, 0x00, 0x00, 0x00}, sum[:])

	// Blocks shorter than an object header are rejected before summing.
	short := []byte{0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0}
	assert.ErrorIs(t, UpdateChecksum(short), types.ErrCorruptStructure)
	assert.Equal(t, make([]byte, 8), short[:8])
}

func TestChecksumAndVerify(t *testing.T) {
	payload := createTestObject(4096)
	require.NoError(t, UpdateChecksum(payload))

	var obj types.ObjPhysT
	copy(obj.OChecksum[:], payload[:8])
	inspector := NewChecksumInspector(&obj, payload)

	assert.Equal(t, Fletcher64(payload[8:]), inspector.Checksum())
	assert.True(t, inspector.VerifyChecksum())
	assert.True(t, VerifyBlock(payload))

	payload[1500] ^= 0xFF
	assert.False(t, VerifyBlock(payload))

	require.NoError(t, UpdateChecksum(payload))
	assert.True(t, VerifyBlock(payload))
}

func TestChecksumRejectsOddSizes(t *testing.T) {
	assert.False(t, VerifyBlock(make([]byte, 16)))
	assert.False(t, VerifyBlock(createTestObject(42)))
	assert.ErrorIs(t, UpdateChecksum(make([]byte, 42)), types.ErrCorruptStructure)
}

func TestParseObjectIdentifier(t *testing.T) {
	block := make([]byte, types.ObjPhysSize)
	block[8] = 0x02
	block[9] = 0x04
	block[16] = 0x07

	id := ParseObjectIdentifier(block)
	assert.Equal(t, types.OidT(0x0402), id.ID())
	assert.Equal(t, types.XidT(7), id.TransactionID())
	assert.True(t, id.IsValid())

	assert.False(t, ParseObjectIdentifier(block[:10]).IsValid())
	assert.False(t, NewObjectIdentifier(5, types.XidInvalid).IsValid())
}
