package objects

import (
	"encoding/binary"
	"fmt"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/types"
)

// ChecksumInspector implements ObjectChecksumVerifier for ObjPhysT
type ChecksumInspector struct {
	Obj     *types.ObjPhysT
	Payload []byte // full raw object data including header
}

var _ interfaces.ObjectChecksumVerifier = (*ChecksumInspector)(nil)

func NewChecksumInspector(obj *types.ObjPhysT, payload []byte) *ChecksumInspector {
	return &ChecksumInspector{Obj: obj, Payload: payload}
}

func (c *ChecksumInspector) Checksum() [types.MaxCksumSize]byte {
	return c.Obj.OChecksum
}

func (c *ChecksumInspector) VerifyChecksum() bool {
	if len(c.Payload) < types.ObjPhysSize || len(c.Payload)%4 != 0 {
		return false
	}
	return Fletcher64(c.Payload[types.MaxCksumSize:]) == c.Obj.OChecksum
}

// VerifyBlock checks the checksum stored in the first 8 bytes of an object.
func VerifyBlock(block []byte) bool {
	if len(block) < types.ObjPhysSize {
		return false
	}
	var obj types.ObjPhysT
	copy(obj.OChecksum[:], block[:types.MaxCksumSize])
	return NewChecksumInspector(&obj, block).VerifyChecksum()
}

// UpdateChecksum recomputes the checksum of an object in place.
func UpdateChecksum(block []byte) error {
	if len(block) < types.ObjPhysSize || len(block)%4 != 0 {
		return fmt.Errorf("%w: object of %d bytes cannot carry a checksum", types.ErrCorruptStructure, len(block))
	}
	sum := Fletcher64(block[types.MaxCksumSize:])
	copy(block[:types.MaxCksumSize], sum[:])
	return nil
}

// Fletcher64 computes the APFS object checksum over data, which is the
// object without its checksum field. The two check words are chosen so that
// summing the whole object including them yields zero.
func Fletcher64(data []byte) [types.MaxCksumSize]byte {
	const modulus = uint64(0xFFFFFFFF)

	var sum1, sum2 uint64
	for i := 0; i+4 <= len(data); i += 4 {
		sum1 = (sum1 + uint64(binary.LittleEndian.Uint32(data[i:]))) % modulus
		sum2 = (sum2 + sum1) % modulus
	}

	ckLow := modulus - ((sum1 + sum2) % modulus)
	ckHigh := modulus - ((sum1 + ckLow) % modulus)

	var checksum [types.MaxCksumSize]byte
	binary.LittleEndian.PutUint64(checksum[:], ckHigh<<32|ckLow)
	return checksum
}
