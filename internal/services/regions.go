package services

import (
	"fmt"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/types"
)

// clearChunk bounds the zero buffer used by ClearRegion.
const clearChunk = 64 * 1024

// WriteRegion writes data at the absolute volume address addr.
func WriteRegion(vol interfaces.Volume, addr uint64, data []byte) (int, error) {
	if err := checkRegion(vol, addr, uint64(len(data))); err != nil {
		return 0, err
	}
	n, err := vol.WriteAt(data, int64(addr))
	if err != nil {
		return n, fmt.Errorf("failed to write region 0x%x+%d: %w", addr, len(data), err)
	}
	return n, nil
}

// ReadRegion reads length bytes at the absolute volume address addr.
func ReadRegion(vol interfaces.VolumeReader, addr, length uint64) ([]byte, error) {
	if err := checkRegion(vol, addr, length); err != nil {
		return nil, err
	}
	data, err := vol.Read(int64(addr), int(length))
	if err != nil {
		return nil, fmt.Errorf("failed to read region 0x%x+%d: %w", addr, length, err)
	}
	return data, nil
}

// ClearRegion overwrites length bytes at addr with zeros.
func ClearRegion(vol interfaces.Volume, addr, length uint64) error {
	if err := checkRegion(vol, addr, length); err != nil {
		return err
	}
	zeros := make([]byte, min(length, clearChunk))
	for done := uint64(0); done < length; {
		n := min(length-done, uint64(len(zeros)))
		if _, err := vol.WriteAt(zeros[:n], int64(addr+done)); err != nil {
			return fmt.Errorf("failed to clear region 0x%x+%d: %w", addr, length, err)
		}
		done += n
	}
	return nil
}

// ReadRegions concatenates the contents of regions.
func ReadRegions(vol interfaces.VolumeReader, regions []types.Region) ([]byte, error) {
	var out []byte
	for _, r := range regions {
		data, err := ReadRegion(vol, r.Address, r.Length)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// ClearRegions zero-fills every region.
func ClearRegions(vol interfaces.Volume, regions []types.Region) error {
	for _, r := range regions {
		if err := ClearRegion(vol, r.Address, r.Length); err != nil {
			return err
		}
	}
	return nil
}

func checkRegion(vol interfaces.VolumeReader, addr, length uint64) error {
	size := uint64(vol.Size())
	if addr > size || length > size-addr {
		return types.NewStructureError("region", int64(addr),
			fmt.Errorf("%w: %d bytes exceed volume size %d", types.ErrTruncatedRegion, length, size))
	}
	return nil
}
