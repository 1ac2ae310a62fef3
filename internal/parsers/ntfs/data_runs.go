package ntfs

import (
	"fmt"

	"github.com/dasec/fishy-sub000/internal/parsers/binstruct"
	"github.com/dasec/fishy-sub000/internal/types"
)

// DecodeDataRuns decodes the run list starting at buf[off].
//
// Each run begins with a header byte whose low nibble is the width of the
// length field and whose high nibble is the width of the signed LCN delta.
// Deltas accumulate from the previous run; a zero-width delta marks a sparse
// run. A zero header byte ends the list.
func DecodeDataRuns(buf []byte, off int, clusterSize uint32) (types.RunList, error) {
	var (
		runs types.RunList
		lcn  int64
	)
	cs := uint64(clusterSize)
	pos := off
	for pos < len(buf) {
		header := buf[pos]
		if header == 0 {
			return runs, nil
		}
		lenSize := int(header & 0x0F)
		offSize := int(header >> 4)
		if lenSize == 0 || lenSize > 8 || offSize > 8 {
			return nil, types.NewStructureError("data run", int64(pos), fmt.Errorf("%w: header byte 0x%02x", types.ErrCorruptStructure, header))
		}
		pos++
		if pos+lenSize+offSize > len(buf) {
			return nil, types.NewStructureError("data run", int64(pos), fmt.Errorf("%w: run needs %d bytes", types.ErrTruncatedRegion, lenSize+offSize))
		}

		count := binstruct.Uint(buf[pos : pos+lenSize])
		pos += lenSize
		run := types.Run{ClusterCount: count, ByteLength: count * cs}
		if offSize == 0 {
			run.Sparse = true
		} else {
			lcn += binstruct.Int(buf[pos : pos+offSize])
			pos += offSize
			if lcn < 0 {
				return nil, types.NewStructureError("data run", int64(pos), fmt.Errorf("%w: negative cluster %d", types.ErrCorruptStructure, lcn))
			}
			run.StartCluster = uint64(lcn)
			run.ByteOffset = uint64(lcn) * cs
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// EncodeDataRuns is the inverse of DecodeDataRuns, including the terminating zero byte.
func EncodeDataRuns(runs types.RunList) []byte {
	var (
		out  []byte
		prev int64
	)
	for _, r := range runs {
		length := minimalUnsigned(r.ClusterCount)
		if r.Sparse {
			out = append(out, byte(len(length)))
			out = append(out, length...)
			continue
		}
		delta := minimalSigned(int64(r.StartCluster) - prev)
		prev = int64(r.StartCluster)
		out = append(out, byte(len(delta))<<4|byte(len(length)))
		out = append(out, length...)
		out = append(out, delta...)
	}
	return append(out, 0)
}

func minimalUnsigned(v uint64) []byte {
	out := []byte{byte(v)}
	for v >>= 8; v != 0; v >>= 8 {
		out = append(out, byte(v))
	}
	return out
}

func minimalSigned(v int64) []byte {
	var out []byte
	for {
		b := byte(v)
		out = append(out, b)
		v >>= 8
		if (v == 0 && b&0x80 == 0) || (v == -1 && b&0x80 != 0) {
			return out
		}
	}
}

// MapStream translates a logical range of a non-resident stream into physical regions.
func MapStream(runs types.RunList, off, length uint64) ([]types.Region, error) {
	var (
		regions []types.Region
		logical uint64
	)
	end := off + length
	for _, r := range runs {
		runEnd := logical + r.ByteLength
		if runEnd > off && logical < end {
			from := max(off, logical)
			to := min(end, runEnd)
			if r.Sparse {
				return nil, fmt.Errorf("%w: range 0x%x-0x%x falls into a sparse run", types.ErrUnsupportedFeature, from, to)
			}
			regions = append(regions, types.Region{Address: r.ByteOffset + (from - logical), Length: to - from})
		}
		logical = runEnd
		if logical >= end {
			break
		}
	}
	if logical < end {
		return nil, types.NewStructureError("run list", int64(off), fmt.Errorf("%w: stream of %d bytes cannot hold 0x%x-0x%x", types.ErrTruncatedRegion, logical, off, end))
	}
	return regions, nil
}

// clusterAt returns the physical cluster backing logical cluster index idx.
func clusterAt(runs types.RunList, idx uint64) (uint64, bool, error) {
	var vcn uint64
	for _, r := range runs {
		if idx < vcn+r.ClusterCount {
			if r.Sparse {
				return 0, true, nil
			}
			return r.StartCluster + (idx - vcn), false, nil
		}
		vcn += r.ClusterCount
	}
	return 0, false, fmt.Errorf("%w: cluster index %d beyond %d clusters", types.ErrChainIntegrity, idx, vcn)
}
