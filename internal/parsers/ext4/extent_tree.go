package ext4

import (
	"fmt"
	"sort"

	"github.com/dasec/fishy-sub000/internal/parsers/binstruct"
	"github.com/dasec/fishy-sub000/internal/types"
)

// ParseExtentTree decodes the extent tree rooted in an inode's i_block.
// Only leaf roots (depth 0) are decoded; index nodes are reported as
// ErrUnsupportedFeature. Extents are returned sorted by logical block.
func ParseExtentTree(block []byte) ([]types.Ext4Extent, error) {
	hdr, err := binstruct.Decode(block, 0, extentHeaderTable)
	if err != nil {
		return nil, err
	}
	header := types.Ext4ExtentHeader{
		Magic:      uint16(hdr.Uint("magic")),
		Entries:    uint16(hdr.Uint("entries")),
		Max:        uint16(hdr.Uint("max")),
		Depth:      uint16(hdr.Uint("depth")),
		Generation: uint32(hdr.Uint("generation")),
	}
	if header.Magic != types.Ext4ExtentMagic {
		return nil, types.NewStructureError("ext4 extent header", 0, fmt.Errorf("%w: magic 0x%04x", types.ErrCorruptStructure, header.Magic))
	}
	if header.Depth > 0 {
		return nil, types.NewStructureError("ext4 extent header", 6, fmt.Errorf("%w: extent tree of depth %d", types.ErrUnsupportedFeature, header.Depth))
	}
	capacity := (len(block) - types.Ext4ExtentHeaderSize) / types.Ext4ExtentEntrySize
	if header.Entries > header.Max || int(header.Entries) > capacity {
		return nil, types.NewStructureError("ext4 extent header", 2, fmt.Errorf("%w: %d entries, max %d", types.ErrCorruptStructure, header.Entries, header.Max))
	}

	extents := make([]types.Ext4Extent, 0, header.Entries)
	for i := 0; i < int(header.Entries); i++ {
		base := types.Ext4ExtentHeaderSize + i*types.Ext4ExtentEntrySize
		rec, err := binstruct.Decode(block, base, extentLeafTable)
		if err != nil {
			return nil, err
		}
		ext := types.Ext4Extent{
			LogicalBlock:  uint32(rec.Uint("block")),
			Length:        uint16(rec.Uint("len")),
			PhysicalStart: rec.Uint("start_hi")<<32 | rec.Uint("start_lo"),
		}
		if ext.Length > types.Ext4ExtentInitMaxLen {
			ext.Uninitialized = true
			ext.Length -= types.Ext4ExtentInitMaxLen
		}
		extents = append(extents, ext)
	}
	sort.Slice(extents, func(i, j int) bool { return extents[i].LogicalBlock < extents[j].LogicalBlock })
	return extents, nil
}

// blockAt returns the physical block mapped to a logical block.
func blockAt(extents []types.Ext4Extent, logical uint64) (uint64, bool) {
	for _, e := range extents {
		start := uint64(e.LogicalBlock)
		if logical >= start && logical < start+uint64(e.Length) {
			return e.PhysicalStart + (logical - start), true
		}
	}
	return 0, false
}

// extentChain expands extents into physical blocks in logical order.
func extentChain(extents []types.Ext4Extent) types.AllocationChain {
	var chain types.AllocationChain
	for _, e := range extents {
		for i := uint64(0); i < uint64(e.Length); i++ {
			chain = append(chain, e.PhysicalStart+i)
		}
	}
	return chain
}
