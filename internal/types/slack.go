package types

import "fmt"

// FileSlack computes the drive slack behind the logical end of a file stored in chain.
//
// The last occupied unit is chain[(size-1)/unit]. The sector-aligned RAM slack
// directly after the data is excluded; the remainder up to the unit boundary
// is returned. Sizes of zero or exact unit multiples leave no slack.
func FileSlack(g VolumeGeometry, chain AllocationChain, size uint64, kind UnitKind) (SlackRegion, error) {
	unit := uint64(g.ClusterSize)
	sector := uint64(g.SectorSize)
	if unit == 0 || sector == 0 {
		return SlackRegion{}, fmt.Errorf("%w: zero unit or sector size", ErrCorruptStructure)
	}
	if size == 0 || size%unit == 0 {
		return SlackRegion{}, fmt.Errorf("%w: size %d leaves no slack in %d-byte units", ErrInsufficientSpace, size, unit)
	}
	idx := (size - 1) / unit
	if idx >= uint64(len(chain)) {
		return SlackRegion{}, fmt.Errorf("%w: %d units cannot hold %d bytes", ErrChainIntegrity, len(chain), size)
	}
	return UnitSlack(g, chain[idx], size, kind)
}

// UnitSlack computes the drive slack of the unit holding the last byte of a
// stream of the given size.
func UnitSlack(g VolumeGeometry, last, size uint64, kind UnitKind) (SlackRegion, error) {
	unit := uint64(g.ClusterSize)
	sector := uint64(g.SectorSize)
	if unit == 0 || sector == 0 {
		return SlackRegion{}, fmt.Errorf("%w: zero unit or sector size", ErrCorruptStructure)
	}
	if size == 0 || size%unit == 0 {
		return SlackRegion{}, fmt.Errorf("%w: size %d leaves no slack in %d-byte units", ErrInsufficientSpace, size, unit)
	}
	occupied := size % unit
	ram := (sector - occupied%sector) % sector
	length := unit - occupied - ram
	if length == 0 {
		return SlackRegion{}, fmt.Errorf("%w: only RAM slack behind %d bytes", ErrInsufficientSpace, size)
	}
	return SlackRegion{
		Address:  g.UnitOffset(last) + occupied + ram,
		Length:   length,
		RAMSlack: ram,
		Owner:    UnitRef{Kind: kind, ID: last},
	}, nil
}
