package fat

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/types"
)

// AllocationTable is the in-memory copy of the first FAT plus the location of
// every mirror. Writes go to all copies and are followed by a reload.
// On FAT32 the FSInfo free count and next-free hint follow every write.
type AllocationTable struct {
	vol       interfaces.Volume
	fsType    types.FilesystemType
	offset    int64
	size      int64
	copies    int
	units     uint64
	hint      uint64
	data      []byte
	fsinfo    *types.FSInfo
	fsinfoOff int64
	log       zerolog.Logger
}

// NewAllocationTable loads the first FAT described by bs.
func NewAllocationTable(vol interfaces.Volume, bs *BootSector, log zerolog.Logger) (*AllocationTable, error) {
	g := bs.Geometry()
	t := &AllocationTable{
		vol:    vol,
		fsType: bs.Type(),
		offset: int64(g.ReservedRegionSize),
		size:   int64(g.AllocationTableSize),
		copies: int(g.AllocationTableCount),
		units:  g.UnitCount,
		hint:   bs.FreeHint(),
		fsinfo: bs.FSInfo,
		log:    log,
	}
	if bs.FSInfo != nil {
		t.fsinfoOff = int64(bs.FAT32.FSInfoSector) * int64(bs.SectorSize())
	}
	if err := t.reload(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *AllocationTable) reload() error {
	data, err := t.vol.Read(t.offset, int(t.size))
	if err != nil {
		return fmt.Errorf("failed to read allocation table: %w", err)
	}
	t.data = data
	return nil
}

// Type returns the FAT variant of the table.
func (t *AllocationTable) Type() types.FilesystemType {
	return t.fsType
}

// UnitCount returns the number of addressable entries, including the two reserved ones.
func (t *AllocationTable) UnitCount() uint64 {
	return t.units
}

// Hint returns the free-cluster search start.
func (t *AllocationTable) Hint() uint64 {
	return t.hint
}

// entrySpan returns the byte offset and width of the bytes holding entry id.
func (t *AllocationTable) entrySpan(id uint64) (int, int) {
	switch t.fsType {
	case types.FilesystemFAT12:
		return int(id + id/2), 2
	case types.FilesystemFAT16:
		return int(id * 2), 2
	default:
		return int(id * 4), 4
	}
}

// Raw returns the undecoded value of entry id.
func (t *AllocationTable) Raw(id uint64) (uint32, error) {
	if id >= t.units {
		return 0, types.NewUnitError("fat entry", id, fmt.Errorf("%w: table holds %d entries", types.ErrTruncatedRegion, t.units))
	}
	off, width := t.entrySpan(id)
	if off+width > len(t.data) {
		return 0, types.NewUnitError("fat entry", id, types.ErrTruncatedRegion)
	}
	switch t.fsType {
	case types.FilesystemFAT12:
		return decodeFAT12Pair(t.data[off:off+2], id), nil
	case types.FilesystemFAT16:
		return uint32(binary.LittleEndian.Uint16(t.data[off:])), nil
	default:
		return binary.LittleEndian.Uint32(t.data[off:]) & types.FAT32EntryMask, nil
	}
}

// decodeFAT12Pair extracts a 12-bit entry from the two bytes starting at id+id/2.
// Even ids own the low 12 bits, odd ids the high 12 bits.
func decodeFAT12Pair(pair []byte, id uint64) uint32 {
	word := binary.LittleEndian.Uint16(pair)
	if id&1 == 0 {
		return uint32(word & 0x0FFF)
	}
	return uint32(word >> 4)
}

// encodeFAT12Pair stores a 12-bit entry into the two bytes starting at id+id/2,
// keeping the nibble that belongs to the neighbouring entry.
func encodeFAT12Pair(pair []byte, id uint64, value uint32) {
	word := binary.LittleEndian.Uint16(pair)
	if id&1 == 0 {
		word = word&0xF000 | uint16(value&0x0FFF)
	} else {
		word = word&0x000F | uint16(value&0x0FFF)<<4
	}
	binary.LittleEndian.PutUint16(pair, word)
}

func (t *AllocationTable) sentinels() (bad, end uint32) {
	switch t.fsType {
	case types.FilesystemFAT12:
		return types.FAT12Bad, types.FAT12End
	case types.FilesystemFAT16:
		return types.FAT16Bad, types.FAT16End
	default:
		return types.FAT32Bad, types.FAT32End
	}
}

// classify maps a raw table value to its allocation state.
func (t *AllocationTable) classify(value uint32) types.AllocationEntry {
	bad, _ := t.sentinels()
	switch {
	case value == 0:
		return types.FreeEntry
	case value == 1:
		return types.AllocationEntry{Kind: types.AllocReserved, Next: 1}
	case value == bad:
		return types.BadEntry
	case value > bad:
		return types.EndEntry
	case value >= bad-7:
		return types.AllocationEntry{Kind: types.AllocReserved, Next: uint64(value)}
	default:
		return types.NextEntry(uint64(value))
	}
}

// Resolve returns the allocation state of cluster id.
func (t *AllocationTable) Resolve(id uint64) (types.AllocationEntry, error) {
	value, err := t.Raw(id)
	if err != nil {
		return types.AllocationEntry{}, err
	}
	return t.classify(value), nil
}

// encode converts an entry to the raw value for the active bit width.
func (t *AllocationTable) encode(entry types.AllocationEntry) (uint32, error) {
	bad, end := t.sentinels()
	switch entry.Kind {
	case types.AllocFree:
		return 0, nil
	case types.AllocEnd:
		return end, nil
	case types.AllocBad:
		return bad, nil
	case types.AllocNext:
		if entry.Next < 2 || entry.Next >= uint64(bad) {
			return 0, fmt.Errorf("%w: next cluster %d outside [2, 0x%x)", types.ErrInvalidAllocationValue, entry.Next, bad)
		}
		return uint32(entry.Next), nil
	default:
		return 0, fmt.Errorf("%w: %s entries cannot be written", types.ErrInvalidAllocationValue, entry.Kind)
	}
}

// Write stores entry for cluster id in every FAT copy, then reloads the table.
func (t *AllocationTable) Write(id uint64, entry types.AllocationEntry) error {
	if id < 2 || id >= t.units {
		return fmt.Errorf("%w: cluster %d outside [2, %d)", types.ErrInvalidAllocationValue, id, t.units)
	}
	value, err := t.encode(entry)
	if err != nil {
		return err
	}

	previous, err := t.Resolve(id)
	if err != nil {
		return err
	}
	off, width := t.entrySpan(id)
	span := make([]byte, width)
	copy(span, t.data[off:off+width])
	switch t.fsType {
	case types.FilesystemFAT12:
		encodeFAT12Pair(span, id, value)
	case types.FilesystemFAT16:
		binary.LittleEndian.PutUint16(span, uint16(value))
	default:
		// The top four bits of a FAT32 entry are reserved and preserved.
		old := binary.LittleEndian.Uint32(span)
		binary.LittleEndian.PutUint32(span, old&^types.FAT32EntryMask|value)
	}

	for i := 0; i < t.copies; i++ {
		pos := t.offset + int64(i)*t.size + int64(off)
		if _, err := t.vol.WriteAt(span, pos); err != nil {
			return fmt.Errorf("failed to write FAT copy %d entry %d: %w", i, id, err)
		}
	}
	t.log.Debug().Uint64("cluster", id).Str("entry", entry.String()).Int("copies", t.copies).Msg("allocation table entry written")

	if err := t.reload(); err != nil {
		return err
	}
	return t.updateFSInfo(id, previous.Kind == types.AllocFree, entry.Kind == types.AllocFree)
}

// FSInfo offsets of the free count and next-free fields.
const (
	fsinfoFreeCountOff = 488
	fsinfoNextFreeOff  = 492
)

// updateFSInfo keeps the FAT32 FSInfo hints in step with a table write.
// An unknown free count stays unknown. Allocating a cluster records it as the
// next-free search start, which FindFree examines last.
func (t *AllocationTable) updateFSInfo(id uint64, wasFree, isFree bool) error {
	if t.fsinfo == nil || wasFree == isFree {
		return nil
	}
	info := *t.fsinfo
	if info.FreeCount != types.FSInfoUnknown {
		if isFree {
			info.FreeCount++
		} else if info.FreeCount > 0 {
			info.FreeCount--
		}
	}
	if !isFree {
		info.NextFree = uint32(id)
	}

	fields := make([]byte, 8)
	binary.LittleEndian.PutUint32(fields[0:], info.FreeCount)
	binary.LittleEndian.PutUint32(fields[4:], info.NextFree)
	if _, err := t.vol.WriteAt(fields, t.fsinfoOff+fsinfoFreeCountOff); err != nil {
		return fmt.Errorf("failed to update FSInfo after writing entry %d: %w", id, err)
	}
	*t.fsinfo = info
	t.log.Debug().Uint32("free_count", info.FreeCount).Uint32("next_free", info.NextFree).Msg("FSInfo updated")
	return nil
}

// FindFree returns the first free cluster after hint, wrapping around the
// table once. The hint itself is examined last.
func (t *AllocationTable) FindFree(hint uint64) (uint64, error) {
	if t.units <= 2 {
		return 0, types.ErrNoFreeUnit
	}
	span := t.units - 2
	if hint < 2 || hint >= t.units {
		hint = t.units - 1
	}
	for i := uint64(1); i <= span; i++ {
		id := 2 + (hint-2+i)%span
		entry, err := t.Resolve(id)
		if err != nil {
			return 0, err
		}
		if entry.Kind == types.AllocFree {
			return id, nil
		}
	}
	return 0, types.ErrNoFreeUnit
}

// Follow walks the chain starting at start until its end marker.
// Free, bad, reserved, out-of-range or looping entries abort the walk.
func (t *AllocationTable) Follow(start uint64) (types.AllocationChain, error) {
	if start < 2 || start >= t.units {
		return nil, types.NewUnitError("fat chain", start, fmt.Errorf("%w: start cluster out of range", types.ErrChainIntegrity))
	}
	var chain types.AllocationChain
	seen := make(map[uint64]struct{})
	current := start
	for {
		if _, ok := seen[current]; ok {
			return nil, types.NewUnitError("fat chain", current, fmt.Errorf("%w: loop back to cluster %d", types.ErrChainIntegrity, current))
		}
		seen[current] = struct{}{}
		chain = append(chain, current)

		entry, err := t.Resolve(current)
		if err != nil {
			return nil, err
		}
		switch entry.Kind {
		case types.AllocEnd:
			return chain, nil
		case types.AllocNext:
			if entry.Next < 2 || entry.Next >= t.units {
				return nil, types.NewUnitError("fat chain", current, fmt.Errorf("%w: next cluster %d out of range", types.ErrChainIntegrity, entry.Next))
			}
			current = entry.Next
		default:
			return nil, types.NewUnitError("fat chain", current, fmt.Errorf("%w: cluster is %s", types.ErrChainIntegrity, entry.Kind))
		}
	}
}

// Entries decodes every entry of the table.
func (t *AllocationTable) Entries() ([]types.AllocationEntry, error) {
	entries := make([]types.AllocationEntry, t.units)
	for id := uint64(0); id < t.units; id++ {
		entry, err := t.Resolve(id)
		if err != nil {
			return nil, err
		}
		entries[id] = entry
	}
	return entries, nil
}
