package types

import (
	"fmt"
	"time"
)

// FilesystemType identifies the on-disk format of an opened volume.
type FilesystemType int

const (
	FilesystemUnknown FilesystemType = iota
	FilesystemFAT12
	FilesystemFAT16
	FilesystemFAT32
	FilesystemNTFS
	FilesystemExt4
	FilesystemAPFS
)

// String returns the short lowercase name used on the command line and in metadata.
func (t FilesystemType) String() string {
	switch t {
	case FilesystemFAT12:
		return "fat12"
	case FilesystemFAT16:
		return "fat16"
	case FilesystemFAT32:
		return "fat32"
	case FilesystemNTFS:
		return "ntfs"
	case FilesystemExt4:
		return "ext4"
	case FilesystemAPFS:
		return "apfs"
	default:
		return "unknown"
	}
}

// IsFAT reports whether the type belongs to the FAT family.
func (t FilesystemType) IsFAT() bool {
	return t == FilesystemFAT12 || t == FilesystemFAT16 || t == FilesystemFAT32
}

// VolumeGeometry describes the fixed layout of an opened volume.
// It is created once per opened volume and never modified afterwards.
type VolumeGeometry struct {
	FSType FilesystemType

	// SectorSize is the size of the smallest addressable unit in bytes.
	SectorSize uint32

	// SectorsPerCluster is the allocation unit expressed in sectors.
	// For block-based filesystems it is BlockSize / SectorSize.
	SectorsPerCluster uint32

	// ClusterSize is the allocation unit (cluster or block) in bytes.
	ClusterSize uint32

	// ReservedRegionSize is the number of bytes before the first allocation table.
	ReservedRegionSize uint64

	// AllocationTableCount is the number of redundant allocation table copies.
	AllocationTableCount uint32

	// AllocationTableSize is the size of one allocation table copy in bytes.
	AllocationTableSize uint64

	// RootDirectoryLocation is a byte offset (FAT12/16 root region) or a unit id
	// (FAT32 root cluster, NTFS root record, ext4/APFS root inode).
	RootDirectoryLocation uint64

	// DataRegionOffset is the byte offset of allocation unit DataRegionFirstUnit.
	DataRegionOffset uint64

	// DataRegionFirstUnit is the unit id mapped to DataRegionOffset (2 for FAT, 0 otherwise).
	DataRegionFirstUnit uint64

	// UnitCount is the number of addressable allocation units.
	UnitCount uint64

	// VolumeSize is the size of the volume in bytes as recorded in its boot region.
	VolumeSize uint64
}

// UnitOffset returns the byte offset of an allocation unit.
func (g VolumeGeometry) UnitOffset(unit uint64) uint64 {
	return g.DataRegionOffset + (unit-g.DataRegionFirstUnit)*uint64(g.ClusterSize)
}

// Validate checks the geometry invariants against the real length of the stream.
func (g VolumeGeometry) Validate(streamLength int64) error {
	if !isPowerOfTwo(uint64(g.SectorSize)) {
		return &StructureError{Structure: "geometry", Err: fmt.Errorf("%w: sector size %d is not a power of two", ErrCorruptStructure, g.SectorSize)}
	}
	if !isPowerOfTwo(uint64(g.ClusterSize)) {
		return &StructureError{Structure: "geometry", Err: fmt.Errorf("%w: cluster size %d is not a power of two", ErrCorruptStructure, g.ClusterSize)}
	}
	end := g.ReservedRegionSize + uint64(g.AllocationTableCount)*g.AllocationTableSize
	if end > uint64(streamLength) {
		return &StructureError{Structure: "geometry", Offset: int64(end), Err: fmt.Errorf("%w: allocation tables end beyond stream length %d", ErrTruncatedRegion, streamLength)}
	}
	if g.DataRegionOffset > uint64(streamLength) {
		return &StructureError{Structure: "geometry", Offset: int64(g.DataRegionOffset), Err: fmt.Errorf("%w: data region starts beyond stream length %d", ErrTruncatedRegion, streamLength)}
	}
	return nil
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// AllocationKind tags an AllocationEntry.
type AllocationKind int

const (
	AllocFree AllocationKind = iota
	AllocNext
	AllocEnd
	AllocBad
	// AllocReserved marks a value reserved by the on-disk format. It never
	// appears in a valid chain.
	AllocReserved
)

func (k AllocationKind) String() string {
	switch k {
	case AllocFree:
		return "free"
	case AllocNext:
		return "next"
	case AllocEnd:
		return "end"
	case AllocBad:
		return "bad"
	default:
		return "reserved"
	}
}

// AllocationEntry is the decoded state of one allocation unit.
type AllocationEntry struct {
	Kind AllocationKind
	// Next is the following unit when Kind is AllocNext, the raw value when Kind is AllocReserved.
	Next uint64
}

func (e AllocationEntry) String() string {
	if e.Kind == AllocNext || e.Kind == AllocReserved {
		return fmt.Sprintf("%s(%d)", e.Kind, e.Next)
	}
	return e.Kind.String()
}

// Entry constructors.
var (
	FreeEntry = AllocationEntry{Kind: AllocFree}
	EndEntry  = AllocationEntry{Kind: AllocEnd}
	BadEntry  = AllocationEntry{Kind: AllocBad}
)

// NextEntry returns an entry pointing at unit.
func NextEntry(unit uint64) AllocationEntry {
	return AllocationEntry{Kind: AllocNext, Next: unit}
}

// AllocationChain is the ordered list of units backing one file or stream.
type AllocationChain []uint64

// Last returns the final unit of the chain.
func (c AllocationChain) Last() (uint64, bool) {
	if len(c) == 0 {
		return 0, false
	}
	return c[len(c)-1], true
}

// DirectoryRecord is a resolved directory entry.
type DirectoryRecord struct {
	Name        string
	ShortName   string
	IsDirectory bool
	IsDeleted   bool

	// StartUnit is the FAT start cluster, NTFS record number, ext4 inode number or APFS inode id.
	StartUnit uint64

	// Size is the logical size of the file data in bytes.
	Size uint64

	Attributes uint32

	// EntryOffset is the absolute byte offset of the on-disk entry, when known.
	EntryOffset int64

	ModTime time.Time
}

// Run is one physical extent of a non-resident stream.
type Run struct {
	StartCluster uint64
	ClusterCount uint64
	ByteOffset   uint64
	ByteLength   uint64
	Sparse       bool
}

// RunList is the ordered list of physical extents backing a stream.
type RunList []Run

// TotalLength returns the number of bytes covered by the runs.
func (rl RunList) TotalLength() uint64 {
	var total uint64
	for _, r := range rl {
		total += r.ByteLength
	}
	return total
}

// Clusters expands the run list into the ordered list of cluster ids.
// Sparse runs have no backing clusters and are skipped.
func (rl RunList) Clusters() AllocationChain {
	var chain AllocationChain
	for _, r := range rl {
		if r.Sparse {
			continue
		}
		for i := uint64(0); i < r.ClusterCount; i++ {
			chain = append(chain, r.StartCluster+i)
		}
	}
	return chain
}

// UnitKind names what an owning unit reference points at.
type UnitKind string

const (
	UnitCluster   UnitKind = "cluster"
	UnitBlock     UnitKind = "block"
	UnitMFTRecord UnitKind = "mft_record"
)

// UnitRef identifies the allocation unit that owns a slack region.
type UnitRef struct {
	Kind UnitKind `json:"kind"`
	ID   uint64   `json:"id"`
}

// SlackRegion is a writable byte range inside an already allocated unit.
type SlackRegion struct {
	Address uint64
	Length  uint64
	// RAMSlack is the number of bytes before Address that belong to the
	// sector-aligned RAM slack and must never be written.
	RAMSlack uint64
	Owner    UnitRef
}

// Region is a persisted (address, length) pair.
type Region struct {
	Address uint64 `json:"address"`
	Length  uint64 `json:"length"`
}

// TotalSlack sums the lengths of the given slack regions.
func TotalSlack(regions []SlackRegion) uint64 {
	var total uint64
	for _, r := range regions {
		total += r.Length
	}
	return total
}
