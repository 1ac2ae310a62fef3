package interfaces

import (
	"github.com/dasec/fishy-sub000/internal/types"
)

// FilesystemDriver is the per-format capability used by every hiding technique.
// One implementation exists per format family and is selected by signature detection.
type FilesystemDriver interface {
	// Type returns the detected filesystem variant.
	Type() types.FilesystemType

	// Geometry returns the immutable volume geometry.
	Geometry() types.VolumeGeometry

	// ResolveFile resolves a '/'-separated path to its directory record.
	ResolveFile(path string) (*types.DirectoryRecord, error)

	// ListDirectory lists the live entries of a directory.
	ListDirectory(path string) ([]types.DirectoryRecord, error)

	// FollowChain returns the ordered allocation units of the stream starting at start.
	FollowChain(start uint64) (types.AllocationChain, error)

	// ComputeSlack returns the writable slack regions of a resolved file.
	ComputeSlack(record *types.DirectoryRecord) ([]types.SlackRegion, error)
}

// AllocationTable resolves and mutates per-unit allocation state.
type AllocationTable interface {
	// Resolve returns the decoded entry of a unit.
	Resolve(unit uint64) (types.AllocationEntry, error)

	// Write stores an entry in every table copy and reloads the table.
	Write(unit uint64, entry types.AllocationEntry) error

	// FindFree returns the first free unit after hint, wrapping around once.
	FindFree(hint uint64) (uint64, error)

	// Follow walks a chain from start to its end marker.
	Follow(start uint64) (types.AllocationChain, error)

	// Hint returns the geometry-supplied free search start.
	Hint() uint64

	// UnitCount returns the number of addressable entries.
	UnitCount() uint64
}

// DirectoryIndex resolves paths against a directory tree.
type DirectoryIndex interface {
	// Resolve resolves a path to a record.
	Resolve(path string) (*types.DirectoryRecord, error)

	// List returns the live entries of the directory at path.
	List(path string) ([]types.DirectoryRecord, error)
}
