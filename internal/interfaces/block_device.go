package interfaces

// VolumeReader reads bytes at absolute offsets inside an opened volume.
// Implementations seek explicitly before every access.
type VolumeReader interface {
	// ReadAt reads exactly len(p) bytes at off.
	ReadAt(p []byte, off int64) (int, error)

	// Read returns length bytes at off.
	Read(off int64, length int) ([]byte, error)

	// Size returns the volume length in bytes.
	Size() int64
}

// VolumeWriter writes bytes at absolute offsets inside an opened volume.
type VolumeWriter interface {
	// WriteAt writes all of p at off.
	WriteAt(p []byte, off int64) (int, error)
}

// Volume is a readable and writable volume stream.
type Volume interface {
	VolumeReader
	VolumeWriter
}
