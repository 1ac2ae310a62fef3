package device

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"

	"github.com/dasec/fishy-sub000/internal/types"
)

// Stream gives positioned access to a volume stored in a seekable stream.
// Every access seeks explicitly; the ambient position of the underlying
// stream is never relied upon. A Stream is not safe for concurrent use and
// assumes it is the only writer of the volume.
type Stream struct {
	rws    io.ReadWriteSeeker
	closer io.Closer
	offset int64 // Offset of the volume inside the underlying stream
	size   int64
}

// OpenOptions controls how a device or image is opened.
type OpenOptions struct {
	// Writable opens the device for writing; hiding operations need it.
	Writable bool
	// Offset is the byte offset of the volume inside the device (e.g. a partition start).
	Offset int64
}

// NewStream wraps rws. The volume is assumed to span from offset to the end of rws.
func NewStream(rws io.ReadWriteSeeker, offset int64) (*Stream, error) {
	if offset < 0 {
		return nil, fmt.Errorf("negative volume offset %d", offset)
	}
	end, err := rws.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to determine stream size: %w", err)
	}
	if end < offset {
		return nil, fmt.Errorf("volume offset %d beyond stream size %d", offset, end)
	}
	s := &Stream{rws: rws, offset: offset, size: end - offset}
	if c, ok := rws.(io.Closer); ok {
		s.closer = c
	}
	return s, nil
}

// Open opens path on fs as a volume stream.
func Open(fs afero.Fs, path string, opts OpenOptions) (*Stream, error) {
	if path == "" {
		return nil, fmt.Errorf("device path cannot be empty")
	}
	flag := os.O_RDONLY
	if opts.Writable {
		flag = os.O_RDWR
	}
	file, err := fs.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", path, err)
	}
	s, err := NewStream(file, opts.Offset)
	if err != nil {
		file.Close()
		return nil, err
	}
	return s, nil
}

// Size returns the length of the volume in bytes.
func (s *Stream) Size() int64 {
	return s.size
}

// ReadAt reads exactly len(p) bytes at volume offset off.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if err := s.checkRange(off, len(p)); err != nil {
		return 0, err
	}
	if _, err := s.rws.Seek(s.offset+off, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek to 0x%x: %w", off, err)
	}
	n, err := io.ReadFull(s.rws, p)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return n, types.NewStructureError("stream", off, fmt.Errorf("%w: short read of %d/%d bytes", types.ErrTruncatedRegion, n, len(p)))
		}
		return n, fmt.Errorf("failed to read %d bytes at 0x%x: %w", len(p), off, err)
	}
	return n, nil
}

// WriteAt writes p at volume offset off.
func (s *Stream) WriteAt(p []byte, off int64) (int, error) {
	if err := s.checkRange(off, len(p)); err != nil {
		return 0, err
	}
	if _, err := s.rws.Seek(s.offset+off, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek to 0x%x: %w", off, err)
	}
	n, err := s.rws.Write(p)
	if err != nil {
		return n, fmt.Errorf("failed to write %d bytes at 0x%x: %w", len(p), off, err)
	}
	if n != len(p) {
		return n, fmt.Errorf("short write at 0x%x: %d/%d bytes: %w", off, n, len(p), io.ErrShortWrite)
	}
	return n, nil
}

// Read returns length bytes at volume offset off.
func (s *Stream) Read(off int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := s.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

// Sync flushes the underlying stream if it supports it.
func (s *Stream) Sync() error {
	if syncer, ok := s.rws.(interface{ Sync() error }); ok {
		return syncer.Sync()
	}
	return nil
}

// Close closes the underlying stream when it is closable.
func (s *Stream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *Stream) checkRange(off int64, length int) error {
	if off < 0 || length < 0 || off+int64(length) > s.size {
		return types.NewStructureError("stream", off,
			fmt.Errorf("%w: range of %d bytes exceeds volume size %d", types.ErrTruncatedRegion, length, s.size))
	}
	return nil
}
