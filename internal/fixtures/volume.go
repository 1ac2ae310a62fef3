// Package fixtures builds small filesystem images in memory for tests.
package fixtures

import (
	"fmt"
	"time"

	"github.com/spf13/afero"

	"github.com/dasec/fishy-sub000/internal/device"
)

// ImagePath is the name under which images are stored on the in-memory filesystem.
const ImagePath = "/volume.img"

var fixtureTime = time.Date(2018, time.March, 14, 10, 30, 0, 0, time.UTC)

// Mount stores img on a fresh in-memory filesystem and opens it writable.
func Mount(img []byte) (*device.Stream, afero.Fs, error) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, ImagePath, img, 0o644); err != nil {
		return nil, nil, fmt.Errorf("failed to store image: %w", err)
	}
	stream, err := device.Open(fs, ImagePath, device.OpenOptions{Writable: true})
	if err != nil {
		return nil, nil, err
	}
	return stream, fs, nil
}

// Reopen opens the image stored on fs again, e.g. to observe persisted writes.
func Reopen(fs afero.Fs) (*device.Stream, error) {
	return device.Open(fs, ImagePath, device.OpenOptions{Writable: true})
}

// Pattern returns n bytes of a repeating, recognisable pattern.
func Pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}
