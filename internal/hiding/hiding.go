// Package hiding implements the data hiding techniques. Every technique
// writes a payload into regions the filesystem does not use, reads it back
// and clears it again from the Entry recorded at write time.
package hiding

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/services"
	"github.com/dasec/fishy-sub000/internal/types"
)

// Technique is the common shape of every hiding method.
type Technique interface {
	// Name is the module name recorded in the metadata document
	Name() string

	// Capacity returns the number of payload bytes the technique can hold
	Capacity() (uint64, error)

	// Write hides everything read from r
	Write(r io.Reader) (*Entry, error)

	// Read writes the payload described by e to w
	Read(e *Entry, w io.Writer) error

	// Clear zero-fills the payload and undoes structural changes
	Clear(e *Entry) error
}

// Entry records where one payload was written.
type Entry struct {
	// Length is the payload length in bytes.
	Length uint64 `json:"length" yaml:"length"`

	// Regions are the written byte ranges in payload order. The last one may
	// only be partially used.
	Regions []types.Region `json:"regions" yaml:"regions"`

	// Clusters lists units allocated by the technique.
	Clusters []uint64 `json:"clusters,omitempty" yaml:"clusters,omitempty"`

	// File is the path the payload was attached to.
	File string `json:"file,omitempty" yaml:"file,omitempty"`

	// LastCluster is the original end of the chain extended by addcluster.
	LastCluster uint64 `json:"last_cluster,omitempty" yaml:"last_cluster,omitempty"`
}

func readPayload(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("payload reader cannot be nil")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, nil
}

func checkCapacity(name string, payload, capacity uint64) error {
	if payload > capacity {
		return fmt.Errorf("%w: %s holds %d bytes, payload has %d", types.ErrInsufficientSpace, name, capacity, payload)
	}
	return nil
}

func totalLength(regions []types.Region) uint64 {
	var total uint64
	for _, r := range regions {
		total += r.Length
	}
	return total
}

// fill writes payload across regions in order and returns the regions that
// received bytes, the last one trimmed to what was written. On an I/O error
// the regions written so far, including the one that failed, are returned
// with the error so they can be cleared.
func fill(vol interfaces.Volume, regions []types.Region, payload []byte, log zerolog.Logger) ([]types.Region, error) {
	var used []types.Region
	for _, r := range regions {
		if len(payload) == 0 {
			break
		}
		n := min(r.Length, uint64(len(payload)))
		if _, err := services.WriteRegion(vol, r.Address, payload[:n]); err != nil {
			if !errors.Is(err, types.ErrTruncatedRegion) {
				used = append(used, types.Region{Address: r.Address, Length: n})
			}
			return used, err
		}
		used = append(used, types.Region{Address: r.Address, Length: n})
		log.Debug().Uint64("address", r.Address).Uint64("length", n).Msg("wrote region")
		payload = payload[n:]
	}
	if len(payload) != 0 {
		return used, fmt.Errorf("%w: %d bytes left after the last region", types.ErrInsufficientSpace, len(payload))
	}
	return used, nil
}

// Touched reports whether a write got far enough to leave data or allocations
// on the volume that Clear has to undo.
func (e *Entry) Touched() bool {
	return e != nil && (len(e.Regions) > 0 || len(e.Clusters) > 0)
}

// readEntry copies the payload of e to w.
func readEntry(vol interfaces.VolumeReader, e *Entry, w io.Writer) error {
	if e == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	if total := totalLength(e.Regions); total < e.Length {
		return fmt.Errorf("%w: regions hold %d bytes, entry records %d", types.ErrCorruptStructure, total, e.Length)
	}
	remaining := e.Length
	for _, r := range e.Regions {
		if remaining == 0 {
			break
		}
		n := min(r.Length, remaining)
		data, err := services.ReadRegion(vol, r.Address, n)
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("failed to write payload: %w", err)
		}
		remaining -= n
	}
	return nil
}

// clearEntry zero-fills every region of e.
func clearEntry(vol interfaces.Volume, e *Entry) error {
	if e == nil {
		return fmt.Errorf("entry cannot be nil")
	}
	return services.ClearRegions(vol, e.Regions)
}

func slackRegions(slack []types.SlackRegion) []types.Region {
	out := make([]types.Region, 0, len(slack))
	for _, s := range slack {
		out = append(out, types.Region{Address: s.Address, Length: s.Length})
	}
	return out
}
