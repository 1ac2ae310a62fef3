package hiding

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/services"
	"github.com/dasec/fishy-sub000/internal/types"
)

// FileSlack hides data in the drive slack of existing files. It works on
// every filesystem with a driver.
type FileSlack struct {
	svc   *services.VolumeService
	paths []string
	log   zerolog.Logger
}

var _ Technique = (*FileSlack)(nil)

// NewFileSlack returns a file slack technique writing behind the files named
// by paths. Directories contribute all files below them.
func NewFileSlack(svc *services.VolumeService, paths []string, log zerolog.Logger) *FileSlack {
	return &FileSlack{svc: svc, paths: paths, log: log}
}

// Name returns the module name of the technique.
func (f *FileSlack) Name() string {
	return f.svc.Type().String() + "-fileslack"
}

func (f *FileSlack) regions() ([]types.Region, error) {
	if len(f.paths) == 0 {
		return nil, fmt.Errorf("no destination files given")
	}
	targets, err := f.svc.CollectSlack(f.paths)
	if err != nil {
		return nil, err
	}
	var regions []types.Region
	for _, t := range targets {
		regions = append(regions, slackRegions(t.Regions)...)
	}
	return regions, nil
}

// Capacity returns the total drive slack of the destination files.
func (f *FileSlack) Capacity() (uint64, error) {
	regions, err := f.regions()
	if err != nil {
		return 0, err
	}
	return totalLength(regions), nil
}

// Write hides the payload in file slack.
func (f *FileSlack) Write(r io.Reader) (*Entry, error) {
	payload, err := readPayload(r)
	if err != nil {
		return nil, err
	}
	regions, err := f.regions()
	if err != nil {
		return nil, err
	}
	if err := checkCapacity("file slack", uint64(len(payload)), totalLength(regions)); err != nil {
		return nil, err
	}
	f.log.Info().Int("payload", len(payload)).Uint64("capacity", totalLength(regions)).Msg("writing into file slack")
	used, err := fill(f.svc.Volume(), regions, payload, f.log)
	entry := &Entry{Length: uint64(len(payload)), Regions: used}
	if err != nil {
		return entry, err
	}
	return entry, nil
}

// Read copies a payload out of file slack.
func (f *FileSlack) Read(e *Entry, w io.Writer) error {
	return readEntry(f.svc.Volume(), e, w)
}

// Clear zero-fills the slack used by e.
func (f *FileSlack) Clear(e *Entry) error {
	return clearEntry(f.svc.Volume(), e)
}
