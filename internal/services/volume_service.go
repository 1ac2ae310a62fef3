package services

import (
	"errors"
	"fmt"
	"path"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/types"
)

// VolumeService bundles an opened volume with its filesystem driver.
type VolumeService struct {
	vol    interfaces.Volume
	driver interfaces.FilesystemDriver
	log    zerolog.Logger
}

// NewVolumeService detects the filesystem of vol and opens its driver.
func NewVolumeService(vol interfaces.Volume, log zerolog.Logger) (*VolumeService, error) {
	if vol == nil {
		return nil, fmt.Errorf("volume cannot be nil")
	}
	drv, err := OpenDriver(vol, log)
	if err != nil {
		return nil, err
	}
	return &VolumeService{vol: vol, driver: drv, log: log}, nil
}

// Volume returns the underlying volume stream.
func (s *VolumeService) Volume() interfaces.Volume {
	return s.vol
}

// Driver returns the filesystem driver.
func (s *VolumeService) Driver() interfaces.FilesystemDriver {
	return s.driver
}

// Type returns the detected filesystem type.
func (s *VolumeService) Type() types.FilesystemType {
	return s.driver.Type()
}

// Geometry returns the volume geometry.
func (s *VolumeService) Geometry() types.VolumeGeometry {
	return s.driver.Geometry()
}

// ResolveFile resolves path to its directory record.
func (s *VolumeService) ResolveFile(p string) (*types.DirectoryRecord, error) {
	return ResolveFile(s.driver, p)
}

// ListDirectory lists the live entries of the directory at p.
func (s *VolumeService) ListDirectory(p string) ([]types.DirectoryRecord, error) {
	return s.driver.ListDirectory(p)
}

// FollowChain returns the allocation units of the stream starting at start.
func (s *VolumeService) FollowChain(start uint64) (types.AllocationChain, error) {
	return FollowChain(s.driver, start)
}

// ComputeSlack returns the slack regions of a resolved record.
func (s *VolumeService) ComputeSlack(record *types.DirectoryRecord) ([]types.SlackRegion, error) {
	return ComputeSlack(s.driver, record)
}

// SlackTarget is one file contributing slack to a hiding operation.
type SlackTarget struct {
	Path    string
	Record  types.DirectoryRecord
	Regions []types.SlackRegion
}

// CollectSlack resolves every path and gathers the slack of the files it
// names. Directories are expanded recursively. Files without slack are
// skipped; any other error aborts the collection.
func (s *VolumeService) CollectSlack(paths []string) ([]SlackTarget, error) {
	var targets []SlackTarget
	seen := make(map[uint64]bool)
	var visit func(p string, rec *types.DirectoryRecord) error
	visit = func(p string, rec *types.DirectoryRecord) error {
		if rec.IsDirectory {
			children, err := s.driver.ListDirectory(p)
			if err != nil {
				return fmt.Errorf("failed to list %s: %w", p, err)
			}
			for i := range children {
				if err := visit(path.Join(p, children[i].Name), &children[i]); err != nil {
					return err
				}
			}
			return nil
		}
		if seen[rec.StartUnit] && rec.StartUnit != 0 {
			return nil
		}
		regions, err := s.driver.ComputeSlack(rec)
		if errors.Is(err, types.ErrInsufficientSpace) {
			s.log.Debug().Str("path", p).Msg("file has no slack")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to compute slack of %s: %w", p, err)
		}
		seen[rec.StartUnit] = true
		targets = append(targets, SlackTarget{Path: p, Record: *rec, Regions: regions})
		return nil
	}

	for _, p := range paths {
		rec, err := s.ResolveFile(p)
		if err != nil {
			return nil, err
		}
		if err := visit(normalizePath(p), rec); err != nil {
			return nil, err
		}
	}
	return targets, nil
}

// ResolveFile resolves path with driver and annotates lookup failures with the path.
func ResolveFile(driver interfaces.FilesystemDriver, p string) (*types.DirectoryRecord, error) {
	rec, err := driver.ResolveFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	return rec, nil
}

// ComputeSlack returns the writable slack regions of record.
func ComputeSlack(driver interfaces.FilesystemDriver, record *types.DirectoryRecord) ([]types.SlackRegion, error) {
	if record == nil {
		return nil, fmt.Errorf("record cannot be nil")
	}
	return driver.ComputeSlack(record)
}

// FollowChain follows the allocation chain starting at start.
func FollowChain(driver interfaces.FilesystemDriver, start uint64) (types.AllocationChain, error) {
	return driver.FollowChain(start)
}

func normalizePath(p string) string {
	return path.Clean("/" + p)
}
