// Package services selects the filesystem driver for an opened volume and
// exposes the volume-level operations the hiding techniques are built on.
package services

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/parsers/apfs"
	"github.com/dasec/fishy-sub000/internal/parsers/ext4"
	"github.com/dasec/fishy-sub000/internal/parsers/fat"
	"github.com/dasec/fishy-sub000/internal/parsers/ntfs"
	"github.com/dasec/fishy-sub000/internal/types"
)

// probeSize covers every signature checked by Detect; the ext4 magic is the
// furthest one at 1024+0x38.
const probeSize = 4096

// Detect identifies the filesystem stored in vol from its signatures.
// Signatures are checked in a fixed order: APFS, NTFS, ext4, then the FAT family.
func Detect(vol interfaces.VolumeReader) (types.FilesystemType, error) {
	n := int64(probeSize)
	if vol.Size() < n {
		n = vol.Size()
	}
	if n < fat.BootSectorSize {
		return types.FilesystemUnknown, types.NewStructureError("volume", 0,
			fmt.Errorf("%w: volume holds %d bytes", types.ErrTruncatedRegion, vol.Size()))
	}
	data, err := vol.Read(0, int(n))
	if err != nil {
		return types.FilesystemUnknown, fmt.Errorf("failed to read volume signatures: %w", err)
	}

	switch {
	case apfs.IsAPFS(data):
		return types.FilesystemAPFS, nil
	case ntfs.IsNTFS(data):
		return types.FilesystemNTFS, nil
	case ext4.IsExt4(data):
		return types.FilesystemExt4, nil
	}
	fsType, err := fat.DetectType(data)
	if err != nil {
		if errors.Is(err, types.ErrUnsupportedFilesystem) {
			return types.FilesystemUnknown, err
		}
		return types.FilesystemUnknown, types.ErrUnrecognizedFilesystem
	}
	return fsType, nil
}

// OpenDriver detects the filesystem in vol and builds its driver.
func OpenDriver(vol interfaces.Volume, log zerolog.Logger) (interfaces.FilesystemDriver, error) {
	fsType, err := Detect(vol)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("filesystem", fsType.String()).Int64("size", vol.Size()).Msg("detected filesystem")

	var drv interfaces.FilesystemDriver
	switch {
	case fsType.IsFAT():
		drv, err = fat.NewDriver(vol, log)
	case fsType == types.FilesystemNTFS:
		drv, err = ntfs.NewDriver(vol, log)
	case fsType == types.FilesystemExt4:
		drv, err = ext4.NewDriver(vol, log)
	case fsType == types.FilesystemAPFS:
		drv, err = apfs.NewDriver(vol, log)
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrUnsupportedFilesystem, fsType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s volume: %w", fsType, err)
	}
	return drv, nil
}

// ResolveGeometry returns the geometry of the filesystem stored in vol.
func ResolveGeometry(vol interfaces.Volume) (types.VolumeGeometry, error) {
	drv, err := OpenDriver(vol, zerolog.Nop())
	if err != nil {
		return types.VolumeGeometry{}, err
	}
	return drv.Geometry(), nil
}
