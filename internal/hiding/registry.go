package hiding

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/dasec/fishy-sub000/internal/parsers/apfs"
	"github.com/dasec/fishy-sub000/internal/parsers/ext4"
	"github.com/dasec/fishy-sub000/internal/parsers/fat"
	"github.com/dasec/fishy-sub000/internal/parsers/ntfs"
	"github.com/dasec/fishy-sub000/internal/services"
	"github.com/dasec/fishy-sub000/internal/types"
)

// Technique command names. A name can map to a different technique per filesystem.
const (
	CmdFileSlack         = "fileslack"
	CmdAddCluster        = "addcluster"
	CmdBadCluster        = "badcluster"
	CmdMFTSlack          = "mftslack"
	CmdReservedGDTBlocks = "reserved_gdt_blocks"
	CmdSuperblockSlack   = "superblock_slack"
	CmdOsd2              = "osd2"
	CmdObsoFaddr         = "obso_faddr"
	CmdInodePadding      = "inode_padding"
)

// Options carries the inputs some techniques need.
type Options struct {
	// Files are the destination files of fileslack and the file extended by
	// the FAT addcluster technique (first entry).
	Files []string
	// MFTStartRecord is the first record mftslack may use.
	MFTStartRecord uint64
}

type constructor func(svc *services.VolumeService, opts Options, log zerolog.Logger) (Technique, error)

var registry = map[string]map[types.FilesystemType]constructor{
	CmdFileSlack: {
		types.FilesystemFAT12: newFileSlack,
		types.FilesystemFAT16: newFileSlack,
		types.FilesystemFAT32: newFileSlack,
		types.FilesystemNTFS:  newFileSlack,
		types.FilesystemExt4:  newFileSlack,
		types.FilesystemAPFS:  newFileSlack,
	},
	CmdAddCluster: {
		types.FilesystemFAT12: newFATAddCluster,
		types.FilesystemFAT16: newFATAddCluster,
		types.FilesystemFAT32: newFATAddCluster,
		types.FilesystemNTFS: func(svc *services.VolumeService, _ Options, log zerolog.Logger) (Technique, error) {
			drv, err := driver[*ntfs.Driver](svc)
			if err != nil {
				return nil, err
			}
			return NewNTFSAddCluster(drv, log), nil
		},
	},
	CmdBadCluster: {
		types.FilesystemFAT12: newFATBadCluster,
		types.FilesystemFAT16: newFATBadCluster,
		types.FilesystemFAT32: newFATBadCluster,
	},
	CmdMFTSlack: {
		types.FilesystemNTFS: func(svc *services.VolumeService, opts Options, log zerolog.Logger) (Technique, error) {
			drv, err := driver[*ntfs.Driver](svc)
			if err != nil {
				return nil, err
			}
			return NewNTFSMFTSlack(drv, opts.MFTStartRecord, log), nil
		},
	},
	CmdReservedGDTBlocks: {types.FilesystemExt4: ext4Technique(NewExt4ReservedGDT)},
	CmdOsd2:              {types.FilesystemExt4: ext4Technique(NewExt4Osd2)},
	CmdObsoFaddr:         {types.FilesystemExt4: ext4Technique(NewExt4ObsoFaddr)},
	CmdSuperblockSlack: {
		types.FilesystemExt4: ext4Technique(NewExt4SuperblockSlack),
		types.FilesystemAPFS: apfsTechnique(NewAPFSSuperblockSlack),
	},
	CmdInodePadding: {types.FilesystemAPFS: apfsTechnique(NewAPFSInodePadding)},
}

// Commands returns every technique command name in sorted order.
func Commands() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supported returns the filesystems a technique command works on.
func Supported(command string) []types.FilesystemType {
	var out []types.FilesystemType
	for fs := range registry[command] {
		out = append(out, fs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New returns the technique that command names on the volume of svc.
func New(command string, svc *services.VolumeService, opts Options, log zerolog.Logger) (Technique, error) {
	byFS, ok := registry[command]
	if !ok {
		return nil, fmt.Errorf("unknown hiding technique %q", command)
	}
	create, ok := byFS[svc.Type()]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not available on %s", types.ErrUnsupportedFilesystem, command, svc.Type())
	}
	return create(svc, opts, log)
}

func driver[D any](svc *services.VolumeService) (D, error) {
	d, ok := svc.Driver().(D)
	if !ok {
		var zero D
		return zero, fmt.Errorf("unexpected driver %T for %s", svc.Driver(), svc.Type())
	}
	return d, nil
}

func newFileSlack(svc *services.VolumeService, opts Options, log zerolog.Logger) (Technique, error) {
	return NewFileSlack(svc, opts.Files, log), nil
}

func newFATAddCluster(svc *services.VolumeService, opts Options, log zerolog.Logger) (Technique, error) {
	drv, err := driver[*fat.Driver](svc)
	if err != nil {
		return nil, err
	}
	if len(opts.Files) != 1 {
		return nil, fmt.Errorf("addcluster needs exactly one file to extend, got %d", len(opts.Files))
	}
	return NewFATAddCluster(drv, opts.Files[0], log), nil
}

func newFATBadCluster(svc *services.VolumeService, _ Options, log zerolog.Logger) (Technique, error) {
	drv, err := driver[*fat.Driver](svc)
	if err != nil {
		return nil, err
	}
	return NewFATBadCluster(drv, log), nil
}

func ext4Technique(create func(*ext4.Driver, zerolog.Logger) Technique) constructor {
	return func(svc *services.VolumeService, _ Options, log zerolog.Logger) (Technique, error) {
		drv, err := driver[*ext4.Driver](svc)
		if err != nil {
			return nil, err
		}
		return create(drv, log), nil
	}
}

func apfsTechnique(create func(*apfs.Driver, zerolog.Logger) Technique) constructor {
	return func(svc *services.VolumeService, _ Options, log zerolog.Logger) (Technique, error) {
		drv, err := driver[*apfs.Driver](svc)
		if err != nil {
			return nil, err
		}
		return create(drv, log), nil
	}
}
