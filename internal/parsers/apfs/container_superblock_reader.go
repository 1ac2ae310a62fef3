// Package apfs reads the parts of an APFS container needed to locate files
// and their slack: the container and volume superblocks, the object maps and
// the file-system tree of the first volume.
package apfs

import (
	"encoding/binary"
	"fmt"

	"github.com/dasec/fishy-sub000/internal/interfaces"
	"github.com/dasec/fishy-sub000/internal/parsers/objects"
	"github.com/dasec/fishy-sub000/internal/types"
)

// Container block sizes outside this range are rejected.
const (
	minBlockSize = types.NxMinimumBlockSize
	maxBlockSize = 65536
)

// IsAPFS reports whether the volume prefix in data carries the container magic.
// data must start at volume offset 0.
func IsAPFS(data []byte) bool {
	return len(data) >= types.NxMagicOff+4 && binary.LittleEndian.Uint32(data[types.NxMagicOff:]) == types.NxMagic
}

// ReadContainerSuperblock reads the container superblock in block 0 and
// verifies its checksum. Checkpoint areas are not scanned for a newer copy.
func ReadContainerSuperblock(vol interfaces.VolumeReader) (*types.NxSuperblockT, []byte, error) {
	head, err := vol.Read(0, types.NxSuperblockSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read container superblock: %w", err)
	}
	if !IsAPFS(head) {
		return nil, nil, types.ErrUnrecognizedFilesystem
	}
	bs := binary.LittleEndian.Uint32(head[types.NxBlockSizeOff:])
	if bs < minBlockSize || bs > maxBlockSize || bs&(bs-1) != 0 {
		return nil, nil, types.NewStructureError("apfs nx_superblock.nx_block_size", types.NxBlockSizeOff,
			fmt.Errorf("%w: block size %d", types.ErrCorruptStructure, bs))
	}
	block, err := vol.Read(0, int(bs))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read container superblock block: %w", err)
	}
	sb, err := ParseContainerSuperblock(block)
	if err != nil {
		return nil, nil, err
	}
	return sb, block, nil
}

// ParseContainerSuperblock decodes a whole container superblock block.
func ParseContainerSuperblock(data []byte) (*types.NxSuperblockT, error) {
	if len(data) < types.NxSuperblockSize {
		return nil, types.NewStructureError("apfs nx_superblock", 0,
			fmt.Errorf("%w: %d bytes", types.ErrTruncatedRegion, len(data)))
	}
	endian := binary.LittleEndian
	sb := &types.NxSuperblockT{NxO: parseObjectHeader(data)}
	sb.NxMagic = endian.Uint32(data[types.NxMagicOff:])
	if sb.NxMagic != types.NxMagic {
		return nil, types.ErrUnrecognizedFilesystem
	}
	if !objects.NewChecksumInspector(&sb.NxO, data).VerifyChecksum() {
		return nil, types.NewStructureError("apfs nx_superblock", 0,
			fmt.Errorf("%w: checksum mismatch", types.ErrCorruptStructure))
	}
	sb.NxBlockSize = endian.Uint32(data[types.NxBlockSizeOff:])
	sb.NxBlockCount = endian.Uint64(data[types.NxBlockCountOff:])
	copy(sb.NxUUID[:], data[types.NxUUIDOff:types.NxUUIDOff+16])
	sb.NxNextOid = types.OidT(endian.Uint64(data[types.NxNextOidOff:]))
	sb.NxNextXid = types.XidT(endian.Uint64(data[types.NxNextXidOff:]))
	sb.NxOmapOid = types.OidT(endian.Uint64(data[types.NxOmapOidOff:]))
	sb.NxMaxFileSystems = endian.Uint32(data[types.NxMaxFileSystemsOff:])

	count := min(int(sb.NxMaxFileSystems), types.NxMaxFileSystems)
	for i := 0; i < count; i++ {
		oid := types.OidT(endian.Uint64(data[types.NxFsOidOff+i*8:]))
		if oid != types.OidInvalid {
			sb.NxFsOid = append(sb.NxFsOid, oid)
		}
	}
	return sb, nil
}

// parseObjectHeader decodes the obj_phys_t at the start of every object.
func parseObjectHeader(data []byte) types.ObjPhysT {
	endian := binary.LittleEndian
	var o types.ObjPhysT
	copy(o.OChecksum[:], data[0:8])
	o.OOid = types.OidT(endian.Uint64(data[8:16]))
	o.OXid = types.XidT(endian.Uint64(data[16:24]))
	o.OType = endian.Uint32(data[24:28])
	o.OSubtype = endian.Uint32(data[28:32])
	return o
}

// Geometry derives the volume geometry of a container. Blocks are the
// allocation unit; RAM slack is measured in 512-byte sectors.
func Geometry(sb *types.NxSuperblockT) types.VolumeGeometry {
	return types.VolumeGeometry{
		FSType:                types.FilesystemAPFS,
		SectorSize:            512,
		SectorsPerCluster:     sb.NxBlockSize / 512,
		ClusterSize:           sb.NxBlockSize,
		RootDirectoryLocation: types.RootDirInoNum,
		UnitCount:             sb.NxBlockCount,
		VolumeSize:            sb.NxBlockCount * uint64(sb.NxBlockSize),
	}
}
