package apfs

import (
	"encoding/binary"
	"fmt"

	"github.com/dasec/fishy-sub000/internal/parsers/objects"
	"github.com/dasec/fishy-sub000/internal/types"
)

// ParseVolumeSuperblock decodes an APFS volume superblock block.
func ParseVolumeSuperblock(data []byte) (*types.ApfsSuperblockT, error) {
	if len(data) < types.ApfsVolnameOff+types.ApfsVolnameLen {
		return nil, types.NewStructureError("apfs apfs_superblock", 0,
			fmt.Errorf("%w: %d bytes", types.ErrTruncatedRegion, len(data)))
	}
	endian := binary.LittleEndian
	sb := &types.ApfsSuperblockT{ApfsO: parseObjectHeader(data)}
	sb.ApfsMagic = endian.Uint32(data[types.ApfsMagicOff:])
	if sb.ApfsMagic != types.ApfsMagic {
		return nil, types.NewStructureError("apfs apfs_superblock.apfs_magic", types.ApfsMagicOff,
			fmt.Errorf("%w: magic 0x%08X", types.ErrCorruptStructure, sb.ApfsMagic))
	}
	if !objects.NewChecksumInspector(&sb.ApfsO, data).VerifyChecksum() {
		return nil, types.NewStructureError("apfs apfs_superblock", 0,
			fmt.Errorf("%w: checksum mismatch", types.ErrCorruptStructure))
	}
	sb.ApfsFsIndex = endian.Uint32(data[types.ApfsFsIndexOff:])
	sb.ApfsFeatures = endian.Uint64(data[types.ApfsFeaturesOff:])
	sb.ApfsIncompat = endian.Uint64(data[types.ApfsIncompatOff:])
	sb.ApfsOmapOid = types.OidT(endian.Uint64(data[types.ApfsOmapOidOff:]))
	sb.ApfsRootTreeOid = types.OidT(endian.Uint64(data[types.ApfsRootTreeOidOff:]))
	sb.ApfsNumFiles = endian.Uint64(data[types.ApfsNumFilesOff:])
	sb.ApfsNumDirectories = endian.Uint64(data[types.ApfsNumDirsOff:])
	copy(sb.ApfsVolUUID[:], data[types.ApfsVolUUIDOff:types.ApfsVolUUIDOff+16])
	sb.ApfsVolname = cString(data[types.ApfsVolnameOff : types.ApfsVolnameOff+types.ApfsVolnameLen])
	return sb, nil
}

func cString(raw []byte) string {
	for i, c := range raw {
		if c == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}
