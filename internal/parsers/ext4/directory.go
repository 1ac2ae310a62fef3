package ext4

import (
	"fmt"

	"github.com/dasec/fishy-sub000/internal/parsers/binstruct"
	"github.com/dasec/fishy-sub000/internal/types"
)

// parseDirectoryBlock decodes the linear entries of one directory block.
// Unused slots (inode 0) are skipped, which also hides htree index data
// and checksum tails.
func parseDirectoryBlock(data []byte, base int64) ([]types.Ext4DirEntry, error) {
	var entries []types.Ext4DirEntry
	pos := 0
	for pos+types.Ext4DirEntryHeaderSize <= len(data) {
		rec, err := binstruct.Decode(data, pos, dirEntryTable)
		if err != nil {
			return nil, err
		}
		entry := types.Ext4DirEntry{
			Inode:    uint32(rec.Uint("inode")),
			RecLen:   uint16(rec.Uint("rec_len")),
			NameLen:  uint8(rec.Uint("name_len")),
			FileType: uint8(rec.Uint("file_type")),
			Offset:   base + int64(pos),
		}
		if entry.RecLen < types.Ext4DirEntryHeaderSize || entry.RecLen%4 != 0 || pos+int(entry.RecLen) > len(data) {
			return nil, types.NewStructureError("ext4 directory entry", base+int64(pos), fmt.Errorf("%w: record length %d", types.ErrCorruptStructure, entry.RecLen))
		}
		if types.Ext4DirEntryHeaderSize+int(entry.NameLen) > int(entry.RecLen) {
			return nil, types.NewStructureError("ext4 directory entry", base+int64(pos), fmt.Errorf("%w: name of %d bytes in %d-byte record", types.ErrCorruptStructure, entry.NameLen, entry.RecLen))
		}
		if entry.Inode != 0 {
			start := pos + types.Ext4DirEntryHeaderSize
			entry.Name = string(data[start : start+int(entry.NameLen)])
			entries = append(entries, entry)
		}
		pos += int(entry.RecLen)
	}
	return entries, nil
}

// ReadDirectory returns every live entry of a directory inode, including "." and "..".
func (d *Driver) ReadDirectory(dir *types.Ext4Inode) ([]types.Ext4DirEntry, error) {
	if !dir.IsDirectory() {
		return nil, types.NewUnitError("ext4 inode", uint64(dir.Number), types.ErrNotADirectory)
	}
	extents, err := d.extents(dir)
	if err != nil {
		return nil, err
	}
	bs := d.sb.BlockSize()
	blocks := (dir.Size + uint64(bs) - 1) / uint64(bs)
	var entries []types.Ext4DirEntry
	for logical := uint64(0); logical < blocks; logical++ {
		physical, ok := blockAt(extents, logical)
		if !ok {
			continue
		}
		off := int64(physical * uint64(bs))
		data, err := d.vol.Read(off, int(bs))
		if err != nil {
			return nil, types.NewUnitError("ext4 directory block", physical, err)
		}
		block, err := parseDirectoryBlock(data, off)
		if err != nil {
			return nil, err
		}
		entries = append(entries, block...)
	}
	return entries, nil
}
