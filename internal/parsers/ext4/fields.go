package ext4

import "github.com/dasec/fishy-sub000/internal/parsers/binstruct"

var superblockTable = binstruct.FieldTable{
	Name: "ext4 superblock",
	Fields: []binstruct.Field{
		{Name: "inodes_count", Offset: 0x00, Size: 4},
		{Name: "blocks_count_lo", Offset: 0x04, Size: 4},
		{Name: "free_blocks_count_lo", Offset: 0x0C, Size: 4},
		{Name: "free_inodes_count", Offset: 0x10, Size: 4},
		{Name: "first_data_block", Offset: 0x14, Size: 4},
		{Name: "log_block_size", Offset: 0x18, Size: 4},
		{Name: "blocks_per_group", Offset: 0x20, Size: 4},
		{Name: "inodes_per_group", Offset: 0x28, Size: 4},
		{Name: "magic", Offset: 0x38, Size: 2},
		{Name: "rev_level", Offset: 0x4C, Size: 4},
		{Name: "first_ino", Offset: 0x54, Size: 4},
		{Name: "inode_size", Offset: 0x58, Size: 2},
		{Name: "block_group_nr", Offset: 0x5A, Size: 2},
		{Name: "feature_compat", Offset: 0x5C, Size: 4},
		{Name: "feature_incompat", Offset: 0x60, Size: 4},
		{Name: "feature_ro_compat", Offset: 0x64, Size: 4},
		{Name: "uuid", Offset: 0x68, Size: 16, Format: binstruct.FormatRaw},
		{Name: "volume_name", Offset: 0x78, Size: 16, Format: binstruct.FormatASCII},
		{Name: "reserved_gdt_blocks", Offset: 0xCE, Size: 2},
		{Name: "desc_size", Offset: 0xFE, Size: 2},
		{Name: "mkfs_time", Offset: 0x108, Size: 4, Format: binstruct.FormatUnixTime},
		{Name: "blocks_count_hi", Offset: 0x150, Size: 4},
		{Name: "free_blocks_count_hi", Offset: 0x158, Size: 4},
		{Name: "backup_bgs_0", Offset: 0x24C, Size: 4},
		{Name: "backup_bgs_1", Offset: 0x250, Size: 4},
	},
}

var groupDescTable = binstruct.FieldTable{
	Name: "ext4 group descriptor",
	Fields: []binstruct.Field{
		{Name: "block_bitmap_lo", Offset: 0x00, Size: 4},
		{Name: "inode_bitmap_lo", Offset: 0x04, Size: 4},
		{Name: "inode_table_lo", Offset: 0x08, Size: 4},
		{Name: "free_blocks_count_lo", Offset: 0x0C, Size: 2},
		{Name: "free_inodes_count_lo", Offset: 0x0E, Size: 2},
		{Name: "used_dirs_count_lo", Offset: 0x10, Size: 2},
		{Name: "flags", Offset: 0x12, Size: 2},
		{Name: "checksum", Offset: 0x1E, Size: 2},
	},
}

// groupDescHighTable holds the upper halves present in 64-byte descriptors.
var groupDescHighTable = binstruct.FieldTable{
	Name: "ext4 group descriptor (64bit)",
	Fields: []binstruct.Field{
		{Name: "block_bitmap_hi", Offset: 0x20, Size: 4},
		{Name: "inode_bitmap_hi", Offset: 0x24, Size: 4},
		{Name: "inode_table_hi", Offset: 0x28, Size: 4},
		{Name: "free_blocks_count_hi", Offset: 0x2C, Size: 2},
		{Name: "free_inodes_count_hi", Offset: 0x2E, Size: 2},
		{Name: "used_dirs_count_hi", Offset: 0x30, Size: 2},
	},
}

var inodeTable = binstruct.FieldTable{
	Name: "ext4 inode",
	Fields: []binstruct.Field{
		{Name: "mode", Offset: 0x00, Size: 2},
		{Name: "size_lo", Offset: 0x04, Size: 4},
		{Name: "mtime", Offset: 0x10, Size: 4, Format: binstruct.FormatUnixTime},
		{Name: "links_count", Offset: 0x1A, Size: 2},
		{Name: "flags", Offset: 0x20, Size: 4},
		{Name: "block", Offset: 0x28, Size: 60, Format: binstruct.FormatRaw},
		{Name: "size_high", Offset: 0x6C, Size: 4},
		{Name: "obso_faddr", Offset: 0x70, Size: 4},
		{Name: "osd2", Offset: 0x74, Size: 12, Format: binstruct.FormatRaw},
	},
}

var extentHeaderTable = binstruct.FieldTable{
	Name: "ext4 extent header",
	Fields: []binstruct.Field{
		{Name: "magic", Offset: 0x00, Size: 2},
		{Name: "entries", Offset: 0x02, Size: 2},
		{Name: "max", Offset: 0x04, Size: 2},
		{Name: "depth", Offset: 0x06, Size: 2},
		{Name: "generation", Offset: 0x08, Size: 4},
	},
}

var extentLeafTable = binstruct.FieldTable{
	Name: "ext4 extent",
	Fields: []binstruct.Field{
		{Name: "block", Offset: 0x00, Size: 4},
		{Name: "len", Offset: 0x04, Size: 2},
		{Name: "start_hi", Offset: 0x06, Size: 2},
		{Name: "start_lo", Offset: 0x08, Size: 4},
	},
}

var dirEntryTable = binstruct.FieldTable{
	Name: "ext4 directory entry",
	Fields: []binstruct.Field{
		{Name: "inode", Offset: 0x00, Size: 4},
		{Name: "rec_len", Offset: 0x04, Size: 2},
		{Name: "name_len", Offset: 0x06, Size: 1},
		{Name: "file_type", Offset: 0x07, Size: 1},
	},
}
