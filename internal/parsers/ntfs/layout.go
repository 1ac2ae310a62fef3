package ntfs

import "github.com/dasec/fishy-sub000/internal/parsers/binstruct"

var bootSectorTable = binstruct.FieldTable{
	Name: "ntfs boot sector",
	Fields: []binstruct.Field{
		{Name: "oem_id", Offset: 0x03, Size: 8, Format: binstruct.FormatRaw},
		{Name: "bytes_per_sector", Offset: 0x0B, Size: 2},
		{Name: "sectors_per_cluster", Offset: 0x0D, Size: 1},
		{Name: "media", Offset: 0x15, Size: 1},
		{Name: "total_sectors", Offset: 0x28, Size: 8},
		{Name: "mft_lcn", Offset: 0x30, Size: 8},
		{Name: "mftmirr_lcn", Offset: 0x38, Size: 8},
		{Name: "record_size", Offset: 0x40, Size: 1, Format: binstruct.FormatInt},
		{Name: "index_record_size", Offset: 0x44, Size: 1, Format: binstruct.FormatInt},
		{Name: "serial", Offset: 0x48, Size: 8},
	},
}

var recordHeaderTable = binstruct.FieldTable{
	Name: "mft record header",
	Fields: []binstruct.Field{
		{Name: "signature", Offset: 0x00, Size: 4, Format: binstruct.FormatRaw},
		{Name: "usa_offset", Offset: 0x04, Size: 2},
		{Name: "usa_count", Offset: 0x06, Size: 2},
		{Name: "lsn", Offset: 0x08, Size: 8},
		{Name: "sequence", Offset: 0x10, Size: 2},
		{Name: "link_count", Offset: 0x12, Size: 2},
		{Name: "attrs_offset", Offset: 0x14, Size: 2},
		{Name: "flags", Offset: 0x16, Size: 2},
		{Name: "bytes_in_use", Offset: 0x18, Size: 4},
		{Name: "bytes_allocated", Offset: 0x1C, Size: 4},
		{Name: "base_record", Offset: 0x20, Size: 8},
		{Name: "next_attr_id", Offset: 0x28, Size: 2},
	},
}

var attributeHeaderTable = binstruct.FieldTable{
	Name: "attribute header",
	Fields: []binstruct.Field{
		{Name: "type", Offset: 0x00, Size: 4},
		{Name: "length", Offset: 0x04, Size: 4},
		{Name: "non_resident", Offset: 0x08, Size: 1},
		{Name: "name_length", Offset: 0x09, Size: 1},
		{Name: "name_offset", Offset: 0x0A, Size: 2},
		{Name: "flags", Offset: 0x0C, Size: 2},
		{Name: "id", Offset: 0x0E, Size: 2},
	},
}

var residentTailTable = binstruct.FieldTable{
	Name: "resident attribute",
	Fields: []binstruct.Field{
		{Name: "value_length", Offset: 0x10, Size: 4},
		{Name: "value_offset", Offset: 0x14, Size: 2},
	},
}

var nonResidentTailTable = binstruct.FieldTable{
	Name: "non-resident attribute",
	Fields: []binstruct.Field{
		{Name: "start_vcn", Offset: 0x10, Size: 8},
		{Name: "last_vcn", Offset: 0x18, Size: 8},
		{Name: "runlist_offset", Offset: 0x20, Size: 2},
		{Name: "allocated_size", Offset: 0x28, Size: 8},
		{Name: "real_size", Offset: 0x30, Size: 8},
		{Name: "initialized_size", Offset: 0x38, Size: 8},
	},
}

var fileNameTable = binstruct.FieldTable{
	Name: "file name",
	Fields: []binstruct.Field{
		{Name: "parent", Offset: 0x00, Size: 8},
		{Name: "modified", Offset: 0x10, Size: 8},
		{Name: "allocated_size", Offset: 0x28, Size: 8},
		{Name: "real_size", Offset: 0x30, Size: 8},
		{Name: "flags", Offset: 0x38, Size: 4},
		{Name: "name_length", Offset: 0x40, Size: 1},
		{Name: "namespace", Offset: 0x41, Size: 1},
	},
}

// indexNodeHeaderTable is the node header shared by $INDEX_ROOT and INDX records.
var indexNodeHeaderTable = binstruct.FieldTable{
	Name: "index node header",
	Fields: []binstruct.Field{
		{Name: "entries_offset", Offset: 0x00, Size: 4},
		{Name: "index_length", Offset: 0x04, Size: 4},
		{Name: "allocated_size", Offset: 0x08, Size: 4},
		{Name: "flags", Offset: 0x0C, Size: 1},
	},
}

var indexEntryTable = binstruct.FieldTable{
	Name: "index entry",
	Fields: []binstruct.Field{
		{Name: "file_reference", Offset: 0x00, Size: 8},
		{Name: "length", Offset: 0x08, Size: 2},
		{Name: "key_length", Offset: 0x0A, Size: 2},
		{Name: "flags", Offset: 0x0C, Size: 4},
	},
}

var indexRecordHeaderTable = binstruct.FieldTable{
	Name: "index record",
	Fields: []binstruct.Field{
		{Name: "signature", Offset: 0x00, Size: 4, Format: binstruct.FormatRaw},
		{Name: "usa_offset", Offset: 0x04, Size: 2},
		{Name: "usa_count", Offset: 0x06, Size: 2},
		{Name: "vcn", Offset: 0x10, Size: 8},
	},
}
