package services

// VolumeInfo summarises an opened volume for the info command.
type VolumeInfo struct {
	Filesystem           string `json:"filesystem" yaml:"filesystem"`
	VolumeSize           uint64 `json:"volume_size" yaml:"volume_size"`
	SectorSize           uint32 `json:"sector_size" yaml:"sector_size"`
	ClusterSize          uint32 `json:"cluster_size" yaml:"cluster_size"`
	SectorsPerCluster    uint32 `json:"sectors_per_cluster" yaml:"sectors_per_cluster"`
	ReservedRegionSize   uint64 `json:"reserved_region_size" yaml:"reserved_region_size"`
	AllocationTableCount uint32 `json:"allocation_table_count" yaml:"allocation_table_count"`
	AllocationTableSize  uint64 `json:"allocation_table_size" yaml:"allocation_table_size"`
	RootDirectory        uint64 `json:"root_directory" yaml:"root_directory"`
	DataRegionOffset     uint64 `json:"data_region_offset" yaml:"data_region_offset"`
	UnitCount            uint64 `json:"unit_count" yaml:"unit_count"`
}

// FileInfo describes one directory entry in command output.
type FileInfo struct {
	Name      string `json:"name" yaml:"name"`
	Directory bool   `json:"directory" yaml:"directory"`
	StartUnit uint64 `json:"start_unit" yaml:"start_unit"`
	Size      uint64 `json:"size" yaml:"size"`
}

// Info returns the geometry summary of the volume.
func (s *VolumeService) Info() VolumeInfo {
	g := s.driver.Geometry()
	return VolumeInfo{
		Filesystem:           s.driver.Type().String(),
		VolumeSize:           g.VolumeSize,
		SectorSize:           g.SectorSize,
		ClusterSize:          g.ClusterSize,
		SectorsPerCluster:    g.SectorsPerCluster,
		ReservedRegionSize:   g.ReservedRegionSize,
		AllocationTableCount: g.AllocationTableCount,
		AllocationTableSize:  g.AllocationTableSize,
		RootDirectory:        g.RootDirectoryLocation,
		DataRegionOffset:     g.DataRegionOffset,
		UnitCount:            g.UnitCount,
	}
}

// Files lists the directory at p in command output form.
func (s *VolumeService) Files(p string) ([]FileInfo, error) {
	records, err := s.driver.ListDirectory(p)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(records))
	for _, r := range records {
		out = append(out, FileInfo{Name: r.Name, Directory: r.IsDirectory, StartUnit: r.StartUnit, Size: r.Size})
	}
	return out, nil
}
