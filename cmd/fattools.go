package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dasec/fishy-sub000/internal/parsers/fat"
	"github.com/dasec/fishy-sub000/internal/services"
)

type fatBootInfo struct {
	Filesystem        string `json:"filesystem" yaml:"filesystem"`
	OEMName           string `json:"oem_name" yaml:"oem_name"`
	VolumeLabel       string `json:"volume_label" yaml:"volume_label"`
	SectorSize        uint32 `json:"sector_size" yaml:"sector_size"`
	SectorsPerCluster uint32 `json:"sectors_per_cluster" yaml:"sectors_per_cluster"`
	ReservedSectors   uint32 `json:"reserved_sectors" yaml:"reserved_sectors"`
	FATCount          uint32 `json:"fat_count" yaml:"fat_count"`
	SectorsPerFAT     uint32 `json:"sectors_per_fat" yaml:"sectors_per_fat"`
	RootEntries       uint32 `json:"root_entries" yaml:"root_entries"`
	RootCluster       uint32 `json:"root_cluster" yaml:"root_cluster"`
	TotalSectors      uint32 `json:"total_sectors" yaml:"total_sectors"`
	FirstDataSector   uint32 `json:"first_data_sector" yaml:"first_data_sector"`
	FreeHint          uint64 `json:"free_hint" yaml:"free_hint"`
}

type fatTableEntry struct {
	Cluster uint64 `json:"cluster" yaml:"cluster"`
	Entry   string `json:"entry" yaml:"entry"`
}

func newFATToolsCmd(a *app) *cobra.Command {
	var (
		listPath  string
		showTable bool
		showInfo  bool
	)

	cmd := &cobra.Command{
		Use:   "fattools",
		Short: "Inspect a FAT volume",
		Long: `Inspect the boot sector, the allocation table or a directory of a
FAT12, FAT16 or FAT32 volume.

Examples:
  fishy -d disk.img fattools --info
  fishy -d disk.img fattools --fat
  fishy -d disk.img fattools --list /DIR`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeFn, err := a.openVolume(false)
			if err != nil {
				return err
			}
			defer closeFn()

			drv, ok := svc.Driver().(*fat.Driver)
			if !ok {
				return fmt.Errorf("fattools needs a FAT volume, found %s", svc.Type())
			}
			out := cmd.OutOrStdout()
			switch {
			case showInfo:
				info := bootInfo(drv)
				return render(out, a.outputFormat, info, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "Filesystem:\t%s\n", info.Filesystem)
					fmt.Fprintf(tw, "OEM name:\t%s\n", info.OEMName)
					fmt.Fprintf(tw, "Volume label:\t%s\n", info.VolumeLabel)
					fmt.Fprintf(tw, "Sector size:\t%d\n", info.SectorSize)
					fmt.Fprintf(tw, "Sectors per cluster:\t%d\n", info.SectorsPerCluster)
					fmt.Fprintf(tw, "Reserved sectors:\t%d\n", info.ReservedSectors)
					fmt.Fprintf(tw, "FAT copies:\t%d\n", info.FATCount)
					fmt.Fprintf(tw, "Sectors per FAT:\t%d\n", info.SectorsPerFAT)
					fmt.Fprintf(tw, "Root entries:\t%d\n", info.RootEntries)
					fmt.Fprintf(tw, "Root cluster:\t%d\n", info.RootCluster)
					fmt.Fprintf(tw, "Total sectors:\t%d\n", info.TotalSectors)
					fmt.Fprintf(tw, "First data sector:\t%d\n", info.FirstDataSector)
					fmt.Fprintf(tw, "Free cluster hint:\t%d\n", info.FreeHint)
				})
			case showTable:
				entries, err := drv.Table().Entries()
				if err != nil {
					return err
				}
				rows := make([]fatTableEntry, 0, len(entries))
				for id, e := range entries {
					rows = append(rows, fatTableEntry{Cluster: uint64(id), Entry: e.String()})
				}
				return render(out, a.outputFormat, rows, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "CLUSTER\tENTRY")
					for _, r := range rows {
						fmt.Fprintf(tw, "%d\t%s\n", r.Cluster, r.Entry)
					}
				})
			default:
				files, err := svc.Files(listPath)
				if err != nil {
					return err
				}
				return renderFiles(cmd, a.outputFormat, files)
			}
		},
	}

	cmd.Flags().StringVarP(&listPath, "list", "l", "/", "list the directory at this path")
	cmd.Flags().BoolVarP(&showTable, "fat", "f", false, "print the allocation table")
	cmd.Flags().BoolVarP(&showInfo, "info", "i", false, "print boot sector information")
	cmd.MarkFlagsMutuallyExclusive("list", "fat", "info")
	return cmd
}

func bootInfo(drv *fat.Driver) fatBootInfo {
	bs := drv.Boot()
	return fatBootInfo{
		Filesystem:        bs.Type().String(),
		OEMName:           bs.OEMName(),
		VolumeLabel:       bs.VolumeLabel(),
		SectorSize:        bs.SectorSize(),
		SectorsPerCluster: bs.SectorsPerCluster(),
		ReservedSectors:   bs.ReservedSectors(),
		FATCount:          bs.FATCount(),
		SectorsPerFAT:     bs.SectorsPerFAT(),
		RootEntries:       bs.RootEntryCount(),
		RootCluster:       bs.RootCluster(),
		TotalSectors:      bs.TotalSectors(),
		FirstDataSector:   bs.FirstDataSector(),
		FreeHint:          bs.FreeHint(),
	}
}

func renderFiles(cmd *cobra.Command, format string, files []services.FileInfo) error {
	return render(cmd.OutOrStdout(), format, files, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "NAME\tTYPE\tSTART\tSIZE")
		for _, f := range files {
			kind := "file"
			if f.Directory {
				kind = "dir"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", f.Name, kind, f.StartUnit, f.Size)
		}
	})
}
