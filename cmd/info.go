package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show filesystem type and geometry of a volume",
		Long: `Show the detected filesystem and its geometry.

Examples:
  fishy -d disk.img info
  fishy -d disk.img --output json info`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeFn, err := a.openVolume(false)
			if err != nil {
				return err
			}
			defer closeFn()

			info := svc.Info()
			return render(cmd.OutOrStdout(), a.outputFormat, info, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "Filesystem:\t%s\n", info.Filesystem)
				fmt.Fprintf(tw, "Volume size:\t%d\n", info.VolumeSize)
				fmt.Fprintf(tw, "Sector size:\t%d\n", info.SectorSize)
				fmt.Fprintf(tw, "Cluster size:\t%d\n", info.ClusterSize)
				fmt.Fprintf(tw, "Sectors per cluster:\t%d\n", info.SectorsPerCluster)
				fmt.Fprintf(tw, "Reserved region size:\t%d\n", info.ReservedRegionSize)
				fmt.Fprintf(tw, "Allocation tables:\t%d x %d\n", info.AllocationTableCount, info.AllocationTableSize)
				fmt.Fprintf(tw, "Root directory:\t%d\n", info.RootDirectory)
				fmt.Fprintf(tw, "Data region offset:\t%d\n", info.DataRegionOffset)
				fmt.Fprintf(tw, "Units:\t%d\n", info.UnitCount)
			})
		},
	}
}
