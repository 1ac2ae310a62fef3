package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dasec/fishy-sub000/internal/config"
	"github.com/dasec/fishy-sub000/internal/hiding"
	"github.com/dasec/fishy-sub000/internal/metadata"
)

type hiddenFile struct {
	ID       string        `json:"id" yaml:"id"`
	Filename string        `json:"filename" yaml:"filename"`
	Entry    *hiding.Entry `json:"entry" yaml:"entry"`
}

type metadataView struct {
	Version int          `json:"version" yaml:"version"`
	Module  string       `json:"module" yaml:"module"`
	Files   []hiddenFile `json:"files" yaml:"files"`
}

func newMetadataCmd(a *app) *cobra.Command {
	var metaPath string

	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Show a metadata file written by a hiding technique",
		Long: `Show which technique wrote a metadata file and where each hidden
file is stored.

Examples:
  fishy metadata -m hidden.json
  fishy --output yaml metadata -m hidden.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := a.metadataPath(metaPath)
			if err != nil {
				return err
			}
			m, err := metadata.Read(a.fs, path, "")
			if err != nil {
				return err
			}

			view := metadataView{Version: m.Version, Module: m.Module}
			for _, f := range m.List() {
				var entry hiding.Entry
				if _, err := m.GetFile(f.ID, &entry); err != nil {
					return err
				}
				view.Files = append(view.Files, hiddenFile{ID: f.ID, Filename: f.Filename, Entry: &entry})
			}
			return render(cmd.OutOrStdout(), a.outputFormat, view, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "Version:\t%d\n", view.Version)
				fmt.Fprintf(tw, "Module:\t%s\n", view.Module)
				fmt.Fprintln(tw, "ID\tFILENAME\tLENGTH\tREGIONS\tCLUSTERS")
				for _, f := range view.Files {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", f.ID, f.Filename, f.Entry.Length, len(f.Entry.Regions), len(f.Entry.Clusters))
				}
			})
		},
	}

	cmd.Flags().StringVarP(&metaPath, "metadata", "m", "", "metadata file (default: metadata_path setting)")
	return cmd
}

// metadataPath returns the flag value or the configured default.
func (a *app) metadataPath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if a.cfg.MetadataPath != "" {
		return a.cfg.MetadataPath, nil
	}
	return "", fmt.Errorf("no metadata file given: use --metadata or set %s", config.KeyMetadataPath)
}
