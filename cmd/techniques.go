package cmd

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dasec/fishy-sub000/internal/hiding"
	"github.com/dasec/fishy-sub000/internal/metadata"
)

var techniqueSummaries = map[string]string{
	hiding.CmdFileSlack:         "Hide data in the slack space of existing files",
	hiding.CmdAddCluster:        "Hide data in free clusters allocated without a visible owner",
	hiding.CmdBadCluster:        "Hide data in free clusters marked as bad",
	hiding.CmdMFTSlack:          "Hide data in the slack of MFT records",
	hiding.CmdReservedGDTBlocks: "Hide data in reserved group descriptor table blocks",
	hiding.CmdSuperblockSlack:   "Hide data behind superblocks",
	hiding.CmdOsd2:              "Hide data in the reserved osd2 bytes of inodes",
	hiding.CmdObsoFaddr:         "Hide data in the obsolete fragment address of inodes",
	hiding.CmdInodePadding:      "Hide data in the padding fields of inode records",
}

type techniqueFlags struct {
	write    bool
	read     bool
	clear    bool
	metaPath string
	files    []string
	outfile  string
	mftStart uint64
}

func newTechniqueCmds(a *app) []*cobra.Command {
	var cmds []*cobra.Command
	for _, name := range hiding.Commands() {
		cmds = append(cmds, newTechniqueCmd(a, name))
	}
	return cmds
}

func newTechniqueCmd(a *app, name string) *cobra.Command {
	f := &techniqueFlags{}
	var supported []string
	for _, fs := range hiding.Supported(name) {
		supported = append(supported, fs.String())
	}

	cmd := &cobra.Command{
		Use:   name + " [payload-file]",
		Short: techniqueSummaries[name],
		Long: fmt.Sprintf(`%s.

Supported filesystems: %s.

The payload is read from payload-file or from standard input. Writing
records where the data went in a metadata file; reading and clearing
take that file as input.

Examples:
  fishy -d disk.img %[3]s -m hidden.json -w secret.txt
  fishy -d disk.img %[3]s -m hidden.json -r -o recovered.txt
  fishy -d disk.img %[3]s -m hidden.json -c`, techniqueSummaries[name], strings.Join(supported, ", "), name),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTechnique(cmd, name, f, args)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&f.write, "write", "w", false, "hide the payload")
	flags.BoolVarP(&f.read, "read", "r", false, "read hidden data back")
	flags.BoolVarP(&f.clear, "clear", "c", false, "zero the hidden data and undo allocations")
	flags.StringVarP(&f.metaPath, "metadata", "m", "", "metadata file (default: metadata_path setting)")
	flags.StringVarP(&f.outfile, "outfile", "o", "", "write read data to this file instead of stdout")
	switch name {
	case hiding.CmdFileSlack, hiding.CmdAddCluster:
		flags.StringArrayVarP(&f.files, "file", "f", nil, "destination file or directory (repeatable)")
	case hiding.CmdMFTSlack:
		flags.Uint64Var(&f.mftStart, "start-record", 0, "first MFT record to use (default: ntfs.mft_slack_start_record setting)")
	}
	cmd.MarkFlagsMutuallyExclusive("write", "read", "clear")
	cmd.MarkFlagsOneRequired("write", "read", "clear")
	return cmd
}

func (a *app) runTechnique(cmd *cobra.Command, name string, f *techniqueFlags, args []string) error {
	metaPath, err := a.metadataPath(f.metaPath)
	if err != nil {
		return err
	}
	opts := hiding.Options{Files: f.files, MFTStartRecord: a.cfg.NTFS.MFTSlackStartRecord}
	if cmd.Flags().Changed("start-record") {
		opts.MFTStartRecord = f.mftStart
	}

	var stored *metadata.Metadata
	if !f.write {
		// Reading and clearing work from the recorded entries only.
		if len(args) > 0 {
			return fmt.Errorf("a payload file is only accepted with --write")
		}
		if stored, err = metadata.Read(a.fs, metaPath, ""); err != nil {
			return err
		}
		if len(opts.Files) == 0 {
			opts.Files = recordedFiles(stored)
		}
	}

	svc, closeFn, err := a.openVolume(f.write || f.clear)
	if err != nil {
		return err
	}
	tech, err := hiding.New(name, svc, opts, a.log)
	if err != nil {
		closeFn()
		return err
	}

	switch {
	case f.write:
		err = a.hide(cmd, tech, metaPath, args)
	case f.read:
		err = a.reveal(cmd, tech, stored, f.outfile)
	default:
		err = a.clear(tech, stored)
	}
	return errors.Join(err, closeFn())
}

// recordedFiles returns the files entries were attached to, for techniques
// that need them to rebuild their state.
func recordedFiles(m *metadata.Metadata) []string {
	seen := make(map[string]bool)
	var files []string
	for _, f := range m.List() {
		var entry hiding.Entry
		if _, err := m.GetFile(f.ID, &entry); err != nil || entry.File == "" || seen[entry.File] {
			continue
		}
		seen[entry.File] = true
		files = append(files, entry.File)
	}
	return files
}

func checkModule(tech hiding.Technique, m *metadata.Metadata) error {
	if m.Module != tech.Name() {
		return fmt.Errorf("%w: file was written by %q, volume needs %q", metadata.ErrModuleMismatch, m.Module, tech.Name())
	}
	return nil
}

func (a *app) hide(cmd *cobra.Command, tech hiding.Technique, metaPath string, args []string) error {
	var (
		in       io.Reader = cmd.InOrStdin()
		filename           = "stdin"
	)
	if len(args) == 1 {
		file, err := a.fs.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open payload: %w", err)
		}
		defer file.Close()
		in = file
		filename = filepath.Base(args[0])
	}

	entry, err := tech.Write(in)
	if err != nil {
		err = fmt.Errorf("failed to hide %s: %w", filename, err)
		if !entry.Touched() {
			return err
		}
		return a.undoPartial(tech, entry, filename, metaPath, err)
	}

	m := metadata.New(tech.Name())
	id, err := m.AddFile(filename, entry)
	if err != nil {
		return err
	}
	if err := m.Write(a.fs, metaPath); err != nil {
		return err
	}
	a.log.Info().Str("technique", tech.Name()).Str("id", id).Uint64("length", entry.Length).Str("metadata", metaPath).Msg("payload hidden")
	return nil
}

// undoPartial clears what a failed write left on the volume. If that fails
// as well, the partial entry is stored at metaPath so a later --clear can
// release the regions and clusters.
func (a *app) undoPartial(tech hiding.Technique, entry *hiding.Entry, filename, metaPath string, cause error) error {
	clearErr := tech.Clear(entry)
	if clearErr == nil {
		a.log.Warn().Str("technique", tech.Name()).Interface("regions", entry.Regions).Interface("clusters", entry.Clusters).Msg("partial write undone")
		return cause
	}
	a.log.Error().Err(clearErr).Str("technique", tech.Name()).Interface("regions", entry.Regions).Interface("clusters", entry.Clusters).Msg("partial write could not be undone")

	m := metadata.New(tech.Name())
	if _, err := m.AddFile(filename, entry); err != nil {
		return errors.Join(cause, clearErr, err)
	}
	if err := m.Write(a.fs, metaPath); err != nil {
		return errors.Join(cause, clearErr, err)
	}
	return errors.Join(cause, fmt.Errorf("partial write recorded in %s, run --clear to release it: %w", metaPath, clearErr))
}

func (a *app) reveal(cmd *cobra.Command, tech hiding.Technique, m *metadata.Metadata, outfile string) error {
	if err := checkModule(tech, m); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if outfile != "" {
		file, err := a.fs.Create(outfile)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", outfile, err)
		}
		defer file.Close()
		out = file
	}
	for _, f := range m.List() {
		var entry hiding.Entry
		if _, err := m.GetFile(f.ID, &entry); err != nil {
			return err
		}
		if err := tech.Read(&entry, out); err != nil {
			return fmt.Errorf("failed to read %s: %w", f.Filename, err)
		}
		a.log.Debug().Str("id", f.ID).Str("filename", f.Filename).Msg("hidden file read")
	}
	return nil
}

func (a *app) clear(tech hiding.Technique, m *metadata.Metadata) error {
	if err := checkModule(tech, m); err != nil {
		return err
	}
	for _, f := range m.List() {
		var entry hiding.Entry
		if _, err := m.GetFile(f.ID, &entry); err != nil {
			return err
		}
		if err := tech.Clear(&entry); err != nil {
			return fmt.Errorf("failed to clear %s: %w", f.Filename, err)
		}
		a.log.Info().Str("technique", tech.Name()).Str("id", f.ID).Msg("hidden file cleared")
	}
	return nil
}
