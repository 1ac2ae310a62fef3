package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/dasec/fishy-sub000/internal/config"
	"github.com/dasec/fishy-sub000/internal/device"
	"github.com/dasec/fishy-sub000/internal/logging"
	"github.com/dasec/fishy-sub000/internal/services"
)

// app is the state shared by every command of one invocation.
type app struct {
	fs  afero.Fs
	cfg *config.Config
	log zerolog.Logger

	// Global flags
	devicePath   string
	configPath   string
	verbose      bool
	logFormat    string
	offset       int64
	outputFormat string
}

// NewRootCmd builds the fishy command tree working on fs.
func NewRootCmd(fs afero.Fs) *cobra.Command {
	a := &app{fs: fs, log: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "fishy",
		Short: "Hide data in filesystem structures",
		Long: `fishy hides, reads back and clears data in places filesystems do not
use for file content: file slack, unused metadata fields and clusters that
are allocated without belonging to a file.

Supported filesystems: FAT12, FAT16, FAT32, NTFS, ext4 and APFS.

Commands:
  info        Show the geometry of a volume
  fattools    Inspect FAT boot sector, allocation table and directories
  metadata    Show a metadata file written by a hiding technique
  <technique> Write, read or clear hidden data`,
		Version:       "0.1.0-dev",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.devicePath, "device", "d", "", "path to the device or image file")
	flags.StringVar(&a.configPath, "config", "", "config file (default: fishy.yaml in ., $HOME/.fishy, /etc/fishy)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&a.logFormat, "log-format", "", "log format (console, json)")
	flags.Int64Var(&a.offset, "offset", 0, "byte offset of the filesystem inside the device")
	flags.StringVar(&a.outputFormat, "output", "table", "output format (table, json, yaml)")

	rootCmd.AddCommand(
		newInfoCmd(a),
		newFATToolsCmd(a),
		newMetadataCmd(a),
	)
	rootCmd.AddCommand(newTechniqueCmds(a)...)
	return rootCmd
}

// Execute runs the command tree on the host filesystem.
func Execute() {
	if err := NewRootCmd(afero.NewOsFs()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads the configuration, lets set flags override it and builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	v := config.New(a.fs)
	flags := cmd.Flags()
	if flags.Changed("log-format") {
		v.Set(config.KeyLogFormat, a.logFormat)
	}
	if flags.Changed("offset") {
		v.Set(config.KeyDeviceOffset, a.offset)
	}
	if a.verbose {
		v.Set(config.KeyLogLevel, zerolog.DebugLevel.String())
	}

	cfg, err := config.Load(v, a.configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	return nil
}

// openVolume opens the device and the filesystem on it. The returned close
// function flushes writes before closing the device.
func (a *app) openVolume(writable bool) (*services.VolumeService, func() error, error) {
	stream, err := device.Open(a.fs, a.devicePath, device.OpenOptions{Writable: writable, Offset: a.cfg.Device.Offset})
	if err != nil {
		return nil, nil, err
	}
	svc, err := services.NewVolumeService(stream, a.log)
	if err != nil {
		stream.Close()
		return nil, nil, err
	}
	closeFn := func() error {
		if writable {
			if err := stream.Sync(); err != nil {
				stream.Close()
				return fmt.Errorf("failed to flush device: %w", err)
			}
		}
		return stream.Close()
	}
	return svc, closeFn, nil
}
