package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tileview/internal/logger"
	"tileview/internal/source"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:          "tilepack",
		Short:        "Build and inspect sqlite tile archives",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	newLogger := func() (*zap.Logger, error) {
		log, err := logger.New(logLevel, "console")
		if err != nil {
			return nil, fmt.Errorf("failed to initialize logger: %w", err)
		}
		return log, nil
	}

	root.AddCommand(newPackCmd(newLogger), newInspectCmd(newLogger))
	return root
}

func newPackCmd(newLogger func() (*zap.Logger, error)) *cobra.Command {
	var (
		ext    string
		layers []string
	)

	cmd := &cobra.Command{
		Use:   "pack <tile-dir> <archive>",
		Short: "Copy a {layer}/{x}_{y}.{ext} tile directory into an archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			dir, err := source.NewDir(args[0], ext, log)
			if err != nil {
				return err
			}
			w, err := source.CreateArchive(args[1], log)
			if err != nil {
				return err
			}

			stats, err := source.Pack(cmd.Context(), dir, w, layers)
			if cerr := w.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("failed to close archive: %w", cerr)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "packed %d tiles (%d bytes) in %d layers into %s\n",
				stats.Tiles, stats.Bytes, stats.Layers, args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&ext, "ext", "png", "tile file extension")
	cmd.Flags().StringSliceVar(&layers, "layers", nil, "layers to pack (default all)")
	return cmd
}

func newInspectCmd(newLogger func() (*zap.Logger, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <archive>",
		Short: "List the layers and tile ranges of an archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger()
			if err != nil {
				return err
			}
			defer log.Sync()

			a, err := source.OpenArchive(args[0], log)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, p := range a.Products() {
				z, _ := a.ZoomLevel(p)
				fmt.Fprintf(out, "%-8s zoom=%d x=[%d,%d) y=[%d,%d)\n", p, z.Zoom, z.X0, z.X1, z.Y0, z.Y1)
			}
			return nil
		},
	}
}
