package main

import (
	"context"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bryan-buckman/readerarchive/internal/archive"
	"github.com/bryan-buckman/readerarchive/internal/config"
	"github.com/bryan-buckman/readerarchive/internal/database"
	"github.com/bryan-buckman/readerarchive/internal/server"
)

// indexFlags selects the archive and its index database.
type indexFlags struct {
	ArchiveDir string
	DBType     string
	DBURL      string
}

func (f *indexFlags) register(cmd *cobra.Command, cfg config.Config) {
	cmd.Flags().StringVarP(&f.ArchiveDir, "output-directory", "o", cfg.OutputDirectory, "Archive directory")
	cmd.Flags().StringVar(&f.DBType, "db-type", cfg.DatabaseType, "Index database: sqlite or postgres")
	cmd.Flags().StringVar(&f.DBURL, "db-url", cfg.DatabaseURL, "Index database path or connection string (default: a SQLite file in the archive)")
}

func (f *indexFlags) open(cfg config.Config) (archive.Layout, database.Index, error) {
	layout := archive.Layout{Root: f.ArchiveDir}
	if st, err := os.Stat(f.ArchiveDir); err != nil || !st.IsDir() {
		return layout, nil, fmt.Errorf("%s is not an archive directory", f.ArchiveDir)
	}
	cfg.DatabaseType = f.DBType
	cfg.DatabaseURL = f.DBURL
	dsn := cfg.DatabaseDSN(f.ArchiveDir)
	if dsn == "" {
		return layout, nil, fmt.Errorf("--db-url is required for %s", f.DBType)
	}
	idx, err := database.Open(f.DBType, dsn)
	if err != nil {
		return layout, nil, err
	}
	log.WithField("database", idx.DatabaseType()).Debug("Opened archive index")
	return layout, idx, nil
}

func newIndexCmd(cfg config.Config) *cobra.Command {
	var flags indexFlags
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build the database index of an archive's streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			layout, idx, err := flags.open(cfg)
			if err != nil {
				return err
			}
			defer idx.Close()
			_, err = database.Build(cmd.Context(), idx, layout)
			return err
		},
	}
	flags.register(cmd, cfg)
	return cmd
}

func newServeCmd(cfg config.Config) *cobra.Command {
	var (
		flags   indexFlags
		addr    string
		rebuild bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an archive over the Reader API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			layout, idx, err := flags.open(cfg)
			if err != nil {
				return err
			}
			defer idx.Close()
			if err := ensureIndex(cmd.Context(), idx, layout, rebuild); err != nil {
				return err
			}
			s, err := server.New(layout, idx)
			if err != nil {
				return err
			}
			return s.Start(addr)
		},
	}
	flags.register(cmd, cfg)
	cmd.Flags().StringVar(&addr, "listen", cfg.ListenAddr, "Address to listen on")
	cmd.Flags().BoolVar(&rebuild, "rebuild-index", false, "Rebuild the index even if it already has streams")
	return cmd
}

// ensureIndex builds the index when it is empty or a rebuild is requested.
func ensureIndex(ctx context.Context, idx database.Index, layout archive.Layout, rebuild bool) error {
	if !rebuild {
		streams, err := idx.Streams(ctx)
		if err != nil {
			return err
		}
		if len(streams) > 0 {
			log.WithField("streams", len(streams)).Info("Using existing archive index")
			return nil
		}
	}
	_, err := database.Build(ctx, idx, layout)
	return err
}
