// Command gridctl creates, updates and queries a tiled bathymetric grid on
// disk, or a grid served by gridd.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/bathygrid/internal/config"
	"github.com/banshee-data/bathygrid/internal/grid"
	"github.com/banshee-data/bathygrid/internal/indexdb"
	"github.com/banshee-data/bathygrid/internal/monitoring"
	"github.com/banshee-data/bathygrid/internal/store"
	"github.com/banshee-data/bathygrid/internal/version"
)

// options holds the persistent flags.
type options struct {
	dir        string
	configPath string
	logLevel   string
	devLog     bool

	log *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:          "gridctl",
		Short:        "Manage a tiled bathymetric grid",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, err := monitoring.NewLogger(o.logLevel, o.devLog)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			o.log = log
			monitoring.SetLogger(log)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if o.log != nil {
				_ = o.log.Sync()
			}
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&o.dir, "dir", "d", ".", "grid directory")
	pf.StringVarP(&o.configPath, "config", "c", "", "grid config file (JSON or YAML)")
	pf.StringVar(&o.logLevel, "log-level", "warn", "log level")
	pf.BoolVar(&o.devLog, "dev-log", false, "human-readable logs")

	root.AddCommand(
		newCreateCmd(o),
		newAddCmd(o),
		newRemoveCmd(o),
		newRegridCmd(o),
		newInfoCmd(o),
		newStaleCmd(o),
		newQueryPointsCmd(o),
		newQueryCellsCmd(o),
		newExportXYZCmd(o),
		newPlotCmd(o),
		newLookupCmd(o),
		newRemoteCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String("gridctl"))
		},
	}
}

// loadConfig reads --config, or returns an empty config that Open fills
// from the saved grid.
func (o *options) loadConfig() (*config.GridConfig, error) {
	if o.configPath == "" {
		return config.EmptyGridConfig(), nil
	}
	return config.LoadGridConfig(o.configPath)
}

// session is an open grid with its index database.
type session struct {
	g   *grid.Grid
	db  *indexdb.DB
	dir string
}

func (s *session) save() error {
	if _, err := s.g.Save(s.dir); err != nil {
		return fmt.Errorf("save %s: %w", s.dir, err)
	}
	return nil
}

func (s *session) Close() error {
	return s.db.Close()
}

// open loads the grid in --dir with its index database attached.
func (o *options) open() (*session, error) {
	if _, err := os.Stat(filepath.Join(o.dir, store.MetadataFile)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no grid in %s, run gridctl create first", o.dir)
		}
		return nil, err
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	db, err := indexdb.Open(filepath.Join(o.dir, store.IndexFile))
	if err != nil {
		return nil, err
	}
	g, err := grid.Open(o.dir, cfg, grid.WithIndexStore(db), grid.WithLogger(o.log.Named("grid")))
	if err != nil {
		db.Close()
		return nil, err
	}
	return &session{g: g, db: db, dir: o.dir}, nil
}

// withGrid runs fn on the grid in --dir.
func (o *options) withGrid(fn func(*session) error) error {
	s, err := o.open()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
