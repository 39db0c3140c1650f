package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/banshee-data/bathygrid/internal/config"
	"github.com/banshee-data/bathygrid/internal/grid"
	"github.com/banshee-data/bathygrid/internal/indexdb"
	"github.com/banshee-data/bathygrid/internal/monitor"
	"github.com/banshee-data/bathygrid/internal/soundings"
	"github.com/banshee-data/bathygrid/internal/store"
)

func newCreateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create an empty grid in --dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(filepath.Join(o.dir, store.MetadataFile)); err == nil {
				return fmt.Errorf("%s already holds a grid", o.dir)
			}
			cfg := config.DefaultGridConfig()
			if o.configPath != "" {
				var err error
				if cfg, err = config.LoadGridConfig(o.configPath); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(o.dir, 0o755); err != nil {
				return err
			}
			db, err := indexdb.Open(filepath.Join(o.dir, store.IndexFile))
			if err != nil {
				return err
			}
			defer db.Close()
			g, err := grid.New(cfg, grid.WithIndexStore(db), grid.WithLogger(o.log.Named("grid")))
			if err != nil {
				return err
			}
			if _, err := g.Save(o.dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s grid in %s\n", cfg.GetCRS(), o.dir)
			return nil
		},
	}
}

func newAddCmd(o *options) *cobra.Command {
	var (
		line     string
		modified string
		regrid   bool
	)
	cmd := &cobra.Command{
		Use:   "add <container> <points.csv>",
		Short: "Add or replace a container from a CSV of x,y,z,tvu,thu[,flag,line]",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, path := args[0], args[1]
			at := time.Now().UTC()
			if modified != "" {
				var err error
				if at, err = time.Parse(time.RFC3339, modified); err != nil {
					return fmt.Errorf("--modified: %w", err)
				}
			}
			if line == "" {
				line = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			pts, err := soundings.ReadCSV(f, line)
			f.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			return o.withGrid(func(s *session) error {
				if err := s.g.AddContainerPoints(id, pts, at); err != nil {
					return err
				}
				c, err := s.g.Container(id)
				if err != nil {
					return err
				}
				o.log.Info("container added", zap.String("container", id), zap.Int("points", c.PointCount), zap.Int("tiles", len(c.Tiles)))
				if regrid {
					res := s.g.Regrid(true)
					if err := writeJSON(cmd.OutOrStdout(), monitor.NewRegridResponse(res)); err != nil {
						return err
					}
					if err := s.save(); err != nil {
						return err
					}
					return res.Err()
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s: %d points in %d tiles\n", id, c.PointCount, len(c.Tiles))
				return s.save()
			})
		},
	}
	cmd.Flags().StringVar(&line, "line", "", "line id for rows without one (default: file name)")
	cmd.Flags().StringVar(&modified, "modified", "", "source modification time, RFC 3339 (default: now)")
	cmd.Flags().BoolVar(&regrid, "regrid", false, "regrid stale tiles after adding")
	return cmd
}

func newRemoveCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <container>...",
		Short: "Remove containers from the grid",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withGrid(func(s *session) error {
				for _, id := range args {
					if err := s.g.RemoveContainer(id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", id)
				}
				return s.save()
			})
		},
	}
}

func newRegridCmd(o *options) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "regrid",
		Short: "Recompute the cells of stale tiles and save",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withGrid(func(s *session) error {
				res := s.g.Regrid(!full)
				if err := writeJSON(cmd.OutOrStdout(), monitor.NewRegridResponse(res)); err != nil {
					return err
				}
				// Failed tiles stay stale, so the good ones are still saved.
				if err := s.save(); err != nil {
					return err
				}
				return res.Err()
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "regrid every tile, not only stale ones")
	return cmd
}

func newInfoCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the grid summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withGrid(func(s *session) error {
				return writeJSON(cmd.OutOrStdout(), monitor.NewInfoResponse(s.g.Info()))
			})
		},
	}
}

func newStaleCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stale",
		Short: "List stale containers and tiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withGrid(func(s *session) error {
				return writeJSON(cmd.OutOrStdout(), monitor.NewStaleResponse(s.g))
			})
		},
	}
}
