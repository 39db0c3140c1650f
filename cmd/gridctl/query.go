package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/bathygrid/internal/aggregate"
	"github.com/banshee-data/bathygrid/internal/geohash"
	"github.com/banshee-data/bathygrid/internal/grid"
	"github.com/banshee-data/bathygrid/internal/indexdb"
	"github.com/banshee-data/bathygrid/internal/monitor"
	"github.com/banshee-data/bathygrid/internal/store"
)

func newQueryPointsCmd(o *options) *cobra.Command {
	var (
		bbox  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "query-points",
		Short: "Print the soundings inside a bounding box",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := monitor.ParseBBox(bbox)
			if err != nil {
				return err
			}
			return o.withGrid(func(s *session) error {
				pts := s.g.QueryPoints(b)
				n := limit
				if n <= 0 {
					n = len(pts)
				}
				return writeJSON(cmd.OutOrStdout(), monitor.NewPointsResponse(pts, n))
			})
		},
	}
	cmd.Flags().StringVar(&bbox, "bbox", "", "min_x,min_y,max_x,max_y")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum points to print (0 for all)")
	_ = cmd.MarkFlagRequired("bbox")
	return cmd
}

func newQueryCellsCmd(o *options) *cobra.Command {
	var (
		bbox       string
		resolution float64
		layer      string
	)
	cmd := &cobra.Command{
		Use:   "query-cells",
		Short: "Print one layer of the raster, over a bounding box or the whole grid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l := grid.Layer(layer)
			return o.withGrid(func(s *session) error {
				var (
					cells *aggregate.Cells
					err   error
				)
				if bbox == "" {
					_, cells, err = s.g.Layer(l, resolution)
				} else {
					b, perr := monitor.ParseBBox(bbox)
					if perr != nil {
						return perr
					}
					cells, err = s.g.QueryCells(b, resolution)
				}
				if err != nil {
					return err
				}
				if cells == nil {
					return fmt.Errorf("no gridded cells in range")
				}
				resp, err := monitor.NewCellsResponse(l, cells)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
	cmd.Flags().StringVar(&bbox, "bbox", "", "min_x,min_y,max_x,max_y (default: whole grid)")
	cmd.Flags().Float64Var(&resolution, "resolution", 0, "output resolution in metres (0 for the finest present)")
	cmd.Flags().StringVar(&layer, "layer", string(grid.LayerDepth), "depth, density, vertical_uncertainty or horizontal_uncertainty")
	return cmd
}

func newExportXYZCmd(o *options) *cobra.Command {
	var (
		resolution float64
		output     string
	)
	cmd := &cobra.Command{
		Use:   "export-xyz",
		Short: "Write the centre of every non-empty cell as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withGrid(func(s *session) error {
				w := cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				n, err := writeXYZ(w, s.g, resolution)
				if err != nil {
					return err
				}
				if output != "" && output != "-" {
					fmt.Fprintf(cmd.OutOrStdout(), "wrote %d cells to %s\n", n, output)
				}
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&resolution, "resolution", 0, "resolution in metres (0 for each tile's native resolution)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func writeXYZ(w io.Writer, g *grid.Grid, resolution float64) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"x", "y", "z", "uncertainty", "density"}); err != nil {
		return 0, err
	}
	format := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	n := 0
	for c, err := range g.XYZ(resolution) {
		if err != nil {
			return n, err
		}
		if err := cw.Write([]string{format(c.X), format(c.Y), format(c.Z), format(c.Uncertainty), strconv.Itoa(c.Density)}); err != nil {
			return n, err
		}
		n++
	}
	cw.Flush()
	return n, cw.Error()
}

func newPlotCmd(o *options) *cobra.Command {
	var (
		resolution    float64
		layer         string
		output        string
		width, height float64
	)
	cmd := &cobra.Command{
		Use:   "plot",
		Short: "Render one layer of the grid as a PNG heat map",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.withGrid(func(s *session) error {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				if err := monitor.PlotLayer(f, s.g, grid.Layer(layer), resolution, vg.Length(width)*vg.Inch, vg.Length(height)*vg.Inch); err != nil {
					f.Close()
					os.Remove(output)
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
				return nil
			})
		},
	}
	cmd.Flags().Float64Var(&resolution, "resolution", 0, "resolution in metres (0 for the finest present)")
	cmd.Flags().StringVar(&layer, "layer", string(grid.LayerDepth), "layer to plot")
	cmd.Flags().StringVarP(&output, "output", "o", "grid.png", "output PNG")
	cmd.Flags().Float64Var(&width, "width", 8, "width in inches")
	cmd.Flags().Float64Var(&height, "height", 6, "height in inches")
	return cmd
}

func newLookupCmd(o *options) *cobra.Command {
	var (
		prefix string
		bbox   string
	)
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "List the survey lines under a geohash prefix or a bounding box",
		Long: `lookup answers from the index database without loading the grid when
given --prefix. With --bbox the grid is loaded and its geohash cover of the
box is matched against the index.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (prefix == "") == (bbox == "") {
				return fmt.Errorf("exactly one of --prefix and --bbox is required")
			}
			var refs []geohash.LineRef
			if prefix != "" {
				path := filepath.Join(o.dir, store.IndexFile)
				if _, err := os.Stat(path); err != nil {
					return fmt.Errorf("no index in %s: %w", o.dir, err)
				}
				db, err := indexdb.Open(path)
				if err != nil {
					return err
				}
				defer db.Close()
				if refs, err = db.LinesWithPrefix(prefix); err != nil {
					return err
				}
			} else {
				b, err := monitor.ParseBBox(bbox)
				if err != nil {
					return err
				}
				err = o.withGrid(func(s *session) error {
					for ref := range s.g.Index().LinesIntersecting(b) {
						refs = append(refs, ref)
					}
					return nil
				})
				if err != nil {
					return err
				}
				sort.Slice(refs, func(i, j int) bool {
					if refs[i].Container != refs[j].Container {
						return refs[i].Container < refs[j].Container
					}
					return refs[i].Line < refs[j].Line
				})
			}
			type lineJSON struct {
				Container string `json:"container"`
				Line      string `json:"line"`
			}
			out := make([]lineJSON, len(refs))
			for i, r := range refs {
				out[i] = lineJSON{Container: r.Container, Line: r.Line}
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "geohash prefix")
	cmd.Flags().StringVar(&bbox, "bbox", "", "min_x,min_y,max_x,max_y")
	return cmd
}
