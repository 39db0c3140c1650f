package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/bathygrid/internal/gridrpc"
	"github.com/banshee-data/bathygrid/internal/monitor"
)

// remoteGrid is served by both the HTTP monitor and the gRPC service.
type remoteGrid interface {
	Info(ctx context.Context) (monitor.InfoResponse, error)
	Stale(ctx context.Context) (monitor.StaleResponse, error)
	Regrid(ctx context.Context, full bool) (monitor.RegridResponse, error)
	RemoveContainer(ctx context.Context, id string) error
}

var (
	_ remoteGrid = (*monitor.Client)(nil)
	_ remoteGrid = (*gridrpc.Client)(nil)
)

type remoteOptions struct {
	httpURL  string
	grpcAddr string
	timeout  time.Duration
}

// connect picks the gRPC client when --grpc is set and the HTTP client
// otherwise. The returned func releases the connection.
func (r *remoteOptions) connect() (remoteGrid, func(), error) {
	if r.grpcAddr == "" {
		return monitor.NewClient(r.httpURL, nil), func() {}, nil
	}
	c, err := gridrpc.Dial(r.grpcAddr)
	if err != nil {
		return nil, nil, err
	}
	return c, func() { _ = c.Close() }, nil
}

func (r *remoteOptions) run(cmd *cobra.Command, fn func(context.Context, remoteGrid) (interface{}, error)) error {
	client, closeFn, err := r.connect()
	if err != nil {
		return err
	}
	defer closeFn()
	ctx, cancel := context.WithTimeout(cmd.Context(), r.timeout)
	defer cancel()
	out, err := fn(ctx, client)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return writeJSON(cmd.OutOrStdout(), out)
}

func newRemoteCmd() *cobra.Command {
	r := &remoteOptions{}
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Talk to a running gridd",
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&r.httpURL, "http", "http://localhost:8090", "monitor base URL")
	pf.StringVar(&r.grpcAddr, "grpc", "", "gRPC address; overrides --http when set")
	pf.DurationVar(&r.timeout, "timeout", time.Minute, "request timeout")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "info",
			Short: "Print the grid summary",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return r.run(cmd, func(ctx context.Context, c remoteGrid) (interface{}, error) {
					return c.Info(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "stale",
			Short: "List stale containers and tiles",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return r.run(cmd, func(ctx context.Context, c remoteGrid) (interface{}, error) {
					return c.Stale(ctx)
				})
			},
		},
		newRemoteRegridCmd(r),
		&cobra.Command{
			Use:   "remove <container>",
			Short: "Remove a container",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return r.run(cmd, func(ctx context.Context, c remoteGrid) (interface{}, error) {
					if err := c.RemoveContainer(ctx, args[0]); err != nil {
						return nil, err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
					return nil, nil
				})
			},
		},
		newWatchCmd(r),
	)
	return cmd
}

func newRemoteRegridCmd(r *remoteOptions) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "regrid",
		Short: "Trigger a regrid pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.run(cmd, func(ctx context.Context, c remoteGrid) (interface{}, error) {
				return c.Regrid(ctx, full)
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "regrid every tile")
	return cmd
}

func newWatchCmd(r *remoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print every regrid pass as it happens (gRPC only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if r.grpcAddr == "" {
				return fmt.Errorf("watch needs --grpc")
			}
			c, err := gridrpc.Dial(r.grpcAddr)
			if err != nil {
				return err
			}
			defer c.Close()
			err = c.WatchRegrids(cmd.Context(), func(res monitor.RegridResponse) error {
				return writeJSON(cmd.OutOrStdout(), res)
			})
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
}
