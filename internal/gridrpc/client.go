package gridrpc

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/bathygrid/internal/monitor"
)

// Client calls a GridService.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn // nil when built over a caller's connection
}

// Dial connects to addr without transport security.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, in interface{}, out interface{}) error {
	var req *structpb.Struct
	if in != nil {
		s, err := toStruct(in)
		if err != nil {
			return err
		}
		req = s
	} else {
		req = &structpb.Struct{}
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return err
	}
	return fromStruct(resp, out)
}

// Info fetches the grid summary.
func (c *Client) Info(ctx context.Context) (monitor.InfoResponse, error) {
	var out monitor.InfoResponse
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Info"), &emptypb.Empty{}, resp); err != nil {
		return out, err
	}
	err := fromStruct(resp, &out)
	return out, err
}

// Tiles fetches the tiles, only those in state when it is not empty.
func (c *Client) Tiles(ctx context.Context, state string) ([]monitor.TileResponse, error) {
	var out struct {
		Tiles []monitor.TileResponse `json:"tiles"`
	}
	err := c.call(ctx, "Tiles", TilesRequest{State: state}, &out)
	return out.Tiles, err
}

// Stale fetches the stale containers and tiles.
func (c *Client) Stale(ctx context.Context) (monitor.StaleResponse, error) {
	var out monitor.StaleResponse
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("Stale"), &emptypb.Empty{}, resp); err != nil {
		return out, err
	}
	err := fromStruct(resp, &out)
	return out, err
}

// QueryPoints fetches the points inside b, at most limit (0 for the
// server's cap).
func (c *Client) QueryPoints(ctx context.Context, b monitor.Bounds, limit int) (monitor.PointsResponse, error) {
	var out monitor.PointsResponse
	err := c.call(ctx, "QueryPoints", PointsRequest{BBox: &b, Limit: limit}, &out)
	return out, err
}

// QueryCells fetches one layer of a raster.
func (c *Client) QueryCells(ctx context.Context, req CellsRequest) (monitor.CellsResponse, error) {
	var out monitor.CellsResponse
	err := c.call(ctx, "QueryCells", req, &out)
	return out, err
}

// Regrid triggers a pass, over every tile when full is set.
func (c *Client) Regrid(ctx context.Context, full bool) (monitor.RegridResponse, error) {
	var out monitor.RegridResponse
	err := c.call(ctx, "Regrid", monitor.RegridRequest{Full: full}, &out)
	return out, err
}

// RemoveContainer deletes a container from the grid.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	return c.cc.Invoke(ctx, fullMethod("RemoveContainer"), wrapperspb.String(id), new(emptypb.Empty))
}

// WatchRegrids calls fn for every regrid pass the server runs until ctx is
// cancelled, the server ends the stream or fn returns an error. A stream
// ended by the server returns nil.
func (c *Client) WatchRegrids(ctx context.Context, fn func(monitor.RegridResponse) error) error {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], fullMethod("WatchRegrids"))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var res monitor.RegridResponse
		if err := fromStruct(msg, &res); err != nil {
			return err
		}
		if err := fn(res); err != nil {
			return err
		}
	}
}
