package monitor

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/paulmach/orb"

	"github.com/banshee-data/bathygrid/internal/httputil"
)

// Client talks to a running WebServer.
type Client struct {
	api *httputil.JSONClient
}

// NewClient returns a client for the server at base, e.g.
// "http://localhost:8090". A nil doer uses http.DefaultClient.
func NewClient(base string, doer httputil.Doer) *Client {
	return &Client{api: httputil.NewJSONClient(base, doer)}
}

// Info fetches the grid summary.
func (c *Client) Info(ctx context.Context) (InfoResponse, error) {
	var out InfoResponse
	err := c.api.GetJSON(ctx, "/api/info", nil, &out)
	return out, err
}

// Tiles fetches every tile, or only those in state when it is not empty.
func (c *Client) Tiles(ctx context.Context, state string) ([]TileResponse, error) {
	var q url.Values
	if state != "" {
		q = url.Values{"state": {state}}
	}
	var out []TileResponse
	err := c.api.GetJSON(ctx, "/api/tiles", q, &out)
	return out, err
}

// Stale fetches the stale containers and tiles.
func (c *Client) Stale(ctx context.Context) (StaleResponse, error) {
	var out StaleResponse
	err := c.api.GetJSON(ctx, "/api/stale", nil, &out)
	return out, err
}

// RemoveContainer deletes a container from the grid.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	return c.api.Delete(ctx, "/api/containers/"+url.PathEscape(id))
}

// Points queries the points inside b, at most limit of them (0 for the
// server's cap).
func (c *Client) Points(ctx context.Context, b orb.Bound, limit int) (PointsResponse, error) {
	q := url.Values{"bbox": {formatBBox(b)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out PointsResponse
	err := c.api.GetJSON(ctx, "/api/points", q, &out)
	return out, err
}

// Regrid triggers a pass on the server, over every tile when full is set.
func (c *Client) Regrid(ctx context.Context, full bool) (RegridResponse, error) {
	var out RegridResponse
	err := c.api.PostJSON(ctx, "/api/regrid", RegridRequest{Full: full}, &out)
	return out, err
}

func formatBBox(b orb.Bound) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return fmt.Sprintf("%s,%s,%s,%s", f(b.Min[0]), f(b.Min[1]), f(b.Max[0]), f(b.Max[1]))
}
