package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/banshee-data/bathygrid/internal/aggregate"
	"github.com/banshee-data/bathygrid/internal/grid"
	"github.com/banshee-data/bathygrid/internal/httputil"
	"github.com/banshee-data/bathygrid/internal/soundings"
	"github.com/banshee-data/bathygrid/internal/tile"
)

// Bounds is [min_x, min_y, max_x, max_y].
type Bounds [4]float64

func boundsOf(b orb.Bound) Bounds { return Bounds{b.Min[0], b.Min[1], b.Max[0], b.Max[1]} }

// Bound converts back to an orb.Bound.
func (b Bounds) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b[0], b[1]}, Max: orb.Point{b[2], b[3]}}
}

// Float encodes NaN as null.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		return []byte("null"), nil
	}
	return json.Marshal(float64(f))
}

func (f *Float) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = Float(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// InfoResponse is the body of GET /api/info.
type InfoResponse struct {
	CRS               string                       `json:"crs"`
	VerticalReference string                       `json:"vertical_reference"`
	Mode              string                       `json:"mode"`
	Method            string                       `json:"method"`
	TileSize          float64                      `json:"tile_size"`
	SubtileSize       float64                      `json:"subtile_size,omitempty"`
	TileCount         int                          `json:"tile_count"`
	PointCount        int                          `json:"point_count"`
	Bounds            *Bounds                      `json:"bounds,omitempty"`
	DataBounds        *Bounds                      `json:"data_bounds,omitempty"`
	Resolutions       []float64                    `json:"resolutions"`
	States            map[string]int               `json:"states"`
	Containers        map[string]ContainerResponse `json:"containers"`
}

// ContainerResponse describes one container.
type ContainerResponse struct {
	ID               string    `json:"id,omitempty"`
	PointCount       int       `json:"point_count"`
	AddedAt          time.Time `json:"added_at"`
	SourceModifiedAt time.Time `json:"source_modified_at"`
	Stale            bool      `json:"stale"`
	Bounds           *Bounds   `json:"bounds,omitempty"`
	Lines            []string  `json:"lines,omitempty"`
	Tiles            []string  `json:"tiles,omitempty"`
}

// TileResponse describes one tile.
type TileResponse struct {
	I           int64     `json:"i"`
	J           int64     `json:"j"`
	Name        string    `json:"name"`
	Bounds      Bounds    `json:"bounds"`
	State       string    `json:"state"`
	PointCount  int       `json:"point_count"`
	Resolutions []float64 `json:"resolutions,omitempty"`
	MeanDepth   Float     `json:"mean_depth"`
	GriddedAt   time.Time `json:"gridded_at"`
	Containers  []string  `json:"containers"`
	LastError   string    `json:"last_error,omitempty"`
}

// StaleResponse is the body of GET /api/stale.
type StaleResponse struct {
	Containers []string `json:"containers"`
	Tiles      []string `json:"tiles"`
}

// PointResponse is one sounding with its provenance.
type PointResponse struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	TVU       float32 `json:"tvu"`
	THU       float32 `json:"thu"`
	Container string  `json:"container"`
	Line      string  `json:"line"`
	Code      string  `json:"code"`
}

// PointsResponse is the body of the point queries. Truncated is set when
// more points matched than were returned.
type PointsResponse struct {
	Count     int             `json:"count"`
	Truncated bool            `json:"truncated"`
	Points    []PointResponse `json:"points"`
}

// CellsResponse is one layer of a stitched raster. Values are row-major
// from the south-west, null where empty.
type CellsResponse struct {
	Layer      string     `json:"layer"`
	Resolution float64    `json:"resolution"`
	Origin     [2]float64 `json:"origin"`
	Rows       int        `json:"rows"`
	Cols       int        `json:"cols"`
	Values     []Float    `json:"values"`
}

// RegridRequest is the optional body of POST /api/regrid.
type RegridRequest struct {
	Full bool `json:"full"`
}

// RegridResponse summarises a regrid pass.
type RegridResponse struct {
	RunID      string    `json:"run_id"`
	Started    time.Time `json:"started"`
	DurationMS int64     `json:"duration_ms"`
	Updated    []string  `json:"updated"`
	Skipped    int       `json:"skipped"`
	Deferred   int       `json:"deferred"`
	Errors     []string  `json:"errors,omitempty"`
}

func tileNames(keys []tile.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// NewRegridResponse converts a regrid summary.
func NewRegridResponse(res *grid.RegridResult) RegridResponse {
	out := RegridResponse{
		RunID:      res.RunID,
		Started:    res.Started,
		DurationMS: res.Duration.Milliseconds(),
		Updated:    tileNames(res.Updated),
		Skipped:    res.Skipped,
		Deferred:   res.Deferred,
	}
	for _, e := range res.Errors {
		out.Errors = append(out.Errors, e.Error())
	}
	return out
}

// NewInfoResponse converts a grid summary.
func NewInfoResponse(info grid.Info) InfoResponse {
	resp := InfoResponse{
		CRS:               info.CRS,
		VerticalReference: info.VerticalReference,
		Mode:              info.Mode,
		Method:            info.Method,
		TileSize:          info.TileSize,
		SubtileSize:       info.SubtileSize,
		TileCount:         info.TileCount,
		PointCount:        info.PointCount,
		Resolutions:       info.Resolutions,
		States:            make(map[string]int, len(info.States)),
		Containers:        make(map[string]ContainerResponse, len(info.Containers)),
	}
	if resp.Resolutions == nil {
		resp.Resolutions = []float64{}
	}
	if info.TileCount > 0 {
		b, d := boundsOf(info.Bounds), boundsOf(info.DataBounds)
		resp.Bounds, resp.DataBounds = &b, &d
	}
	for s, n := range info.States {
		resp.States[s.String()] = n
	}
	for id, c := range info.Containers {
		resp.Containers[id] = ContainerResponse{
			PointCount:       c.PointCount,
			AddedAt:          c.AddedAt,
			SourceModifiedAt: c.SourceModifiedAt,
			Stale:            c.Stale,
		}
	}
	return resp
}

func (ws *WebServer) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, NewInfoResponse(ws.grid.Info()))
}

// NewTileResponses converts tile descriptions, keeping only those in
// state when it is not empty.
func NewTileResponses(tiles []grid.TileInfo, state string) ([]TileResponse, error) {
	var want *tile.State
	if state != "" {
		st, err := tile.ParseState(state)
		if err != nil {
			return nil, err
		}
		want = &st
	}
	out := []TileResponse{}
	for _, t := range tiles {
		if want != nil && t.State != *want {
			continue
		}
		tr := TileResponse{
			I:           t.Key.I,
			J:           t.Key.J,
			Name:        t.Name,
			Bounds:      boundsOf(t.Bounds),
			State:       t.State.String(),
			PointCount:  t.PointCount,
			Resolutions: t.Resolutions,
			MeanDepth:   Float(t.MeanDepth),
			GriddedAt:   t.GriddedAt,
			Containers:  t.Containers,
		}
		if t.LastError != nil {
			tr.LastError = t.LastError.Error()
		}
		out = append(out, tr)
	}
	return out, nil
}

func (ws *WebServer) handleTiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	out, err := NewTileResponses(ws.grid.TileInfo(), r.URL.Query().Get("state"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, out)
}

// NewContainerResponse converts a container record.
func NewContainerResponse(c grid.Container) ContainerResponse {
	b := boundsOf(c.Bounds)
	return ContainerResponse{
		ID:               c.ID,
		PointCount:       c.PointCount,
		AddedAt:          c.AddedAt,
		SourceModifiedAt: c.SourceModifiedAt,
		Stale:            c.Stale(),
		Bounds:           &b,
		Lines:            c.Lines,
		Tiles:            tileNames(c.Tiles),
	}
}

func (ws *WebServer) handleContainers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	out := []ContainerResponse{}
	for _, c := range ws.grid.Containers() {
		out = append(out, NewContainerResponse(c))
	}
	httputil.WriteJSONOK(w, out)
}

// handleContainer serves /api/containers/{id}. DELETE removes the
// container; the affected tiles become stale until the next regrid.
func (ws *WebServer) handleContainer(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/containers/")
	if id == "" || strings.Contains(id, "/") {
		httputil.NotFound(w, "no such container route")
		return
	}
	switch r.Method {
	case http.MethodGet:
		c, err := ws.grid.Container(id)
		if err != nil {
			ws.writeGridError(w, err)
			return
		}
		httputil.WriteJSONOK(w, NewContainerResponse(c))
	case http.MethodDelete:
		if err := ws.grid.RemoveContainer(id); err != nil {
			ws.writeGridError(w, err)
			return
		}
		ws.log.Info("container removed", zap.String("container", id))
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

// NewStaleResponse lists what the next regrid pass will touch.
func NewStaleResponse(g *grid.Grid) StaleResponse {
	resp := StaleResponse{
		Containers: g.StaleContainers(),
		Tiles:      tileNames(g.StaleTiles()),
	}
	if resp.Containers == nil {
		resp.Containers = []string{}
	}
	return resp
}

func (ws *WebServer) handleStale(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	httputil.WriteJSONOK(w, NewStaleResponse(ws.grid))
}

func (ws *WebServer) handlePoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	b, err := ParseBBox(r.URL.Query().Get("bbox"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	limit, err := ws.parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, NewPointsResponse(ws.grid.QueryPoints(b), limit))
}

// handlePolygon takes a GeoJSON Polygon geometry or Feature and returns
// the points inside it.
func (ws *WebServer) handlePolygon(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	limit, err := ws.parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	poly, err := readPolygon(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, NewPointsResponse(ws.grid.QueryPolygon(poly), limit))
}

func readPolygon(r *http.Request) (orb.Polygon, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var geom orb.Geometry
	if f, err := geojson.UnmarshalFeature(data); err == nil && f.Geometry != nil {
		geom = f.Geometry
	} else if g, err := geojson.UnmarshalGeometry(data); err == nil {
		geom = g.Geometry()
	} else {
		return nil, fmt.Errorf("invalid GeoJSON: %w", err)
	}
	poly, ok := geom.(orb.Polygon)
	if !ok || len(poly) == 0 {
		return nil, errors.New("geometry must be a Polygon")
	}
	return poly, nil
}

// NewPointsResponse converts query results, returning at most limit points.
func NewPointsResponse(pts []soundings.Point, limit int) PointsResponse {
	resp := PointsResponse{Count: len(pts), Points: []PointResponse{}}
	if len(pts) > limit {
		pts = pts[:limit]
		resp.Truncated = true
	}
	for _, p := range pts {
		resp.Points = append(resp.Points, PointResponse{
			X: p.X, Y: p.Y, Z: p.Z, TVU: p.TVU, THU: p.THU,
			Container: p.Container, Line: p.Line, Code: p.Code,
		})
	}
	return resp
}

func (ws *WebServer) handleCells(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	res, err := parseResolution(q.Get("res"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	layer := grid.LayerDepth
	if l := q.Get("layer"); l != "" {
		layer = grid.Layer(l)
	}

	var cells *aggregate.Cells
	if bbox := q.Get("bbox"); bbox != "" {
		b, err := ParseBBox(bbox)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		cells, err = ws.grid.QueryCells(b, res)
		if err != nil {
			ws.writeGridError(w, err)
			return
		}
	} else {
		_, cells, err = ws.grid.Layer(layer, res)
		if err != nil {
			ws.writeGridError(w, err)
			return
		}
	}
	if cells == nil {
		httputil.NotFound(w, "no gridded cells in range")
		return
	}
	resp, err := NewCellsResponse(layer, cells)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, resp)
}

// NewCellsResponse extracts one layer of cells.
func NewCellsResponse(layer grid.Layer, cells *aggregate.Cells) (CellsResponse, error) {
	values, err := layer.Values(cells)
	if err != nil {
		return CellsResponse{}, err
	}
	resp := CellsResponse{
		Layer:      string(layer),
		Resolution: cells.Resolution,
		Origin:     [2]float64{cells.Origin[0], cells.Origin[1]},
		Rows:       cells.Rows,
		Cols:       cells.Cols,
		Values:     make([]Float, len(values)),
	}
	for i, v := range values {
		resp.Values[i] = Float(v)
	}
	return resp, nil
}

func (ws *WebServer) handleRegrid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w, http.MethodPost)
		return
	}
	var req RegridRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	var res *grid.RegridResult
	if ws.regridder != nil && !req.Full {
		res = ws.regridder.RegridNow()
	} else {
		res = ws.grid.Regrid(!req.Full)
	}
	ws.log.Info("regrid triggered over HTTP",
		zap.String("run_id", res.RunID),
		zap.Bool("full", req.Full),
		zap.Int("updated", len(res.Updated)),
		zap.Int("errors", len(res.Errors)))
	httputil.WriteJSONOK(w, NewRegridResponse(res))
}

// writeGridError maps grid errors onto status codes.
func (ws *WebServer) writeGridError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, grid.ErrContainerNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, grid.ErrQueryTooLarge):
		httputil.Unprocessable(w, err.Error())
	case errors.Is(err, grid.ErrTileAggregation):
		ws.log.Warn("grid request failed", zap.Error(err))
		httputil.InternalServerError(w, err.Error())
	default:
		httputil.BadRequest(w, err.Error())
	}
}

// ParseBBox parses "min_x,min_y,max_x,max_y".
func ParseBBox(s string) (orb.Bound, error) {
	if s == "" {
		return orb.Bound{}, errors.New("missing 'bbox' parameter")
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox %q: want min_x,min_y,max_x,max_y", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return orb.Bound{}, fmt.Errorf("bbox %q: invalid number %q", s, p)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return orb.Bound{}, fmt.Errorf("bbox %q: min exceeds max", s)
	}
	return Bounds(v).Bound(), nil
}

func parseResolution(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid 'res' parameter %q", s)
	}
	return f, nil
}

func (ws *WebServer) parseLimit(s string) (int, error) {
	if s == "" {
		return ws.maxPoints, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid 'limit' parameter %q", s)
	}
	if n > ws.maxPoints {
		n = ws.maxPoints
	}
	return n, nil
}
