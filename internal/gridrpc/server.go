package gridrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/bathygrid/internal/aggregate"
	"github.com/banshee-data/bathygrid/internal/grid"
	"github.com/banshee-data/bathygrid/internal/monitor"
	"github.com/banshee-data/bathygrid/internal/monitoring"
)

var _ GridServiceServer = (*Server)(nil)

// Config holds configuration for the gRPC server.
type Config struct {
	Grid *grid.Grid
	// Regridder, when set, runs non-full Regrid calls so that they also
	// save the grid.
	Regridder *grid.Regridder
	// ListenAddr is the address Start listens on, e.g. "localhost:50061".
	ListenAddr string
	// MaxPoints caps QueryPoints responses. 0 selects 100000.
	MaxPoints int
	// WatchBuffer is the per-watcher queue length. Passes are dropped for a
	// watcher whose queue is full. 0 selects 16.
	WatchBuffer int
	Logger      *zap.Logger
}

// Server implements GridServiceServer and owns the gRPC server it is
// registered on.
type Server struct {
	grid      *grid.Grid
	regridder *grid.Regridder
	addr      string
	maxPoints int
	log       *zap.Logger

	server *grpc.Server
	health *health.Server

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	watchMu     sync.Mutex
	watchers    map[int]chan *structpb.Struct
	nextWatcher int
	watchBuffer int
	dropped     atomic.Uint64
}

// NewServer creates the service and registers it, together with the
// standard health service, on a new gRPC server.
func NewServer(cfg Config) *Server {
	s := &Server{
		grid:        cfg.Grid,
		regridder:   cfg.Regridder,
		addr:        cfg.ListenAddr,
		maxPoints:   cfg.MaxPoints,
		log:         cfg.Logger,
		stopCh:      make(chan struct{}),
		watchers:    make(map[int]chan *structpb.Struct),
		watchBuffer: cfg.WatchBuffer,
	}
	if s.log == nil {
		s.log = monitoring.Named("gridrpc")
	}
	if s.maxPoints <= 0 {
		s.maxPoints = 100_000
	}
	if s.watchBuffer <= 0 {
		s.watchBuffer = 16
	}

	const maxMsgSize = 64 * 1024 * 1024
	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	RegisterGridServiceServer(s.server, s)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	s.grid.OnRegrid(s.publish)
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on lis in the background until Stop.
func (s *Server) Serve(lis net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("gRPC server already running")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			s.log.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop ends every watch stream, then stops the server gracefully.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.health.Shutdown()
	close(s.stopCh)
	s.server.GracefulStop()
	s.wg.Wait()
	s.log.Info("gRPC server stopped", zap.Uint64("dropped_watch_events", s.dropped.Load()))
}

// GRPCServer returns the underlying gRPC server for further registration.
func (s *Server) GRPCServer() *grpc.Server { return s.server }

func (s *Server) Info(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return reply(toStruct(monitor.NewInfoResponse(s.grid.Info())))
}

// TilesRequest filters Tiles by state name.
type TilesRequest struct {
	State string `json:"state"`
}

func (s *Server) Tiles(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TilesRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	tiles, err := monitor.NewTileResponses(s.grid.TileInfo(), req.State)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return reply(listStruct("tiles", tiles))
}

func (s *Server) Stale(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return reply(toStruct(monitor.NewStaleResponse(s.grid)))
}

// PointsRequest selects the points inside BBox.
type PointsRequest struct {
	BBox  *monitor.Bounds `json:"bbox"`
	Limit int             `json:"limit"`
}

func (s *Server) QueryPoints(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PointsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.BBox == nil {
		return nil, status.Error(codes.InvalidArgument, "missing bbox")
	}
	limit := req.Limit
	if limit <= 0 || limit > s.maxPoints {
		limit = s.maxPoints
	}
	pts := s.grid.QueryPoints(req.BBox.Bound())
	return reply(toStruct(monitor.NewPointsResponse(pts, limit)))
}

// CellsRequest selects a raster. Without BBox the whole grid is returned.
type CellsRequest struct {
	BBox       *monitor.Bounds `json:"bbox"`
	Resolution float64         `json:"resolution"`
	Layer      string          `json:"layer"`
}

func (s *Server) QueryCells(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req CellsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	layer := grid.LayerDepth
	if req.Layer != "" {
		layer = grid.Layer(req.Layer)
	}
	var (
		cells *aggregate.Cells
		err   error
	)
	if req.BBox != nil {
		cells, err = s.grid.QueryCells(req.BBox.Bound(), req.Resolution)
	} else {
		_, cells, err = s.grid.Layer(layer, req.Resolution)
	}
	if err != nil {
		return nil, grpcError(err)
	}
	if cells == nil {
		return nil, status.Error(codes.NotFound, "no gridded cells in range")
	}
	resp, err := monitor.NewCellsResponse(layer, cells)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return reply(toStruct(resp))
}

func (s *Server) Regrid(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req monitor.RegridRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var res *grid.RegridResult
	if s.regridder != nil && !req.Full {
		res = s.regridder.RegridNow()
	} else {
		res = s.grid.Regrid(!req.Full)
	}
	return reply(toStruct(monitor.NewRegridResponse(res)))
}

func (s *Server) RemoveContainer(ctx context.Context, in *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.grid.RemoveContainer(in.GetValue()); err != nil {
		return nil, grpcError(err)
	}
	s.log.Info("container removed", zap.String("container", in.GetValue()))
	return &emptypb.Empty{}, nil
}

func (s *Server) WatchRegrids(_ *emptypb.Empty, stream grpc.ServerStream) error {
	id, ch := s.subscribe()
	defer s.unsubscribe(id)
	s.log.Debug("regrid watcher connected", zap.Int("watcher", id))

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case msg := <-ch:
			if err := stream.SendMsg(msg); err != nil {
				s.log.Debug("regrid watcher send failed", zap.Int("watcher", id), zap.Error(err))
				return err
			}
		}
	}
}

func (s *Server) subscribe() (int, chan *structpb.Struct) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	id := s.nextWatcher
	s.nextWatcher++
	ch := make(chan *structpb.Struct, s.watchBuffer)
	s.watchers[id] = ch
	return id, ch
}

func (s *Server) unsubscribe(id int) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	delete(s.watchers, id)
}

// Watchers returns the number of connected watch streams.
func (s *Server) Watchers() int {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	return len(s.watchers)
}

// publish is the grid's regrid hook.
func (s *Server) publish(res *grid.RegridResult) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if len(s.watchers) == 0 {
		return
	}
	msg, err := toStruct(monitor.NewRegridResponse(res))
	if err != nil {
		s.log.Warn("failed to encode regrid event", zap.Error(err))
		return
	}
	for id, ch := range s.watchers {
		select {
		case ch <- msg:
		default:
			s.dropped.Add(1)
			s.log.Debug("regrid watcher queue full, event dropped", zap.Int("watcher", id))
		}
	}
}

func reply(msg *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return msg, nil
}

// grpcError maps grid errors onto status codes.
func grpcError(err error) error {
	switch {
	case errors.Is(err, grid.ErrContainerNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, grid.ErrQueryTooLarge):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, grid.ErrTileAggregation):
		return status.Error(codes.Internal, err.Error())
	default:
		return status.Error(codes.InvalidArgument, err.Error())
	}
}
