package admin

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dCache/dcache-sub032/pkg/fileops"
	"github.com/dCache/dcache-sub032/pkg/poolops"
	"github.com/dCache/dcache-sub032/pkg/topology"
	"github.com/dCache/dcache-sub032/pkg/types"
)

type Files interface {
	Cancel(filter fileops.Filter) int
	Count(filter *fileops.Filter) int
	List(filter *fileops.Filter, limit int) []fileops.View
	Counts() (running, foreground, background int)
}

type Updates interface {
	HandleUpdate(ctx context.Context, u *fileops.FileUpdate) (fileops.RegisterOutcome, error)
}

type Pools interface {
	List(filter *poolops.Filter, limit int) []poolops.View
	Cancel(filter *poolops.Filter) int
	SetIncluded(filter *poolops.Filter, include bool) int
	Scan(filter *poolops.Filter, force bool) int
	ScanUnit(unit string) int
	SetStatus(pool string, mode topology.PoolMode) (topology.PoolStatus, poolops.Action, error)
}

type Checkpointer interface {
	Path() string
	RunNow(ctx context.Context) (int, error)
}

// Server serves the admin API over gRPC.
type Server struct {
	files       Files
	updates     Updates
	pools       Pools
	checkpoints Checkpointer
	logger      *zap.Logger

	server   *grpc.Server
	listener net.Listener
}

func NewServer(files Files, updates Updates, pools Pools, checkpoints Checkpointer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		files:       files,
		updates:     updates,
		pools:       pools,
		checkpoints: checkpoints,
		logger:      logger.With(zap.String("component", "admin")),
		server:      grpc.NewServer(),
	}
	RegisterAdminServer(s.server, s)
	return s
}

func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener
	s.logger.Info("Admin server starting", zap.String("address", listener.Addr().String()))
	if err := s.server.Serve(listener); err != nil {
		return fmt.Errorf("admin server failed: %w", err)
	}
	return nil
}

func (s *Server) Stop() {
	s.server.GracefulStop()
}

func (s *Server) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if req.PnfsID == "" {
		return nil, status.Error(codes.InvalidArgument, "pnfsid is required")
	}
	msgType := fileops.AdminRegister
	if req.Type != "" {
		t, err := fileops.ParseMessageType(req.Type)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		if t == fileops.Reload {
			return nil, status.Error(codes.InvalidArgument, "reload updates come from checkpoints only")
		}
		msgType = t
	}
	if msgType == fileops.CorruptFile && req.Pool == "" {
		return nil, status.Error(codes.InvalidArgument, "a corrupt file report needs the pool")
	}
	outcome, err := s.updates.HandleUpdate(ctx, &fileops.FileUpdate{
		PnfsID:       types.PnfsID(req.PnfsID),
		Pool:         types.PoolName(req.Pool),
		Type:         msgType,
		VerifySticky: req.VerifySticky,
	})
	if err != nil {
		s.logger.Warn("Admin registration failed", zap.String("pnfsid", req.PnfsID), zap.Error(err))
		return nil, status.Errorf(codes.Unavailable, "failed to register %s: %v", req.PnfsID, err)
	}
	s.logger.Info("File registered by admin",
		zap.String("pnfsid", req.PnfsID),
		zap.Stringer("type", msgType),
		zap.Stringer("outcome", outcome))
	return &RegisterResponse{Outcome: outcome.String()}, nil
}

func (s *Server) fileFilter(f *FileFilter) (*fileops.Filter, error) {
	filter, err := f.compile()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return filter, nil
}

func (s *Server) poolFilter(f *PoolFilter) (*poolops.Filter, error) {
	filter, err := f.compile()
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return filter, nil
}

func (s *Server) CancelFiles(ctx context.Context, req *FileFilterRequest) (*CountResponse, error) {
	filter, err := s.fileFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	var f fileops.Filter
	if filter != nil {
		f = *filter
	}
	n := s.files.Cancel(f)
	s.logger.Info("File operations cancelled by admin", zap.Int("count", n), zap.Bool("force", f.Force))
	return &CountResponse{Count: n}, nil
}

func (s *Server) CountFiles(ctx context.Context, req *FileFilterRequest) (*CountResponse, error) {
	filter, err := s.fileFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	return &CountResponse{Count: s.files.Count(filter)}, nil
}

func (s *Server) ListFiles(ctx context.Context, req *FileFilterRequest) (*ListFilesResponse, error) {
	filter, err := s.fileFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	resp := &ListFilesResponse{Operations: s.files.List(filter, req.Limit)}
	resp.Running, resp.Foreground, resp.Background = s.files.Counts()
	return resp, nil
}

func (s *Server) ListPools(ctx context.Context, req *PoolFilterRequest) (*ListPoolsResponse, error) {
	filter, err := s.poolFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	return &ListPoolsResponse{Pools: s.pools.List(filter, req.Limit)}, nil
}

func (s *Server) CancelPools(ctx context.Context, req *PoolFilterRequest) (*CountResponse, error) {
	filter, err := s.poolFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	n := s.pools.Cancel(filter)
	s.logger.Info("Pool operations cancelled by admin", zap.Int("count", n))
	return &CountResponse{Count: n}, nil
}

func (s *Server) SetIncluded(ctx context.Context, req *SetIncludedRequest) (*CountResponse, error) {
	filter, err := s.poolFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	n := s.pools.SetIncluded(filter, req.Include)
	s.logger.Info("Pool inclusion changed by admin", zap.Int("count", n), zap.Bool("include", req.Include))
	return &CountResponse{Count: n}, nil
}

func (s *Server) Scan(ctx context.Context, req *ScanRequest) (*CountResponse, error) {
	if req.Unit != "" {
		if req.Filter != nil {
			return nil, status.Error(codes.InvalidArgument, "a unit scan takes no pool filter")
		}
		return &CountResponse{Count: s.pools.ScanUnit(req.Unit)}, nil
	}
	filter, err := s.poolFilter(req.Filter)
	if err != nil {
		return nil, err
	}
	n := s.pools.Scan(filter, req.Force)
	s.logger.Info("Pool scans requested by admin", zap.Int("count", n), zap.Bool("force", req.Force))
	return &CountResponse{Count: n}, nil
}

func (s *Server) RunCheckpointNow(ctx context.Context, req *CheckpointRequest) (*CheckpointResponse, error) {
	if s.checkpoints == nil {
		return nil, status.Error(codes.FailedPrecondition, "checkpointing is disabled")
	}
	n, err := s.checkpoints.RunNow(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Errorf(codes.Internal, "failed to write checkpoint: %v", err)
	}
	return &CheckpointResponse{Path: s.checkpoints.Path(), Records: n}, nil
}

func (s *Server) SetPoolStatus(ctx context.Context, req *SetPoolStatusRequest) (*SetPoolStatusResponse, error) {
	if req.Pool == "" {
		return nil, status.Error(codes.InvalidArgument, "pool is required")
	}
	mode, err := topology.ParsePoolMode(req.Mode)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	cur, action, err := s.pools.SetStatus(req.Pool, mode)
	if errors.Is(err, poolops.ErrUnknownPool) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to set status of %s: %v", req.Pool, err)
	}
	s.logger.Info("Pool status set by admin",
		zap.String("pool", req.Pool),
		zap.Stringer("mode", mode),
		zap.Stringer("status", cur),
		zap.Stringer("action", action))
	return &SetPoolStatusResponse{Pool: req.Pool, Status: cur.String(), Action: action.String()}, nil
}
