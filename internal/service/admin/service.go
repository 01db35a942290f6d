package admin

import (
	"context"
	"log/slog"

	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oggyb/match-credits/internal/app"
	svcErr "github.com/oggyb/match-credits/internal/errors"
	"github.com/oggyb/match-credits/internal/logger"
	"github.com/oggyb/match-credits/internal/service/rpc"
)

// Service exposes the maintenance jobs for operators and external
// schedulers.
type Service struct {
	appCtx *app.AppContext
}

func NewMaintenanceService(appCtx *app.AppContext) *Service {
	return &Service{appCtx: appCtx}
}

// RunHourly runs the hourly job and returns its summary. A job already
// running elsewhere yields overall_status "skipped".
func (s *Service) RunHourly(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.log(ctx).Debug("RunHourly called")

	sum, err := s.appCtx.Maintenance.RunHourly(ctx)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return respond(sum)
}

// RunDaily runs the daily job. Individual task failures are reported in
// the summary with overall_status "partial_failure".
func (s *Service) RunDaily(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.log(ctx).Debug("RunDaily called")

	sum, err := s.appCtx.Maintenance.RunDaily(ctx)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return respond(sum)
}

func (s *Service) ExpireMatches(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.log(ctx).Debug("ExpireMatches called")

	n, err := s.appCtx.Maintenance.ExpireMatches(ctx)
	if err != nil {
		s.log(ctx).Error("ExpireMatches failed", "expired", n, "err", err)
		return nil, svcErr.Map(err)
	}
	return respond(map[string]int64{"expired": n})
}

// Health returns the match health snapshot, served from cache when fresh.
func (s *Service) Health(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, err := s.appCtx.Maintenance.Health(ctx)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return respond(snap)
}

func respond(v any) (*structpb.Struct, error) {
	out, err := rpc.FromJSON(v)
	if err != nil {
		return nil, svcErr.Map(err)
	}
	return out, nil
}

// log returns the request-scoped logger set by the server interceptor.
func (s *Service) log(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx, s.appCtx.Logger)
}
