package admin

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oggyb/match-credits/internal/app"
	"github.com/oggyb/match-credits/internal/service/rpc"
)

const ServiceName = "admin.v1.MaintenanceService"

// MaintenanceServer is the server API for MaintenanceService.
type MaintenanceServer interface {
	RunHourly(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	RunDaily(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ExpireMatches(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Health(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func method(name string, h func(MaintenanceServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)) grpc.MethodDesc {
	return rpc.Unary(ServiceName, name,
		func() *emptypb.Empty { return &emptypb.Empty{} },
		func(srv any, ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
			return h(srv.(MaintenanceServer), ctx, req)
		})
}

// ServiceDesc describes MaintenanceService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MaintenanceServer)(nil),
	Methods: []grpc.MethodDesc{
		method("RunHourly", MaintenanceServer.RunHourly),
		method("RunDaily", MaintenanceServer.RunDaily),
		method("ExpireMatches", MaintenanceServer.ExpireMatches),
		method("Health", MaintenanceServer.Health),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "admin/v1/maintenance.proto",
}

// Registrar ties the Maintenance service into the gRPC server
type Registrar struct {
	appCtx *app.AppContext
}

func NewRegistrar(appCtx *app.AppContext) *Registrar {
	return &Registrar{appCtx: appCtx}
}

func (r *Registrar) Register(s *grpc.Server) {
	s.RegisterService(&ServiceDesc, NewMaintenanceService(r.appCtx))
}
