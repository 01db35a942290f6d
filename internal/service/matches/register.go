package matches

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oggyb/match-credits/internal/app"
	"github.com/oggyb/match-credits/internal/service/rpc"
)

const ServiceName = "matching.v1.MatchService"

// MatchServer is the server API for MatchService.
type MatchServer interface {
	GrantInitial(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GrantDailyFree(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PurchasePaid(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Consume(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAvailable(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type structHandler func(MatchServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func structMethod(name string, h structHandler) grpc.MethodDesc {
	return rpc.Unary(ServiceName, name,
		func() *structpb.Struct { return &structpb.Struct{} },
		func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return h(srv.(MatchServer), ctx, req)
		})
}

// ServiceDesc describes MatchService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MatchServer)(nil),
	Methods: []grpc.MethodDesc{
		structMethod("GrantInitial", MatchServer.GrantInitial),
		structMethod("GrantDailyFree", MatchServer.GrantDailyFree),
		structMethod("PurchasePaid", MatchServer.PurchasePaid),
		structMethod("Consume", MatchServer.Consume),
		structMethod("History", MatchServer.History),
		rpc.Unary(ServiceName, "ListAvailable",
			func() *wrapperspb.StringValue { return &wrapperspb.StringValue{} },
			func(srv any, ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
				return srv.(MatchServer).ListAvailable(ctx, req)
			}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "matching/v1/matching.proto",
}

// Registrar ties the Match service into the gRPC server
type Registrar struct {
	appCtx *app.AppContext
}

func NewRegistrar(appCtx *app.AppContext) *Registrar {
	return &Registrar{appCtx: appCtx}
}

func (r *Registrar) Register(s *grpc.Server) {
	s.RegisterService(&ServiceDesc, NewMatchService(r.appCtx))
}
