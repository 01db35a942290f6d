package credits

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/oggyb/match-credits/internal/app"
	"github.com/oggyb/match-credits/internal/service/rpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "credits.v1.CreditsService"

// CreditsServer is the server API for CreditsService.
type CreditsServer interface {
	GetBalance(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	CreateAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GrantInitialCredits(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Add(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Consume(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Adjust(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTransactions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Summary(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Verify(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	MessageStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ConsumeMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func newStruct() *structpb.Struct { return &structpb.Struct{} }
func newString() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }
func server(srv any) CreditsServer { return srv.(CreditsServer) }

// ServiceDesc describes CreditsService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CreditsServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "GetBalance", newString, func(srv any, ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
			return server(srv).GetBalance(ctx, req)
		}),
		rpc.Unary(ServiceName, "CreateAccount", newStruct, func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return server(srv).CreateAccount(ctx, req)
		}),
		rpc.Unary(ServiceName, "GrantInitialCredits", newString, func(srv any, ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
			return server(srv).GrantInitialCredits(ctx, req)
		}),
		rpc.Unary(ServiceName, "Add", newStruct, func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return server(srv).Add(ctx, req)
		}),
		rpc.Unary(ServiceName, "Consume", newStruct, func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return server(srv).Consume(ctx, req)
		}),
		rpc.Unary(ServiceName, "Adjust", newStruct, func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return server(srv).Adjust(ctx, req)
		}),
		rpc.Unary(ServiceName, "ListTransactions", newStruct, func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return server(srv).ListTransactions(ctx, req)
		}),
		rpc.Unary(ServiceName, "Summary", newString, func(srv any, ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
			return server(srv).Summary(ctx, req)
		}),
		rpc.Unary(ServiceName, "Verify", newString, func(srv any, ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
			return server(srv).Verify(ctx, req)
		}),
		rpc.Unary(ServiceName, "MessageStatus", newString, func(srv any, ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
			return server(srv).MessageStatus(ctx, req)
		}),
		rpc.Unary(ServiceName, "ConsumeMessage", newStruct, func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
			return server(srv).ConsumeMessage(ctx, req)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "credits/v1/credits.proto",
}

// Registrar ties the Credits service into the gRPC server
type Registrar struct {
	appCtx *app.AppContext
}

// NewRegistrar creates a new Registrar for the Credits service
func NewRegistrar(appCtx *app.AppContext) *Registrar {
	return &Registrar{appCtx: appCtx}
}

// Register attaches the Credits service implementation to the gRPC server
func (r *Registrar) Register(s *grpc.Server) {
	s.RegisterService(&ServiceDesc, NewCreditsService(r.appCtx))
}
