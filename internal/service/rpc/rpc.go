// Package rpc builds gRPC service descriptors over protobuf well-known
// types (structpb, wrapperspb, emptypb), so services can be registered
// without generated stubs.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	apperrors "github.com/oggyb/match-credits/internal/errors"
)

// Handler is the typed body of one unary method. srv is the value passed
// to grpc.Server.RegisterService.
type Handler[Req, Resp proto.Message] func(srv any, ctx context.Context, req Req) (Resp, error)

// Unary describes one unary method of service. newReq allocates the
// request message the wire payload is decoded into.
func Unary[Req, Resp proto.Message](service, method string, newReq func() Req, call Handler[Req, Resp]) grpc.MethodDesc {
	fullMethod := FullMethod(service, method)
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv, ctx, req.(Req))
			})
		},
	}
}

// FullMethod is the "/service/method" path used on the wire.
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// Call invokes a unary method on cc and decodes the reply into resp.
func Call(ctx context.Context, cc grpc.ClientConnInterface, service, method string, req, resp proto.Message, opts ...grpc.CallOption) error {
	return cc.Invoke(ctx, FullMethod(service, method), req, resp, opts...)
}

// FromJSON converts any JSON-encodable value into a Struct. v must encode
// as a JSON object.
func FromJSON(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("convert response: %w", err)
	}
	return out, nil
}

// ToJSON decodes a Struct into dst through its JSON form.
func ToJSON(s *structpb.Struct, dst any) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

//
// Field accessors. A missing field yields the zero value; a field of the
// wrong kind is a validation error.
//

func String(s *structpb.Struct, key string) string {
	v, ok := s.GetFields()[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(v.GetStringValue())
}

// Int reads an integral number. JSON numbers arrive as float64, so
// fractional or out-of-range values are rejected.
func Int(s *structpb.Struct, key string) (int64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, apperrors.Invalid(key, "must be a number")
	}
	f := n.NumberValue
	if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, apperrors.Invalid(key, "must be an integer")
	}
	return int64(f), nil
}

func Strings(s *structpb.Struct, key string) ([]string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, nil
	}
	list, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, apperrors.Invalid(key, "must be a list of strings")
	}
	out := make([]string, 0, len(list.ListValue.GetValues()))
	for _, item := range list.ListValue.GetValues() {
		str, ok := item.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, apperrors.Invalid(key, "must be a list of strings")
		}
		out = append(out, str.StringValue)
	}
	return out, nil
}

// Time reads an RFC 3339 timestamp.
func Time(s *structpb.Struct, key string) (time.Time, error) {
	raw := String(s, key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperrors.Invalid(key, "must be an RFC 3339 timestamp")
	}
	return t.UTC(), nil
}
