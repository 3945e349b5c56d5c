package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"voyager/internal/checkout"
)

const (
	ServiceName = "voyager.checkout.v1.CheckoutService"

	executePurchaseMethod = "/" + ServiceName + "/ExecutePurchase"
	currentStateMethod    = "/" + ServiceName + "/CurrentState"

	// sessionMetadataKey carries the checkout session when the request body
	// has no session_key.
	sessionMetadataKey = "x-checkout-session"
)

// CheckoutServiceServer is the server API. Messages are JSON-shaped
// google.protobuf.Struct values mirroring the HTTP API bodies.
type CheckoutServiceServer interface {
	ExecutePurchase(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CurrentState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CheckoutServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecutePurchase", Handler: unaryHandler(executePurchaseMethod, CheckoutServiceServer.ExecutePurchase)},
		{MethodName: "CurrentState", Handler: unaryHandler(currentStateMethod, CheckoutServiceServer.CurrentState)},
	},
	Metadata: "voyager/checkout/v1/checkout.proto",
}

func RegisterCheckoutServiceServer(s grpc.ServiceRegistrar, srv CheckoutServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(CheckoutServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(CheckoutServiceServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*structpb.Struct))
		})
	}
}

// CheckoutClient calls CheckoutService over a client connection.
type CheckoutClient struct {
	cc grpc.ClientConnInterface
}

func NewCheckoutClient(cc grpc.ClientConnInterface) *CheckoutClient {
	return &CheckoutClient{cc: cc}
}

func (c *CheckoutClient) ExecutePurchase(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, executePurchaseMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CheckoutClient) CurrentState(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, currentStateMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Purchaser runs purchases scoped to a checkout session.
type Purchaser interface {
	ExecutePurchase(ctx context.Context, sessionKey string, req checkout.PurchaseRequest) (checkout.Outcome, error)
}

type StateReader interface {
	Current(sessionKey string) (checkout.TransactionState, bool)
}

// CheckoutServer adapts the coordinator registry to gRPC.
type CheckoutServer struct {
	purchases Purchaser
	states    StateReader
}

var _ CheckoutServiceServer = (*CheckoutServer)(nil)

// NewCheckoutServer constructs a CheckoutServer. states may be nil.
func NewCheckoutServer(purchases Purchaser, states StateReader) *CheckoutServer {
	return &CheckoutServer{purchases: purchases, states: states}
}

// ExecutePurchase runs one attempt. Failed outcomes are successful RPCs whose
// body carries the failure kind; only rejected requests return an error.
func (s *CheckoutServer) ExecutePurchase(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req checkout.PurchaseRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode purchase: %v", err)
	}
	out, err := s.purchases.ExecutePurchase(ctx, sessionKey(ctx, in), req)
	if err != nil {
		return nil, mapCheckoutError(err)
	}
	return toStruct(out)
}

func (s *CheckoutServer) CurrentState(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.states == nil {
		return nil, status.Error(codes.Unimplemented, "state tracking disabled")
	}
	key := sessionKey(ctx, in)
	if key == "" {
		return nil, mapCheckoutError(checkout.ErrSessionRequired)
	}
	state, ok := s.states.Current(key)
	if !ok {
		return nil, status.Error(codes.NotFound, "no purchase in progress")
	}
	return toStruct(state)
}

func sessionKey(ctx context.Context, in *structpb.Struct) string {
	if v, ok := in.GetFields()["session_key"]; ok {
		if s := strings.TrimSpace(v.GetStringValue()); s != "" {
			return s
		}
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(sessionMetadataKey); len(vals) > 0 && strings.TrimSpace(vals[0]) != "" {
			return strings.TrimSpace(vals[0])
		}
	}
	return ""
}

// maxExactNumber is the largest integer a Struct number value carries exactly.
const maxExactNumber = 1 << 53

func fromStruct(in *structpb.Struct, out any) error {
	for k, v := range in.GetFields() {
		if err := checkNumbers(k, v); err != nil {
			return err
		}
	}
	raw, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// checkNumbers rejects number values that lost precision on the way into a
// float64, so amounts are never silently rounded.
func checkNumbers(path string, v *structpb.Value) error {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if math.Abs(kind.NumberValue) > maxExactNumber {
			return fmt.Errorf("%s: %v exceeds the exactly representable range", path, kind.NumberValue)
		}
	case *structpb.Value_StructValue:
		for k, child := range kind.StructValue.GetFields() {
			if err := checkNumbers(path+"."+k, child); err != nil {
				return err
			}
		}
	case *structpb.Value_ListValue:
		for i, child := range kind.ListValue.GetValues() {
			if err := checkNumbers(fmt.Sprintf("%s[%d]", path, i), child); err != nil {
				return err
			}
		}
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func mapCheckoutError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, checkout.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, checkout.ErrAttemptInFlight):
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
