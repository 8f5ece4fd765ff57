package certificate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/gateway-fm/toefl-cert-ledger/internal/ledger"
)

const (
	verificationServiceName = "certledger.v1.VerificationService"
	resolveMethod           = "/" + verificationServiceName + "/Resolve"
)

// VerificationServer is the server API for the verification service.
type VerificationServer interface {
	Resolve(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error)
}

var verificationServiceDesc = grpc.ServiceDesc{
	ServiceName: verificationServiceName,
	HandlerType: (*VerificationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Resolve",
			Handler:    resolveHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "certledger/v1/verification.proto",
}

func resolveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(VerificationServer).Resolve(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: resolveMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(VerificationServer).Resolve(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCServer answers verification requests over gRPC.
type GRPCServer struct {
	service *Service
}

// NewGRPCServer creates a new gRPC server.
func NewGRPCServer(service *Service) *GRPCServer {
	return &GRPCServer{service: service}
}

// Resolve verifies the certificate hash carried in req.
func (s *GRPCServer) Resolve(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	hash, err := ledger.ParseHash(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid certificate hash")
	}
	slog.Debug("received verification request", "hash", hash.Hex())

	out, err := s.service.Resolve(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrLedgerUnavailable) {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return outcomeToStruct(out)
}

// Register registers the gRPC service.
func (s *GRPCServer) Register(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&verificationServiceDesc, s)
}

// ResolveRemote asks a remote verification service about hash.
func ResolveRemote(ctx context.Context, cc grpc.ClientConnInterface, hash string, opts ...grpc.CallOption) (Outcome, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, resolveMethod, wrapperspb.String(hash), out, opts...); err != nil {
		return Outcome{}, err
	}
	return outcomeFromStruct(out)
}

func outcomeToStruct(out Outcome) (*structpb.Struct, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode outcome: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "encode outcome: %v", err)
	}
	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode outcome: %v", err)
	}
	return st, nil
}

func outcomeFromStruct(st *structpb.Struct) (Outcome, error) {
	data, err := json.Marshal(st.AsMap())
	if err != nil {
		return Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	var out Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	return out, nil
}
