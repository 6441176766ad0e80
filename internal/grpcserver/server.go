package grpcserver

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/storycredits/internal/rpcapi"
	"github.com/MarkoPoloResearchLab/storycredits/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "storycredits.ledger.v1.CreditLedger"

const errorMalformedRequest = "malformed_request"

// LedgerServer is the handler type checked by grpc.RegisterService.
type LedgerServer interface {
	rpcHandler() *rpcapi.Handler
}

// CreditLedgerServer exposes the ledger over gRPC. Rejections travel in
// the response body with ok=false; only hard failures become statuses.
type CreditLedgerServer struct {
	handler *rpcapi.Handler
	logger  *zap.Logger
}

// NewCreditLedgerServer constructs a gRPC server for the ledger handler.
func NewCreditLedgerServer(handler *rpcapi.Handler, logger *zap.Logger) *CreditLedgerServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CreditLedgerServer{handler: handler, logger: logger}
}

func (server *CreditLedgerServer) rpcHandler() *rpcapi.Handler {
	return server.handler
}

// Register adds the ledger service to registrar.
func Register(registrar grpc.ServiceRegistrar, server *CreditLedgerServer) {
	registrar.RegisterService(ServiceDesc(), server)
}

// ServiceDesc describes every ledger procedure as a unary method.
func ServiceDesc() *grpc.ServiceDesc {
	procedures := rpcapi.Procedures()
	methods := make([]grpc.MethodDesc, 0, len(procedures))
	for _, procedure := range procedures {
		methods = append(methods, grpc.MethodDesc{
			MethodName: procedure.Name,
			Handler:    unaryHandler(procedure),
		})
	}
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*LedgerServer)(nil),
		Methods:     methods,
		Streams:     []grpc.StreamDesc{},
		Metadata:    "storycredits/ledger/v1/ledger.json",
	}
}

// FullMethod returns the gRPC method path of a procedure.
func FullMethod(procedure string) string {
	return "/" + ServiceName + "/" + procedure
}

func unaryHandler(procedure rpcapi.Procedure) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		server := srv.(*CreditLedgerServer)
		request := procedure.NewRequest()
		if err := decode(request); err != nil {
			return nil, status.Error(codes.InvalidArgument, errorMalformedRequest)
		}
		call := func(ctx context.Context, request any) (any, error) {
			response, err := procedure.Call(ctx, server.rpcHandler(), request)
			if err != nil {
				return nil, server.mapToGRPCError(procedure.Name, err)
			}
			return response, nil
		}
		if interceptor == nil {
			return call(ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(procedure.Name)}
		return interceptor(ctx, request, info, call)
	}
}

func (server *CreditLedgerServer) mapToGRPCError(procedure string, source error) error {
	switch {
	case errors.Is(source, rpcapi.ErrMalformedRequest):
		return status.Error(codes.InvalidArgument, errorMalformedRequest)
	case errors.Is(source, context.Canceled):
		return status.Error(codes.Canceled, source.Error())
	case errors.Is(source, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, source.Error())
	}
	server.logger.Error("ledger procedure failed", zap.String("procedure", procedure), zap.Error(source))
	var operationError ledger.OperationError
	if errors.As(source, &operationError) {
		return status.Error(codes.Unavailable, operationError.Operation()+"."+operationError.Subject()+"."+operationError.Code())
	}
	return status.Error(codes.Internal, source.Error())
}
