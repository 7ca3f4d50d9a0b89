package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "jobmate.ingestion.v1.IngestionService"

// IngestionServer is the server API for IngestionService. Messages are the
// protobuf well-known Empty and Struct types.
type IngestionServer interface {
	TriggerFetchAll(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListImportLogs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetImportLog(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDashboard(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetQueueDepth(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// FullMethod returns the invoke path of method, e.g. for ClientConn.Invoke.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv IngestionServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes IngestionService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IngestionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("TriggerFetchAll", newEmpty, IngestionServer.TriggerFetchAll),
		unary("ListImportLogs", newStruct, IngestionServer.ListImportLogs),
		unary("GetImportLog", newStruct, IngestionServer.GetImportLog),
		unary("GetDashboard", newEmpty, IngestionServer.GetDashboard),
		unary("GetQueueDepth", newEmpty, IngestionServer.GetQueueDepth),
		unary("ListJobs", newStruct, IngestionServer.ListJobs),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "jobmate/ingestion/v1/ingestion.proto",
}

func newEmpty() *emptypb.Empty { return new(emptypb.Empty) }

func newStruct() *structpb.Struct { return new(structpb.Struct) }

// unary builds the method descriptor for one request/response RPC, in the
// shape protoc-gen-go-grpc generates.
func unary[Req proto.Message](
	name string,
	newReq func() Req,
	call func(IngestionServer, context.Context, Req) (*structpb.Struct, error),
) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(IngestionServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(IngestionServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
