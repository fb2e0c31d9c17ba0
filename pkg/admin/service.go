package admin

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "resilience.Admin"

// AdminServer is the admin surface of the resilience controller.
type AdminServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	CancelFiles(context.Context, *FileFilterRequest) (*CountResponse, error)
	CountFiles(context.Context, *FileFilterRequest) (*CountResponse, error)
	ListFiles(context.Context, *FileFilterRequest) (*ListFilesResponse, error)
	ListPools(context.Context, *PoolFilterRequest) (*ListPoolsResponse, error)
	CancelPools(context.Context, *PoolFilterRequest) (*CountResponse, error)
	SetIncluded(context.Context, *SetIncludedRequest) (*CountResponse, error)
	RunCheckpointNow(context.Context, *CheckpointRequest) (*CheckpointResponse, error)
	Scan(context.Context, *ScanRequest) (*CountResponse, error)
	SetPoolStatus(context.Context, *SetPoolStatusRequest) (*SetPoolStatusResponse, error)
}

func unary[Req, Resp any](method string, call func(AdminServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AdminServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + serviceName + "/" + method,
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(AdminServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Register", AdminServer.Register),
		unary("CancelFiles", AdminServer.CancelFiles),
		unary("CountFiles", AdminServer.CountFiles),
		unary("ListFiles", AdminServer.ListFiles),
		unary("ListPools", AdminServer.ListPools),
		unary("CancelPools", AdminServer.CancelPools),
		unary("SetIncluded", AdminServer.SetIncluded),
		unary("RunCheckpointNow", AdminServer.RunCheckpointNow),
		unary("Scan", AdminServer.Scan),
		unary("SetPoolStatus", AdminServer.SetPoolStatus),
	},
	Metadata: "resilience/admin",
}

func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&serviceDesc, srv)
}
