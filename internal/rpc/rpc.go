// Package rpc defines the wire contract between the dispatcher and the
// per-type services: a generic unary gRPC method carrying msgpack-encoded
// envelopes. The envelope names the remote target and the schemas used to
// re-validate the payload on each side; a reply tagged MethodCallError is a
// worker-side failure travelling as a normal response.
package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName and MethodName identify the generic unary RPC.
const (
	ServiceName = "smi.GenericService"
	MethodName  = "ProcessData"
	FullMethod  = "/smi.GenericService/ProcessData"
)

// ProcessRequest is the dispatcher-to-service envelope.
type ProcessRequest struct {
	JSONPayload   []byte `msgpack:"json_payload"`
	RemoteClass   string `msgpack:"remote_class"`
	RemoteMethod  string `msgpack:"remote_method"`
	RequestModel  string `msgpack:"request_model_class"`
	ResponseModel string `msgpack:"response_model_class"`
	RemoteFunc    string `msgpack:"remote_function"`
	RemoteModule  string `msgpack:"remote_module"`
	WorkerID      string `msgpack:"worker_id"`
	Storage       string `msgpack:"storage"`
	KeepAlive     int    `msgpack:"keep_alive"`
}

// ProcessResponse is the service-to-dispatcher envelope. ResponseModel
// equals model.MethodCallErrorName when JSONPayload is a failure envelope.
type ProcessResponse struct {
	JSONPayload   []byte `msgpack:"json_payload"`
	ResponseModel string `msgpack:"response_model_class"`
}

// GenericServer is implemented by the per-type services.
type GenericServer interface {
	ProcessData(ctx context.Context, req *ProcessRequest) (*ProcessResponse, error)
}

// RegisterGenericServer registers srv on a gRPC server.
func RegisterGenericServer(s grpc.ServiceRegistrar, srv GenericServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GenericServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: MethodName,
			Handler:    processDataHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "smi/rpc",
}

func processDataHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ProcessRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GenericServer).ProcessData(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: FullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GenericServer).ProcessData(ctx, req.(*ProcessRequest))
	}
	return interceptor(ctx, in, info, handler)
}
