// Package pagestore serves a page file over gRPC so that swap can live on
// another machine. Messages are msgpack encoded.
package pagestore

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "rootd.pagestore.PageStore"

type OpenRequest struct {
	Size int64 `codec:"size"`
}

type OpenResponse struct {
	Session string `codec:"session"`
	Size    int64  `codec:"size"`
}

type ReadRequest struct {
	Session string `codec:"session"`
	Offset  int64  `codec:"offset"`
	Length  int32  `codec:"length"`
}

type ReadResponse struct {
	Data []byte `codec:"data"`
}

type WriteRequest struct {
	Session string `codec:"session"`
	Offset  int64  `codec:"offset"`
	Data    []byte `codec:"data"`
}

type WriteResponse struct {
	Written int32 `codec:"written"`
}

// PageStoreServer is the server side of the page store service.
type PageStoreServer interface {
	Open(context.Context, *OpenRequest) (*OpenResponse, error)
	Read(context.Context, *ReadRequest) (*ReadResponse, error)
	Write(context.Context, *WriteRequest) (*WriteResponse, error)
}

// RegisterPageStoreServer adds srv to s.
func RegisterPageStoreServer(s grpc.ServiceRegistrar, srv PageStoreServer) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(PageStoreServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PageStoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(PageStoreServer), ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PageStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Open", PageStoreServer.Open),
		unaryHandler("Read", PageStoreServer.Read),
		unaryHandler("Write", PageStoreServer.Write),
	},
	Metadata: "pagestore",
}

// Client is the client stub of the page store service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Open(ctx context.Context, in *OpenRequest, opts ...grpc.CallOption) (*OpenResponse, error) {
	out := new(OpenResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Open", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Read(ctx context.Context, in *ReadRequest, opts ...grpc.CallOption) (*ReadResponse, error) {
	out := new(ReadResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Read", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Write(ctx context.Context, in *WriteRequest, opts ...grpc.CallOption) (*WriteResponse, error) {
	out := new(WriteResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Write", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
