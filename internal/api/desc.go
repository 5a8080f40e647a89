package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name of the daemon.
const ServiceName = "chatcore.v1.Chat"

// Method names of the Chat service.
const (
	MethodDiagnostics       = "Diagnostics"
	MethodListConversations = "ListConversations"
	MethodSetActive         = "SetActive"
	MethodLoadMore          = "LoadMore"
	MethodListMessages      = "ListMessages"
	MethodSend              = "Send"
	MethodSendFile          = "SendFile"
	MethodRetry             = "Retry"
	MethodTyping            = "Typing"
	MethodMarkRead          = "MarkRead"
	MethodCallSignal        = "CallSignal"
	MethodReconnect         = "Reconnect"
	MethodResume            = "Resume"
	MethodLogin             = "Login"
	MethodLogout            = "Logout"
	MethodWatch             = "Watch"
)

// ChatServer is the server API of the Chat service. Requests and responses
// are google.protobuf.Struct values holding the JSON views of this package.
type ChatServer interface {
	Diagnostics(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetActive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadMore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendFile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Typing(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CallSignal(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resume(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(ChatServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ChatServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ChatServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServer).Watch(in, stream)
}

// ServiceDesc describes the Chat service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodDiagnostics, ChatServer.Diagnostics),
		unary(MethodListConversations, ChatServer.ListConversations),
		unary(MethodSetActive, ChatServer.SetActive),
		unary(MethodLoadMore, ChatServer.LoadMore),
		unary(MethodListMessages, ChatServer.ListMessages),
		unary(MethodSend, ChatServer.Send),
		unary(MethodSendFile, ChatServer.SendFile),
		unary(MethodRetry, ChatServer.Retry),
		unary(MethodTyping, ChatServer.Typing),
		unary(MethodMarkRead, ChatServer.MarkRead),
		unary(MethodCallSignal, ChatServer.CallSignal),
		unary(MethodReconnect, ChatServer.Reconnect),
		unary(MethodResume, ChatServer.Resume),
		unary(MethodLogin, ChatServer.Login),
		unary(MethodLogout, ChatServer.Logout),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatch,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatcore/v1/chat",
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ServiceDesc, srv)
}
