package directory

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rmacdonaldsmith/twinmesh-go/internal/twinwire"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "twinmesh.directory.v1.Directory"

const (
	searchMethod        = "/" + ServiceName + "/Search"
	fetchInterestMethod = "/" + ServiceName + "/FetchInterest"
	shareFeedDataMethod = "/" + ServiceName + "/ShareFeedData"
	upsertTwinMethod    = "/" + ServiceName + "/UpsertTwin"
)

// Handler serves directory requests. Implementations decide search semantics,
// storage and authorization beyond token validation.
type Handler interface {
	Search(ctx context.Context, req directory.SearchRequest, send func([]twin.TwinModel) error) error
	FetchInterest(ctx context.Context, req directory.FetchRequest, stream InterestSender) error
	ShareFeedData(ctx context.Context, req directory.ShareRequest) (directory.Ack, error)
	UpsertTwin(ctx context.Context, req directory.UpsertRequest) (twin.TwinRef, error)
}

// InterestSender is the server side of a follow stream. Ack must be called once the
// interest is accepted and before the first Send.
type InterestSender interface {
	Ack() error
	Send(twin.FeedRecord) error
}

var searchStreamDesc = grpc.StreamDesc{StreamName: "Search", ServerStreams: true}
var fetchInterestStreamDesc = grpc.StreamDesc{StreamName: "FetchInterest", ServerStreams: true}

// ServiceDesc describes the directory service. Messages are protobuf Structs so the
// default codec carries them without generated code.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ShareFeedData", Handler: shareFeedDataHandler},
		{MethodName: "UpsertTwin", Handler: upsertTwinHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Search", Handler: searchHandler, ServerStreams: true},
		{StreamName: "FetchInterest", Handler: fetchInterestHandler, ServerStreams: true},
	},
	Metadata: "twinmesh/directory/v1/directory.proto",
}

// RegisterHandler registers h on s.
func RegisterHandler(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

func shareFeedDataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		share, err := twinwire.DecodeShare(req.(*structpb.Struct))
		if err != nil {
			return nil, invalidArgument(err)
		}
		ack, err := srv.(Handler).ShareFeedData(ctx, share)
		if err != nil {
			return nil, toStatus(err)
		}
		return twinwire.EncodeAck(ack)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: shareFeedDataMethod}
	return interceptor(ctx, in, info, call)
}

func upsertTwinHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		model, err := twinwire.DecodeTwin(req.(*structpb.Struct))
		if err != nil {
			return nil, invalidArgument(err)
		}
		ref, err := srv.(Handler).UpsertTwin(ctx, directory.UpsertRequest{Twin: model})
		if err != nil {
			return nil, toStatus(err)
		}
		return twinwire.EncodeTwinRef(ref)
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: upsertTwinMethod}
	return interceptor(ctx, in, info, call)
}

func searchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req, err := twinwire.DecodeSearch(in)
	if err != nil {
		return invalidArgument(err)
	}
	send := func(page []twin.TwinModel) error {
		msg, err := twinwire.EncodeTwins(page)
		if err != nil {
			return err
		}
		return stream.SendMsg(msg)
	}
	return toStatus(srv.(Handler).Search(stream.Context(), req, send))
}

func fetchInterestHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	req := twinwire.DecodeFetch(in)
	if err := req.Interest.Validate(); err != nil {
		return invalidArgument(err)
	}
	return toStatus(srv.(Handler).FetchInterest(stream.Context(), req, &interestSender{stream: stream, interest: req.Interest}))
}

type interestSender struct {
	stream   grpc.ServerStream
	interest twin.Interest
	acked    bool
}

// Ack sends the response headers, which the client waits for before returning the stream.
func (s *interestSender) Ack() error {
	if s.acked {
		return nil
	}
	s.acked = true
	return s.stream.SendHeader(metadata.Pairs("x-interest", s.interest.FollowedFeed.String()))
}

func (s *interestSender) Send(rec twin.FeedRecord) error {
	if err := s.Ack(); err != nil {
		return err
	}
	msg, err := twinwire.EncodeRecord(rec)
	if err != nil {
		return err
	}
	return s.stream.SendMsg(msg)
}

// NewServer returns a gRPC server serving h, authenticating calls with validator.
// A nil validator disables authentication.
func NewServer(h Handler, validator TokenValidator, opts ...grpc.ServerOption) *grpc.Server {
	if validator != nil {
		opts = append(ServerOptions(validator), opts...)
	}
	s := grpc.NewServer(opts...)
	RegisterHandler(s, h)
	return s
}
