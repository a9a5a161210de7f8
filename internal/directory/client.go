// Package directory implements the directory client and service over gRPC.
package directory

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rmacdonaldsmith/twinmesh-go/internal/twinwire"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/directory"
	"github.com/rmacdonaldsmith/twinmesh-go/pkg/twin"
)

// GRPCClient implements directory.Client over a gRPC connection.
type GRPCClient struct {
	conn   grpc.ClientConnInterface
	tokens TokenSource
	logger *zap.Logger
}

// ClientOption configures a GRPCClient.
type ClientOption func(*GRPCClient)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *GRPCClient) {
		c.logger = logger
	}
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface, tokens TokenSource, opts ...ClientOption) (*GRPCClient, error) {
	if tokens == nil {
		return nil, ErrNilTokenSource
	}
	c := &GRPCClient{conn: conn, tokens: tokens, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("directory")
	return c, nil
}

// Dial creates a connection to the configured address. The caller closes it.
func Dial(config *Config) (*grpc.ClientConn, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	configCopy := *config
	configCopy.SetDefaults()

	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(configCopy.MaxMessageSize)),
	}
	if configCopy.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}
	conn, err := grpc.NewClient(configCopy.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory connection: %w", err)
	}
	return conn, nil
}

// outgoing stamps the bearer token and a transaction reference onto ctx.
func (c *GRPCClient) outgoing(ctx context.Context, op string) (context.Context, error) {
	token, err := c.tokens.Token()
	if err != nil {
		return nil, directory.NewError(op, directory.ErrRemote, fmt.Errorf("obtaining token: %w", err))
	}
	return metadata.AppendToOutgoingContext(ctx,
		authorizationHeader, "Bearer "+token,
		transactionRefHeader, uuid.NewString(),
	), nil
}

// fail classifies err and drops a cached token the directory rejected.
func (c *GRPCClient) fail(op string, err error) error {
	err = classify(op, err)
	if directory.IsAuthExpired(err) {
		if inv, ok := c.tokens.(invalidator); ok {
			inv.Invalidate()
		}
	}
	return err
}

// Search implements directory.Client.
func (c *GRPCClient) Search(ctx context.Context, req directory.SearchRequest) (directory.SearchStream, error) {
	const op = "Search"
	msg, err := twinwire.EncodeSearch(req)
	if err != nil {
		return nil, fmt.Errorf("encoding search: %w", err)
	}
	stream, err := c.openStream(ctx, op, &searchStreamDesc, searchMethod, msg)
	if err != nil {
		return nil, err
	}
	return &searchStream{client: c, stream: stream}, nil
}

// FetchInterest implements directory.Client. It waits for the response headers the
// service sends once the stream is registered.
func (c *GRPCClient) FetchInterest(ctx context.Context, req directory.FetchRequest) (directory.InterestStream, error) {
	const op = "FetchInterest"
	msg, err := twinwire.EncodeFetch(req)
	if err != nil {
		return nil, fmt.Errorf("encoding interest: %w", err)
	}
	stream, err := c.openStream(ctx, op, &fetchInterestStreamDesc, fetchInterestMethod, msg)
	if err != nil {
		return nil, err
	}

	md, err := stream.Header()
	if err != nil {
		return nil, c.fail(op, err)
	}
	if md == nil {
		// Terminated without headers: the status is only visible through RecvMsg.
		err := stream.RecvMsg(new(structpb.Struct))
		if err == nil || err == io.EOF {
			return nil, directory.NewError(op, directory.ErrTransport, io.ErrUnexpectedEOF)
		}
		return nil, c.fail(op, err)
	}

	c.logger.Debug("interest stream open", zap.Stringer("interest", req.Interest))
	return &interestStream{client: c, stream: stream}, nil
}

func (c *GRPCClient) openStream(ctx context.Context, op string, desc *grpc.StreamDesc, method string, msg *structpb.Struct) (grpc.ClientStream, error) {
	ctx, err := c.outgoing(ctx, op)
	if err != nil {
		return nil, err
	}
	stream, err := c.conn.NewStream(ctx, desc, method)
	if err != nil {
		return nil, c.fail(op, err)
	}
	if err := stream.SendMsg(msg); err != nil {
		return nil, c.fail(op, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, c.fail(op, err)
	}
	return stream, nil
}

// ShareFeedData implements directory.Client.
func (c *GRPCClient) ShareFeedData(ctx context.Context, req directory.ShareRequest) (directory.Ack, error) {
	const op = "ShareFeedData"
	msg, err := twinwire.EncodeShare(req)
	if err != nil {
		return directory.Ack{}, fmt.Errorf("encoding share: %w", err)
	}
	ctx, err = c.outgoing(ctx, op)
	if err != nil {
		return directory.Ack{}, err
	}
	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, shareFeedDataMethod, msg, reply); err != nil {
		return directory.Ack{}, c.fail(op, err)
	}
	ack, err := twinwire.DecodeAck(reply)
	if err != nil {
		return directory.Ack{}, directory.NewError(op, directory.ErrRemote, err)
	}
	return ack, nil
}

// UpsertTwin implements directory.Client.
func (c *GRPCClient) UpsertTwin(ctx context.Context, req directory.UpsertRequest) (twin.TwinRef, error) {
	const op = "UpsertTwin"
	msg, err := twinwire.EncodeTwin(req.Twin)
	if err != nil {
		return twin.TwinRef{}, fmt.Errorf("encoding twin: %w", err)
	}
	ctx, err = c.outgoing(ctx, op)
	if err != nil {
		return twin.TwinRef{}, err
	}
	reply := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, upsertTwinMethod, msg, reply); err != nil {
		return twin.TwinRef{}, c.fail(op, err)
	}
	return twinwire.DecodeTwinRef(reply), nil
}

type searchStream struct {
	client *GRPCClient
	stream grpc.ClientStream
}

func (s *searchStream) Recv() ([]twin.TwinModel, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return nil, s.client.fail("Search", err)
	}
	page, err := twinwire.DecodeTwins(msg)
	if err != nil {
		return nil, directory.NewError("Search", directory.ErrRemote, err)
	}
	return page, nil
}

type interestStream struct {
	client *GRPCClient
	stream grpc.ClientStream
}

func (s *interestStream) Recv() (twin.FeedRecord, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return twin.FeedRecord{}, s.client.fail("FetchInterest", err)
	}
	rec, err := twinwire.DecodeRecord(msg)
	if err != nil {
		return twin.FeedRecord{}, directory.NewError("FetchInterest", directory.ErrRemote, err)
	}
	return rec, nil
}

var _ directory.Client = (*GRPCClient)(nil)
