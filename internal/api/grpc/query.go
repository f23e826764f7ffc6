// Package grpc provides the gRPC API of the trace query service.
//
// Messages are google.protobuf.Struct values carrying the same JSON shapes
// as the HTTP API, so no generated code is needed.
package grpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	terrors "github.com/arkilian/tracequery/internal/errors"
	"github.com/arkilian/tracequery/internal/observability"
	"github.com/arkilian/tracequery/internal/processor"
	"github.com/arkilian/tracequery/internal/track"
)

// ServiceName is the fully qualified name of the query service.
const ServiceName = "tracequery.v1.QueryService"

const (
	executeMethod    = "/" + ServiceName + "/Execute"
	listTracksMethod = "/" + ServiceName + "/ListTracks"
)

// Querier runs query text against the table processors.
type Querier interface {
	Execute(ctx context.Context, text string, queryUpdated bool, rb processor.RowBuilder) (processor.Outcome, error)
}

// QueryService is the server API of the query service.
type QueryService interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListTracks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// QueryServer implements QueryService over a Querier and a track registry.
type QueryServer struct {
	querier Querier
	reg     *track.Registry
	logger  log.Logger
}

// NewQueryServer creates a new gRPC query server. reg may be nil, in which
// case ListTracks returns no tracks.
func NewQueryServer(q Querier, reg *track.Registry, logger log.Logger) *QueryServer {
	return &QueryServer{
		querier: q,
		reg:     reg,
		logger:  log.With(observability.OrNop(logger), "api", "grpc"),
	}
}

// Register adds the query service to s.
func (s *QueryServer) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

type executeResponse struct {
	Tables    []*processor.ResultTable `json:"tables"`
	Outcome   processor.Outcome        `json:"outcome"`
	ElapsedMs int64                    `json:"elapsed_ms"`
	RequestID string                   `json:"request_id"`
}

// Execute runs the query text in the "query" field. A true
// "query_updated" field forces a full refetch.
func (s *QueryServer) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	requestID := extractRequestID(ctx)
	grpc.SetHeader(ctx, metadata.Pairs("x-request-id", requestID))

	fields := req.GetFields()
	text := fields["query"].GetStringValue()
	if text == "" {
		return nil, status.Error(codes.InvalidArgument, "query is required")
	}
	updated := fields["query_updated"].GetBoolValue()

	start := time.Now()
	rs := &processor.ResultSet{}
	out, err := s.querier.Execute(ctx, text, updated, rs)
	if err != nil {
		level.Warn(s.logger).Log("msg", "query failed", "request_id", requestID, "err", err)
		return nil, toStatus(err)
	}

	resp := executeResponse{
		Tables:    rs.Tables,
		Outcome:   out,
		ElapsedMs: time.Since(start).Milliseconds(),
		RequestID: requestID,
	}
	if resp.Tables == nil {
		resp.Tables = []*processor.ResultTable{}
	}
	return toStruct(resp)
}

type listTracksResponse struct {
	Tracks  []track.Info `json:"tracks"`
	StartTS int64        `json:"start_ts"`
	EndTS   int64        `json:"end_ts"`
}

// ListTracks returns the discovered tracks. An optional "category" field
// restricts the listing.
func (s *QueryServer) ListTracks(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	resp := listTracksResponse{Tracks: []track.Info{}}
	if s.reg == nil {
		return toStruct(resp)
	}

	var filter *track.Category
	if v := req.GetFields()["category"].GetStringValue(); v != "" {
		c, err := track.ParseCategory(v)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		filter = &c
	}
	for _, t := range s.reg.Tracks() {
		if filter != nil && t.Category != *filter {
			continue
		}
		resp.Tracks = append(resp.Tracks, t.Info())
	}
	resp.StartTS, resp.EndTS = s.reg.TraceRange()
	return toStruct(resp)
}

// toStruct converts a JSON-tagged value to a Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// toStatus maps error categories and codes to gRPC status codes.
func toStatus(err error) error {
	code := codes.Internal
	switch terrors.GetCode(err) {
	case terrors.CodeNotLoaded:
		code = codes.FailedPrecondition
	case terrors.CodeExecutionTimeout:
		code = codes.DeadlineExceeded
	case terrors.CodeObjectNotFound, terrors.CodeUnknownTrack:
		code = codes.NotFound
	case terrors.CodeInterrupted:
		code = codes.Canceled
	default:
		switch terrors.GetCategory(err) {
		case terrors.ErrCategoryValidation, terrors.ErrCategoryParse:
			code = codes.InvalidArgument
		case terrors.ErrCategoryStorage:
			code = codes.Unavailable
		}
	}
	return status.Error(code, err.Error())
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 && ids[0] != "" {
			return ids[0]
		}
	}
	return uuid.New().String()
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueryService).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueryService).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listTracksHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QueryService).ListTracks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listTracksMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(QueryService).ListTracks(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueryService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "ListTracks", Handler: listTracksHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tracequery/v1/query.proto",
}

// Client calls a remote query service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client over cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Execute sends query text and returns the decoded response fields.
func (c *Client) Execute(ctx context.Context, text string, queryUpdated bool) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"query": text, "query_updated": queryUpdated})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, executeMethod, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListTracks lists the tracks of the remote service, optionally restricted
// to one category.
func (c *Client) ListTracks(ctx context.Context, category string) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"category": category})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listTracksMethod, in, out); err != nil {
		return nil, err
	}
	return out, nil
}
