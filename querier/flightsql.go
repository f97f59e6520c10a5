package querier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/flight"
	flightgen "github.com/apache/arrow/go/v14/arrow/flight/gen/flight"
	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/buger/jsonparser"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/gigapi/gigapi-cache/cache"
	"github.com/gigapi/gigapi-cache/core"
)

const (
	filterMetadataPrefix = "filter-"
	ticketTTL            = 5 * time.Minute
)

// Reader answers cache reads.
type Reader interface {
	Read(ctx context.Context, q cache.Query) (*cache.Result, error)
}

type pendingResult struct {
	record  arrow.Record
	created time.Time
}

// FlightServer exposes cache reads as Arrow record batches. Every column is
// a nullable utf8 field in projection order.
type FlightServer struct {
	flightgen.UnimplementedFlightServiceServer
	reader Reader
	mem    memory.Allocator

	results     map[string]pendingResult
	resultsLock sync.Mutex
}

var flightReqId int32

// NewFlightServer creates a Flight server reading from r.
func NewFlightServer(r Reader) *FlightServer {
	return &FlightServer{
		reader:  r,
		mem:     memory.DefaultAllocator,
		results: make(map[string]pendingResult),
	}
}

// queryFromDescriptor builds a query from a PATH descriptor ([search]) or a
// CMD descriptor holding {"filters": {...}, "search": "..."}, raw or wrapped
// in an Any. Metadata keys filter-<field> add exact-match filters.
func queryFromDescriptor(ctx context.Context, desc *flight.FlightDescriptor) (cache.Query, error) {
	q := cache.Query{Filters: map[string]string{}}
	if desc == nil {
		return q, errors.New("missing descriptor")
	}

	switch desc.Type {
	case flight.DescriptorPATH:
		if len(desc.Path) > 1 {
			return q, fmt.Errorf("path descriptor takes at most one element, got %d", len(desc.Path))
		}
		if len(desc.Path) == 1 {
			q.Search = desc.Path[0]
		}
	case flight.DescriptorCMD:
		cmd := desc.Cmd
		var wrapped anypb.Any
		if err := proto.Unmarshal(cmd, &wrapped); err == nil && wrapped.TypeUrl != "" {
			cmd = wrapped.Value
		}
		if len(strings.TrimSpace(string(cmd))) > 0 {
			if err := parseCommand(cmd, &q); err != nil {
				return q, err
			}
		}
	default:
		return q, fmt.Errorf("unsupported flight descriptor type: %v", desc.Type)
	}

	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for k, v := range md {
			if field, ok := strings.CutPrefix(k, filterMetadataPrefix); ok && len(v) > 0 {
				q.Filters[field] = v[0]
			}
		}
	}
	return q, nil
}

func parseCommand(cmd []byte, q *cache.Query) error {
	if search, err := jsonparser.GetString(cmd, "search"); err == nil {
		q.Search = search
	} else if !errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return fmt.Errorf("invalid search in command: %w", err)
	}

	raw, dt, _, err := jsonparser.Get(cmd, "filters")
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid command: %w", err)
	}
	if dt != jsonparser.Object {
		return errors.New("filters must be an object")
	}
	filters, err := parseJSONFilters(raw)
	if err != nil {
		return fmt.Errorf("invalid filters in command: %w", err)
	}
	for k, v := range filters {
		q.Filters[k] = v
	}
	return nil
}

func (s *FlightServer) query(ctx context.Context, desc *flight.FlightDescriptor) (arrow.Record, error) {
	q, err := queryFromDescriptor(ctx, desc)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.reader.Read(ctx, q)
	if err != nil {
		return nil, grpcError(err)
	}
	return resultToArrow(res, s.mem), nil
}

// GetSchema implements the FlightService interface
func (s *FlightServer) GetSchema(ctx context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	ctx = core.WithDefaultLogger(ctx, fmt.Sprintf("flight-%d", atomic.AddInt32(&flightReqId, 1)))
	rec, err := s.query(ctx, desc)
	if err != nil {
		core.Warnf(ctx, "GetSchema failed: %v", err)
		return nil, err
	}
	defer rec.Release()
	return &flight.SchemaResult{Schema: flight.SerializeSchema(rec.Schema(), s.mem)}, nil
}

// GetFlightInfo runs the read and keeps the record until it is fetched with
// DoGet.
func (s *FlightServer) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	ctx = core.WithDefaultLogger(ctx, fmt.Sprintf("flight-%d", atomic.AddInt32(&flightReqId, 1)))
	rec, err := s.query(ctx, desc)
	if err != nil {
		core.Warnf(ctx, "GetFlightInfo failed: %v", err)
		return nil, err
	}

	ticketID := uuid.NewString()
	s.resultsLock.Lock()
	s.pruneLocked(time.Now())
	s.results[ticketID] = pendingResult{record: rec, created: time.Now()}
	s.resultsLock.Unlock()

	core.Debugf(ctx, "Returning flight info with %d records", rec.NumRows())
	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(rec.Schema(), s.mem),
		FlightDescriptor: desc,
		Endpoint: []*flight.FlightEndpoint{
			{Ticket: &flight.Ticket{Ticket: []byte(ticketID)}},
		},
		TotalRecords: rec.NumRows(),
		TotalBytes:   -1,
	}, nil
}

// pruneLocked releases records whose tickets were never redeemed.
func (s *FlightServer) pruneLocked(now time.Time) {
	for id, p := range s.results {
		if now.Sub(p.created) > ticketTTL {
			p.record.Release()
			delete(s.results, id)
		}
	}
}

// DoGet streams the record stored for the ticket. A ticket can be redeemed
// once.
func (s *FlightServer) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	ctx := core.WithDefaultLogger(stream.Context(), fmt.Sprintf("flight-%d", atomic.AddInt32(&flightReqId, 1)))

	s.resultsLock.Lock()
	p, exists := s.results[string(ticket.Ticket)]
	delete(s.results, string(ticket.Ticket))
	s.resultsLock.Unlock()
	if !exists {
		return status.Errorf(codes.NotFound, "no results found for ticket: %s", string(ticket.Ticket))
	}
	defer p.record.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(p.record.Schema()))
	if err := writer.Write(p.record); err != nil {
		core.Errorf(ctx, "Failed to write record batch: %v", err)
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	core.Debugf(ctx, "Wrote record batch with %d rows", p.record.NumRows())
	return writer.Close()
}

// Close releases records that were never fetched.
func (s *FlightServer) Close() {
	s.resultsLock.Lock()
	defer s.resultsLock.Unlock()
	for id, p := range s.results {
		p.record.Release()
		delete(s.results, id)
	}
}

func grpcError(err error) error {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return status.Error(codes.InvalidArgument, err.Error())
	case http.StatusNotFound:
		return status.Error(codes.NotFound, err.Error())
	case http.StatusRequestTimeout, http.StatusServiceUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// resultToArrow converts a result to a record of nullable utf8 columns.
func resultToArrow(res *cache.Result, mem memory.Allocator) arrow.Record {
	fields := make([]arrow.Field, len(res.Columns))
	for i, c := range res.Columns {
		fields[i] = arrow.Field{Name: c, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	arrays := make([]arrow.Array, len(fields))
	for i := range fields {
		builder := array.NewStringBuilder(mem)
		builder.Reserve(len(res.Records))
		for _, rec := range res.Records {
			v := rec.Values()[i]
			if !v.Valid {
				builder.AppendNull()
				continue
			}
			builder.Append(v.String)
		}
		arrays[i] = builder.NewArray()
		builder.Release()
	}

	rec := array.NewRecord(schema, arrays, int64(len(res.Records)))
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

// NewFlightGRPCServer registers the Flight service on a new gRPC server.
func NewFlightGRPCServer(fs *FlightServer) *grpc.Server {
	s := grpc.NewServer()
	flightgen.RegisterFlightServiceServer(s, fs)
	reflection.Register(s)
	return s
}

// StartFlightServer serves s on port until it is stopped.
func StartFlightServer(ctx context.Context, port int, s *grpc.Server) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	core.Infof(ctx, "Flight server listening on port %d", port)
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
