// Package grpcserver implements the IngestionService gRPC server.
//
// It delegates all business logic to ingestion.Service and handles
// only the gRPC transport concerns: request decoding, error mapping,
// and conversion of domain values into protobuf Struct messages.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"jobmate/ingestion-service/internal/ingestion"
	"jobmate/ingestion-service/internal/model"
	"jobmate/ingestion-service/internal/queue"
	"jobmate/ingestion-service/internal/store"
)

// Service is the subset of ingestion.Service exposed over gRPC.
type Service interface {
	TriggerFetchAll() ingestion.TriggerResult
	ListImportLogs(ctx context.Context, f store.LogFilter) (store.Page[model.ImportLog], error)
	GetImportLog(ctx context.Context, id string) (*model.ImportLog, error)
	Dashboard(ctx context.Context) (*ingestion.Dashboard, error)
	QueueDepth(ctx context.Context) (queue.Depth, error)
	ListJobs(ctx context.Context, f store.JobFilter) (store.Page[model.StoredJob], error)
}

// ValidationError reports a malformed request field.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Server implements IngestionServer.
type Server struct {
	svc Service
}

// NewServer constructs a gRPC Server backed by the given Service.
func NewServer(svc Service) *Server {
	return &Server{svc: svc}
}

// ─── RPC implementations ──────────────────────────────────────────────────────

// TriggerFetchAll starts a background fetch cycle and acknowledges at once.
func (s *Server) TriggerFetchAll(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return toStruct(s.svc.TriggerFetchAll())
}

// ListImportLogs returns a page of import logs. Request fields: page, limit,
// startDate, endDate (RFC 3339 or YYYY-MM-DD) and search.
func (s *Server) ListImportLogs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := store.LogFilter{
		Page:     intField(req, "page"),
		PageSize: intField(req, "limit"),
		Search:   stringField(req, "search"),
	}
	var err error
	if f.Start, err = dateField(req, "startDate", false); err != nil {
		return nil, toGRPCError(err)
	}
	if f.End, err = dateField(req, "endDate", true); err != nil {
		return nil, toGRPCError(err)
	}

	page, err := s.svc.ListImportLogs(ctx, f)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return toStruct(page)
}

// GetImportLog returns one import log by id.
func (s *Server) GetImportLog(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := stringField(req, "id")
	if id == "" {
		return nil, toGRPCError(&ValidationError{Msg: "id is required"})
	}

	log, err := s.svc.GetImportLog(ctx, id)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return toStruct(log)
}

// GetDashboard returns the dashboard aggregates.
func (s *Server) GetDashboard(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	d, err := s.svc.Dashboard(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return toStruct(d)
}

// GetQueueDepth returns the queue counts and Redis latency.
func (s *Server) GetQueueDepth(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	d, err := s.svc.QueueDepth(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return toStruct(d)
}

// ListJobs returns a page of stored jobs. Request fields: page, limit,
// search and source.
func (s *Server) ListJobs(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	page, err := s.svc.ListJobs(ctx, store.JobFilter{
		Page:     intField(req, "page"),
		PageSize: intField(req, "limit"),
		Search:   stringField(req, "search"),
		Source:   stringField(req, "source"),
	})
	if err != nil {
		return nil, toGRPCError(err)
	}
	return toStruct(page)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// toGRPCError maps domain errors to gRPC status errors.
func toGRPCError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return status.Error(codes.InvalidArgument, ve.Msg)
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, "internal server error")
}

// toStruct converts a JSON-tagged value to a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func stringField(req *structpb.Struct, name string) string {
	return req.GetFields()[name].GetStringValue()
}

// intField accepts numbers and numeric strings; anything else is zero and
// falls back to the default downstream.
func intField(req *structpb.Struct, name string) int {
	v := req.GetFields()[name]
	switch v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return int(v.GetNumberValue())
	case *structpb.Value_StringValue:
		var n int
		if _, err := fmt.Sscan(v.GetStringValue(), &n); err == nil {
			return n
		}
	}
	return 0
}

// dateField parses an optional date. A bare date used as an upper bound
// covers the whole day.
func dateField(req *structpb.Struct, name string, endOfDay bool) (*time.Time, error) {
	raw := stringField(req, name)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("%s must be RFC 3339 or YYYY-MM-DD, got %q", name, raw)}
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}
