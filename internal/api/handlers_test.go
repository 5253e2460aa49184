package api

import (
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/session"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

func TestFromStructStartParams(t *testing.T) {
	req, err := structpb.NewStruct(map[string]any{
		"mode":         "Simulation",
		"notify_email": true,
		"logs":         []any{map[string]any{"textPayload": "boom"}},
	})
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	params, err := FromStructStartParams(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.Mode != models.ModeSimulation || !params.NotifyEmail || len(params.Logs) != 1 {
		t.Fatalf("unexpected params: %+v", params)
	}

	empty, _ := structpb.NewStruct(map[string]any{"mode": "simulation", "content": "   "})
	if _, err := FromStructStartParams(empty); err == nil {
		t.Fatalf("expected error for simulation without logs")
	}
	live, _ := structpb.NewStruct(map[string]any{"mode": "live"})
	if params, err := FromStructStartParams(live); err != nil || params.Mode != models.ModeLive {
		t.Fatalf("live params: %+v %v", params, err)
	}
	if _, err := FromStructStartParams(nil); err == nil {
		t.Fatalf("expected error for nil request")
	}
}

func TestSessionSelector(t *testing.T) {
	byID, _ := structpb.NewStruct(map[string]any{"session_id": " abc ", "mode": "live"})
	if ref, err := SessionSelector(byID); err != nil || ref != "abc" {
		t.Fatalf("selector by id: %q %v", ref, err)
	}
	byMode, _ := structpb.NewStruct(map[string]any{"mode": "live"})
	if ref, err := SessionSelector(byMode); err != nil || ref != "live" {
		t.Fatalf("selector by mode: %q %v", ref, err)
	}
	none, _ := structpb.NewStruct(map[string]any{})
	if _, err := SessionSelector(none); err == nil {
		t.Fatalf("expected error without selector")
	}
}

func TestStreamPayload(t *testing.T) {
	report := &models.IncidentReport{GroupID: "g-1", Title: "DB down"}
	if got := StreamPayload(models.StreamEvent{Report: report}); got != report {
		t.Fatalf("expected report payload, got %#v", got)
	}

	msg, err := ToStructStreamEvent(models.StreamEvent{Done: true, Total: 3, State: models.SessionAborted})
	if err != nil {
		t.Fatalf("encode marker: %v", err)
	}
	m := msg.AsMap()
	if m["done"] != true || m["total"] != float64(3) || m["state"] != "ABORTED" {
		t.Fatalf("unexpected marker: %v", m)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err        error
		grpcCode   codes.Code
		httpStatus int
	}{
		{utils.NewAppError(utils.KindInvalidRequest, "op", "bad", nil), codes.InvalidArgument, http.StatusBadRequest},
		{utils.NewAppError(utils.KindIngestion, "op", "bad upload", nil), codes.FailedPrecondition, http.StatusBadRequest},
		{utils.NewAppError(utils.KindNotFound, "op", "missing", nil), codes.NotFound, http.StatusNotFound},
		{utils.NewAppError(utils.KindSessionConflict, "op", "superseded", nil), codes.Aborted, http.StatusConflict},
		{utils.NewAppError(utils.KindUnavailable, "op", "down", nil), codes.Unavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("stream: %w", session.ErrStreamBusy), codes.FailedPrecondition, http.StatusConflict},
		{&http.MaxBytesError{Limit: 10}, codes.Internal, http.StatusRequestEntityTooLarge},
		{fmt.Errorf("boom"), codes.Internal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := status.Code(GRPCError(tc.err)); got != tc.grpcCode {
			t.Fatalf("%v: expected gRPC %v, got %v", tc.err, tc.grpcCode, got)
		}
		if got := HTTPStatus(tc.err); got != tc.httpStatus {
			t.Fatalf("%v: expected HTTP %d, got %d", tc.err, tc.httpStatus, got)
		}
	}

	existing := status.Error(codes.PermissionDenied, "nope")
	if GRPCError(existing) != existing {
		t.Fatalf("status errors must pass through unchanged")
	}
	if GRPCError(nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
}
