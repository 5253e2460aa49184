package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/session"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

// StartParams is the decoded StartSession request.
type StartParams struct {
	Mode        models.Mode
	NotifyEmail bool
	// Logs holds inline payloads for simulation sessions.
	Logs []any
	// Content holds raw file content (JSON array or JSON Lines) for simulation sessions.
	Content string
}

// FromStructStartParams decodes a StartSession request.
func FromStructStartParams(req *structpb.Struct) (StartParams, error) {
	if req == nil {
		return StartParams{}, fmt.Errorf("request is nil")
	}
	m := req.AsMap()
	rawMode, _ := m["mode"].(string)
	mode, err := models.ParseMode(rawMode)
	if err != nil {
		return StartParams{}, err
	}
	params := StartParams{Mode: mode}
	params.NotifyEmail, _ = m["notify_email"].(bool)
	if mode == models.ModeSimulation {
		params.Logs, _ = m["logs"].([]any)
		params.Content, _ = m["content"].(string)
		if len(params.Logs) == 0 && strings.TrimSpace(params.Content) == "" {
			return StartParams{}, fmt.Errorf("simulation sessions require logs or content")
		}
	}
	return params, nil
}

// SessionSelector extracts a session reference: an explicit session_id, or
// a mode naming that mode's current session.
func SessionSelector(req *structpb.Struct) (string, error) {
	if req == nil {
		return "", fmt.Errorf("request is nil")
	}
	m := req.AsMap()
	if id, _ := m["session_id"].(string); strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id), nil
	}
	if mode, _ := m["mode"].(string); strings.TrimSpace(mode) != "" {
		return strings.TrimSpace(mode), nil
	}
	return "", fmt.Errorf("session_id or mode is required")
}

// ToStruct converts any JSON-serialisable value into a protobuf Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return structpb.NewStruct(m)
}

// StreamPayload is the wire form of a stream element: the report itself, or
// the terminal marker.
func StreamPayload(ev models.StreamEvent) any {
	if ev.Done || ev.Report == nil {
		return map[string]any{"done": true, "total": ev.Total, "state": string(ev.State)}
	}
	return ev.Report
}

// ToStructStreamEvent converts a stream element for the gRPC stream.
func ToStructStreamEvent(ev models.StreamEvent) (*structpb.Struct, error) {
	return ToStruct(StreamPayload(ev))
}

// GRPCCode maps application errors onto gRPC codes.
func GRPCCode(err error) codes.Code {
	if errors.Is(err, session.ErrStreamBusy) {
		return codes.FailedPrecondition
	}
	switch utils.KindOf(err) {
	case utils.KindInvalidRequest:
		return codes.InvalidArgument
	case utils.KindNotFound:
		return codes.NotFound
	case utils.KindIngestion:
		return codes.FailedPrecondition
	case utils.KindSessionConflict:
		return codes.Aborted
	case utils.KindUnavailable:
		return codes.Unavailable
	}
	return codes.Internal
}

// GRPCError converts err into a status error.
func GRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(GRPCCode(err), err.Error())
}

// HTTPStatus maps application errors onto HTTP status codes.
func HTTPStatus(err error) int {
	if errors.Is(err, session.ErrStreamBusy) {
		return http.StatusConflict
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return http.StatusRequestEntityTooLarge
	}
	switch utils.KindOf(err) {
	case utils.KindInvalidRequest, utils.KindIngestion:
		return http.StatusBadRequest
	case utils.KindNotFound:
		return http.StatusNotFound
	case utils.KindSessionConflict:
		return http.StatusConflict
	case utils.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
