package services

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-logwatch/internal/api"
	"github.com/miradorstack/mirador-logwatch/internal/ingest"
	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/repo"
	"github.com/miradorstack/mirador-logwatch/internal/rules"
	"github.com/miradorstack/mirador-logwatch/internal/session"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

// LiveSourceFactory opens the log source of a new live session.
type LiveSourceFactory func(ctx context.Context) (session.LogSource, error)

// RuleLister exposes the loaded rule set.
type RuleLister interface {
	Rules() []*rules.Rule
}

// CloudLoggingSource returns a factory that validates the Cloud Logging
// credentials before every live session and then polls for new entries.
func CloudLoggingSource(client *repo.CloudLoggingClient, cfg ingest.PollingConfig, logger *slog.Logger) LiveSourceFactory {
	return func(ctx context.Context) (session.LogSource, error) {
		if client == nil || client.ProjectID() == "" {
			return nil, utils.NewAppError(utils.KindUnavailable, "start live session", "cloud logging is not configured", nil)
		}
		if err := client.Validate(ctx); err != nil {
			return nil, utils.NewAppError(utils.KindIngestion, "start live session", "cloud logging credentials rejected", err)
		}
		return ingest.NewPollingSource(client, cfg, logger), nil
	}
}

// LogWatchService implements the LogWatch gRPC service and the HTTP session surface.
type LogWatchService struct {
	api.UnimplementedLogWatchServer

	logger    *slog.Logger
	registry  *session.Registry
	rules     RuleLister
	live      LiveSourceFactory
	replay    ingest.ReplayOptions
	latencies *utils.LatencyTracker
}

// NewLogWatchService constructs the service facade.
func NewLogWatchService(logger *slog.Logger, registry *session.Registry, ruleSet RuleLister, live LiveSourceFactory, replay ingest.ReplayOptions) *LogWatchService {
	if logger == nil {
		logger = slog.Default()
	}
	if replay.Logger == nil {
		replay.Logger = logger
	}
	return &LogWatchService{
		logger:    logger,
		registry:  registry,
		rules:     ruleSet,
		live:      live,
		replay:    replay,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// StartSimulation replays r through a new simulation session.
func (s *LogWatchService) StartSimulation(ctx context.Context, r io.Reader, notify bool) (*session.Session, error) {
	src, err := ingest.NewReplaySource(r, s.replay)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, session.StartRequest{Mode: models.ModeSimulation, Source: src, NotifyEmail: notify})
}

// StartLive opens the live source and starts a live session.
func (s *LogWatchService) StartLive(ctx context.Context, notify bool) (*session.Session, error) {
	if s.live == nil {
		return nil, utils.NewAppError(utils.KindUnavailable, "start live session", "live ingestion is not configured", nil)
	}
	begin := time.Now()
	src, err := s.live(ctx)
	if err != nil {
		s.logger.Warn("live source unavailable", slog.Any("error", err))
		return nil, err
	}
	s.observeStart(time.Since(begin))
	return s.start(ctx, session.StartRequest{Mode: models.ModeLive, Source: src, NotifyEmail: notify})
}

func (s *LogWatchService) start(ctx context.Context, req session.StartRequest) (*session.Session, error) {
	sess, err := s.registry.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	s.logger.Info("session started", slog.String("session", sess.ID()), slog.String("mode", string(req.Mode)), slog.Bool("notify_email", req.NotifyEmail))
	return sess, nil
}

func (s *LogWatchService) observeStart(d time.Duration) {
	s.latencies.Observe(d)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("live source validation latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
}

// Stop drains mode's running session.
func (s *LogWatchService) Stop(mode models.Mode) (*session.Session, error) {
	return s.registry.Stop(mode)
}

// Session resolves a session ID, or a mode name to that mode's current session.
func (s *LogWatchService) Session(ref string) (*session.Session, error) {
	if mode, err := models.ParseMode(ref); err == nil {
		if sess, ok := s.registry.Active(mode); ok {
			return sess, nil
		}
		return nil, utils.NewAppError(utils.KindNotFound, "get session", "no "+string(mode)+" session has been started", nil)
	}
	return s.registry.Get(ref)
}

// Sessions lists retained sessions, newest first.
func (s *LogWatchService) Sessions() []models.SessionInfo {
	return s.registry.List()
}

// Rules returns the loaded rules in evaluation order.
func (s *LogWatchService) Rules() []*rules.Rule {
	if s.rules == nil {
		return nil
	}
	return s.rules.Rules()
}

// StartSession starts a simulation over inline logs or file content, or a live session.
func (s *LogWatchService) StartSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	params, err := api.FromStructStartParams(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var sess *session.Session
	switch params.Mode {
	case models.ModeSimulation:
		var body io.Reader
		if strings.TrimSpace(params.Content) != "" {
			body = strings.NewReader(params.Content)
		} else {
			data, err := json.Marshal(params.Logs)
			if err != nil {
				return nil, status.Error(codes.InvalidArgument, "logs are not JSON encodable")
			}
			body = bytes.NewReader(data)
		}
		sess, err = s.StartSimulation(ctx, body, params.NotifyEmail)
	default:
		sess, err = s.StartLive(ctx, params.NotifyEmail)
	}
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return s.toStruct(sess.Info())
}

// GetSession returns a session's info and the reports produced so far.
func (s *LogWatchService) GetSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ref, err := api.SessionSelector(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sess, err := s.Session(ref)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	info, reports := sess.Snapshot()
	return s.toStruct(map[string]any{"session": info, "reports": reports})
}

// StopSession is the gRPC form of a graceful stop.
func (s *LogWatchService) StopSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	rawMode, _ := req.AsMap()["mode"].(string)
	mode, err := models.ParseMode(rawMode)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	sess, err := s.registry.Stop(mode)
	if err != nil {
		return nil, api.GRPCError(err)
	}
	return s.toStruct(sess.Info())
}

// StreamReports sends every report of the session in production order,
// followed by the terminal marker.
func (s *LogWatchService) StreamReports(req *structpb.Struct, stream api.LogWatch_StreamReportsServer) error {
	ref, err := api.SessionSelector(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	sess, err := s.Session(ref)
	if err != nil {
		return api.GRPCError(err)
	}
	events, err := sess.Stream(stream.Context())
	if err != nil {
		return api.GRPCError(err)
	}
	for ev := range events {
		msg, err := api.ToStructStreamEvent(ev)
		if err != nil {
			s.logger.Error("encode stream element failed", slog.String("session", sess.ID()), slog.Any("error", err))
			return status.Error(codes.Internal, "failed to encode report")
		}
		if err := stream.Send(msg); err != nil {
			return err
		}
	}
	return stream.Context().Err()
}

func (s *LogWatchService) toStruct(v any) (*structpb.Struct, error) {
	out, err := api.ToStruct(v)
	if err != nil {
		s.logger.Error("encode response failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}
