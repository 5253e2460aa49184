package services

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-logwatch/internal/api"
	"github.com/miradorstack/mirador-logwatch/internal/config"
	"github.com/miradorstack/mirador-logwatch/internal/engine"
	"github.com/miradorstack/mirador-logwatch/internal/ingest"
	"github.com/miradorstack/mirador-logwatch/internal/models"
	"github.com/miradorstack/mirador-logwatch/internal/reporting"
	"github.com/miradorstack/mirador-logwatch/internal/rules"
	"github.com/miradorstack/mirador-logwatch/internal/session"
	"github.com/miradorstack/mirador-logwatch/internal/store"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
)

const errorRule = `rule error_logs {
  meta:
    severity = "HIGH"
  events:
    $sev: severity >= "ERROR"
  condition:
    $sev
}
`

const simulationLogs = `{"timestamp":"2024-02-09T14:00:00Z","severity":"ERROR","textPayload":"db connection refused","resource":{"type":"gce_instance"}}
{"timestamp":"2024-02-09T14:00:10Z","severity":"ERROR","textPayload":"db connection refused","resource":{"type":"gce_instance"}}
{"timestamp":"2024-02-09T14:00:20Z","severity":"INFO","textPayload":"healthy","resource":{"type":"gce_instance"}}
{"timestamp":"2024-02-09T14:00:30Z","severity":"CRITICAL","textPayload":"container exited","resource":{"type":"cloud_run_revision"}}
`

type idleSource struct{}

func (idleSource) Next(ctx context.Context) ([]models.RawLog, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestService(t *testing.T, live LiveSourceFactory) *LogWatchService {
	t.Helper()
	ruleStore := rules.LoadBytes("inline.yaral", []byte(errorRule), nil)
	require.Equal(t, 1, ruleStore.Len())
	ruleEngine := engine.NewRuleEngine(ruleStore, nil)

	registry := session.NewRegistry(session.Config{}, session.Deps{
		Engine:    ruleEngine,
		Generator: reporting.NewGenerator(nil, reporting.GeneratorConfig{}, nil, nil),
		Store:     store.NewMemoryNamespace(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})
	return NewLogWatchService(nil, registry, ruleEngine, live, ingest.ReplayOptions{BatchSize: 2})
}

func startGRPC(t *testing.T, svc *LogWatchService) api.LogWatchClient {
	t.Helper()
	server, err := api.NewServer(config.ServerConfig{Address: "127.0.0.1:0", GracefulTimeout: time.Second}, svc, nil)
	require.NoError(t, err)
	go func() { _ = server.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})

	conn, err := grpc.NewClient(server.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return api.NewLogWatchClient(conn)
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}

func TestSimulationOverGRPC(t *testing.T) {
	svc := newTestService(t, nil)
	client := startGRPC(t, svc)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	started, err := client.StartSession(ctx, mustStruct(t, map[string]any{"mode": "simulation", "content": simulationLogs}))
	require.NoError(t, err)
	id := started.AsMap()["id"].(string)
	require.NotEmpty(t, id)

	stream, err := client.StreamReports(ctx, mustStruct(t, map[string]any{"session_id": id}))
	require.NoError(t, err)

	var reports []map[string]any
	var marker map[string]any
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		m := msg.AsMap()
		if done, _ := m["done"].(bool); done {
			marker = m
			continue
		}
		reports = append(reports, m)
	}

	require.NotNil(t, marker, "terminal marker missing")
	assert.Equal(t, float64(2), marker["total"])
	assert.Equal(t, string(models.SessionCompleted), marker["state"])
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, true, r["degraded"])
		assert.Equal(t, []any{"error_logs"}, r["rules"])
	}

	got, err := client.GetSession(ctx, mustStruct(t, map[string]any{"mode": "simulation"}))
	require.NoError(t, err)
	body := got.AsMap()
	sess := body["session"].(map[string]any)
	assert.Equal(t, id, sess["id"])
	assert.Len(t, body["reports"], 2)
}

func TestStartSessionWithInlineLogs(t *testing.T) {
	svc := newTestService(t, nil)
	client := startGRPC(t, svc)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req := mustStruct(t, map[string]any{
		"mode": "simulation",
		"logs": []any{
			map[string]any{"timestamp": "2024-02-09T14:00:00Z", "severity": "ERROR", "textPayload": "boom", "resource": map[string]any{"type": "gae_app"}},
		},
	})
	started, err := client.StartSession(ctx, req)
	require.NoError(t, err)

	sess, err := svc.Session(started.AsMap()["id"].(string))
	require.NoError(t, err)
	require.NoError(t, sess.Wait(ctx))
	info, reports := sess.Snapshot()
	assert.Equal(t, models.SessionCompleted, info.State)
	require.Len(t, reports, 1)
	assert.Equal(t, []string{"gae_app"}, reports[0].AffectedResources)
}

func TestStartSessionErrors(t *testing.T) {
	svc := newTestService(t, func(ctx context.Context) (session.LogSource, error) {
		return nil, utils.NewAppError(utils.KindIngestion, "start live session", "cloud logging credentials rejected", nil)
	})
	client := startGRPC(t, svc)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cases := []struct {
		name string
		req  map[string]any
		code codes.Code
	}{
		{"unknown mode", map[string]any{"mode": "batch"}, codes.InvalidArgument},
		{"simulation without logs", map[string]any{"mode": "simulation"}, codes.InvalidArgument},
		{"live credentials rejected", map[string]any{"mode": "live"}, codes.FailedPrecondition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := client.StartSession(ctx, mustStruct(t, tc.req))
			assert.Equal(t, tc.code, status.Code(err), "error: %v", err)
		})
	}

	_, err := client.GetSession(ctx, mustStruct(t, map[string]any{"session_id": "missing"}))
	assert.Equal(t, codes.NotFound, status.Code(err))
	_, err = client.StopSession(ctx, mustStruct(t, map[string]any{"mode": "live"}))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestLiveSessionStopDrains(t *testing.T) {
	svc := newTestService(t, func(ctx context.Context) (session.LogSource, error) {
		return idleSource{}, nil
	})
	client := startGRPC(t, svc)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := client.StartSession(ctx, mustStruct(t, map[string]any{"mode": "live"}))
	require.NoError(t, err)

	sess, err := svc.Session("live")
	require.NoError(t, err)
	assert.Equal(t, models.ModeLive, sess.Mode())

	_, err = client.StopSession(ctx, mustStruct(t, map[string]any{"mode": "live"}))
	require.NoError(t, err)
	require.NoError(t, sess.Wait(ctx))
	assert.Equal(t, models.SessionCompleted, sess.State())

	assert.Len(t, svc.Sessions(), 1)
	assert.Len(t, svc.Rules(), 1)
}

func TestStartLiveWithoutFactory(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.StartLive(context.Background(), false)
	assert.True(t, utils.IsKind(err, utils.KindUnavailable))

	_, err = CloudLoggingSource(nil, ingest.PollingConfig{}, nil)(context.Background())
	assert.True(t, utils.IsKind(err, utils.KindUnavailable))
}
