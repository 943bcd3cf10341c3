package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servo/engine"
	"servo/engine/config"
	"servo/engine/internal/state"
)

type testGateway struct {
	engine *engine.Engine
	server *Server
	http   *httptest.Server
	tokens map[Role]string
}

func newTestGateway(t *testing.T, mutate func(*config.Config)) *testGateway {
	t.Helper()
	cfg := config.Default()
	cfg.Performance.MetricsBackend = "noop"
	cfg.Network.JWTSecret = "test-secret"
	cfg.Network.RateLimit.Enabled = false
	if mutate != nil {
		mutate(&cfg)
	}
	store := config.NewStore(cfg, "", nil)
	eng, err := engine.New(store, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))

	srv := NewServer(eng, cfg, nil)
	go srv.Hub().Run()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Hub().Close()
		_ = eng.Shutdown(context.Background())
	})

	tokens := map[Role]string{}
	for _, role := range []Role{RoleViewer, RoleOperator, RoleAdmin} {
		tok, err := srv.Auth().IssueToken("test-"+string(role), role)
		require.NoError(t, err)
		tokens[role] = tok
	}
	return &testGateway{engine: eng, server: srv, http: ts, tokens: tokens}
}

func (g *testGateway) do(t *testing.T, method, path string, role Role, body any) (*http.Response, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, g.http.URL+path, &buf)
	require.NoError(t, err)
	if role != "" {
		req.Header.Set("Authorization", "Bearer "+g.tokens[role])
	}
	resp, err := g.http.Client().Do(req)
	require.NoError(t, err)
	var envelope Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	_ = resp.Body.Close()
	return resp, envelope
}

func TestHealthEndpointUnauthenticated(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, env := g.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "success", env.Status)
	assert.NotEmpty(t, env.Metadata.RequestID)
	assert.Equal(t, "1.0", env.Metadata.Version)
}

func TestSystemStatusShape(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, env := g.do(t, "GET", "/api/v1/system/status", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := env.Data.(map[string]any)
	assert.Equal(t, string(state.StateActive), data["state"])
	modules := data["modules"].(map[string]any)
	assert.Contains(t, modules, "audio")
	assert.Contains(t, modules, "motion")
}

func TestAuthRequiredOnCommandEndpoints(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, env := g.do(t, "POST", "/api/v1/audio/command", "", map[string]any{"action": "speak", "text": "hi"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeAuthentication, env.Error.Code)
}

func TestRoleFloorEnforced(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, env := g.do(t, "POST", "/api/v1/audio/command", RoleViewer, map[string]any{"action": "speak", "text": "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, CodeAuthorization, env.Error.Code)

	resp, _ = g.do(t, "POST", "/api/v1/system/shutdown", RoleOperator, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestValidationErrors(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, env := g.do(t, "POST", "/api/v1/audio/command", RoleOperator, map[string]any{"action": "speak"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, CodeValidation, env.Error.Code)
	assert.Equal(t, "text", env.Error.Field)

	resp, env = g.do(t, "POST", "/api/v1/motion/command", RoleOperator, map[string]any{"action": "warp"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, env.Error.Code)

	resp, _ = g.do(t, "POST", "/api/v1/motion/command", RoleOperator, map[string]any{"bogus_field": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

// Scenario: speak with volume change — the volume notification precedes the
// TTS completion and both correlate to their request IDs.
func TestSpeakWithVolumeChangeOrdering(t *testing.T) {
	g := newTestGateway(t, nil)
	sub, err := g.engine.Subscribe(16, "volume_changed", "tts_completed")
	require.NoError(t, err)

	resp, env := g.do(t, "POST", "/api/v1/audio/command", RoleOperator,
		map[string]any{"action": "set_volume", "volume": 0.6, "request_id": "vol-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0.6, env.Data.(map[string]any)["volume"])

	resp, _ = g.do(t, "POST", "/api/v1/audio/command", RoleOperator,
		map[string]any{"action": "speak", "text": "hello", "request_id": "spk-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []string
	deadline := time.After(3 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-sub.C():
			got = append(got, ev.Type)
			if ev.Type == "volume_changed" {
				assert.Equal(t, 60, ev.Payload["volume"])
				assert.Equal(t, "vol-1", ev.Correlation)
			}
			if ev.Type == "tts_completed" {
				assert.Equal(t, "hello", ev.Payload["text"])
				assert.Equal(t, "spk-1", ev.Correlation)
			}
		case <-deadline:
			t.Fatalf("events missing, saw %v", got)
		}
	}
	assert.Equal(t, []string{"volume_changed", "tts_completed"}, got)
}

// Scenario: invalid motion while shut down — 503 ROBOT_OFFLINE, machine
// unchanged.
func TestMotionWhileShutDown(t *testing.T) {
	g := newTestGateway(t, nil)
	require.NoError(t, g.engine.Shutdown(context.Background()))
	require.Equal(t, state.StateShutdown, g.engine.Machine().Current())

	resp, env := g.do(t, "POST", "/api/v1/motion/command", RoleOperator,
		map[string]any{"action": "walk_forward", "duration": 1.0})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, CodeRobotOffline, env.Error.Code)
	assert.Equal(t, state.StateShutdown, g.engine.Machine().Current())
}

// Scenario: rate limit — five allowed, the sixth blocked with Retry-After.
func TestRateLimitScenario(t *testing.T) {
	g := newTestGateway(t, func(cfg *config.Config) {
		cfg.Network.RateLimit = config.RateConfig{
			Enabled: true, Algorithm: "sliding_window",
			GlobalLimit: 1000, UserLimit: 5, IPLimit: 1000, WindowSecs: 60,
		}
	})
	var last *http.Response
	for i := 0; i < 5; i++ {
		resp, _ := g.do(t, "POST", "/api/v1/sensors/query", RoleViewer, map[string]any{"limit": 10})
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i)
		last = resp
	}
	assert.NotEmpty(t, last.Header.Get("X-RateLimit-Remaining"))

	resp, env := g.do(t, "POST", "/api/v1/sensors/query", RoleViewer, map[string]any{"limit": 10})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, CodeRateLimited, env.Error.Code)
	retry := resp.Header.Get("Retry-After")
	require.NotEmpty(t, retry)
	assert.GreaterOrEqual(t, retry, "1")
}

func TestEmergencyStopAndResumeEndpoints(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, _ := g.do(t, "POST", "/api/v1/system/emergency_stop", RoleOperator, map[string]any{"reason": "test"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, state.StateEmergencyStop, g.engine.Machine().Current())

	resp, _ = g.do(t, "POST", "/api/v1/system/resume", RoleAdmin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, state.StateIdle, g.engine.Machine().Current())
}

func TestConfigRoundTripViaAPI(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, env := g.do(t, "GET", "/api/v1/config/motion", RoleViewer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := env.Data.(map[string]any)
	assert.Equal(t, 1.0, got["max_velocity"])

	resp, _ = g.do(t, "POST", "/api/v1/config/update", RoleAdmin,
		map[string]any{"module": "motion", "config": map[string]any{"max_velocity": 2.0}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, env = g.do(t, "GET", "/api/v1/config/motion", RoleViewer, nil)
	assert.Equal(t, 2.0, env.Data.(map[string]any)["max_velocity"])

	// Unknown keys are rejected.
	resp, env = g.do(t, "POST", "/api/v1/config/update", RoleAdmin,
		map[string]any{"module": "motion", "config": map[string]any{"max_velocty": 2.0}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, CodeValidation, env.Error.Code)

	// Unknown section 404s.
	resp, _ = g.do(t, "GET", "/api/v1/config/warp", RoleViewer, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLEDCommandEndpoint(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, env := g.do(t, "POST", "/api/v1/led/command", RoleOperator,
		map[string]any{"pattern": "breathing", "color": "#00ff00", "duration": 0.1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "breathing", env.Data.(map[string]any)["pattern"])

	resp, env = g.do(t, "POST", "/api/v1/led/command", RoleOperator,
		map[string]any{"pattern": "disco"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, env.Error.Code)

	resp, _ = g.do(t, "POST", "/api/v1/led/command", RoleOperator,
		map[string]any{"pattern": "color", "color": "not-a-color"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSensorEndpoints(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, env := g.do(t, "GET", "/api/v1/sensors/current", RoleViewer, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, env.Data.(map[string]any), "position")

	resp, env = g.do(t, "POST", "/api/v1/sensors/query", RoleViewer, map[string]any{"limit": 5000})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "limit", env.Error.Field)
}

func TestVideoCommandEndpoint(t *testing.T) {
	g := newTestGateway(t, nil)
	resp, _ := g.do(t, "POST", "/api/v1/video/command", RoleOperator, map[string]any{"action": "start_capture"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, g.engine.Video().Capturing, 2*time.Second, 10*time.Millisecond)

	resp, env := g.do(t, "POST", "/api/v1/video/command", RoleOperator, map[string]any{"action": "teleport"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeNotFound, env.Error.Code)
}
