// Package api is the REST + WebSocket gateway over the engine facade:
// authentication, rate limiting, the response envelope and the explicit
// route table all live here.
package api

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"servo/engine"
	"servo/engine/config"
)

// Route is one row of the explicit route table.
type Route struct {
	Method      string
	Path        string
	Handler     http.HandlerFunc
	MinRole     Role   // "" = no authentication
	RateLimited bool
	Tags        []string
}

// Server is the API gateway.
type Server struct {
	engine  *engine.Engine
	cfg     config.NetworkConfig
	auth    *Authenticator
	limiter *Limiter
	fmtr    *Formatter
	hub     *Hub
	logger  *slog.Logger
	mux     *http.ServeMux

	// OnShutdown is invoked (once, asynchronously) when the shutdown
	// endpoint is accepted; main wires process teardown here.
	OnShutdown func()
}

// NewServer wires the gateway from the network config.
func NewServer(e *engine.Engine, cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	nc := cfg.Network
	s := &Server{
		engine:  e,
		cfg:     nc,
		auth:    NewAuthenticator(nc.JWTSecret, nc.TokenTTL.Std(), nc.AuthEnabled),
		limiter: NewLimiter(rulesFromConfig(nc.RateLimit)),
		fmtr:    &Formatter{Version: "1.0", Server: cfg.General.RobotName, Debug: cfg.General.Debug},
		hub:     NewHub(e.Bus(), nc.MaxConnections, nc.AllowedOrigins, logger),
		logger:  logger.With("component", "api"),
		mux:     http.NewServeMux(),
	}
	for _, rt := range s.routes() {
		s.mux.Handle(rt.Method+" "+rt.Path, s.wrap(rt))
	}
	s.mux.HandleFunc("GET /ws", s.hub.Handle)
	if mh := e.MetricsHandler(); mh != nil {
		s.mux.Handle("GET /metrics", mh)
	}
	return s
}

func rulesFromConfig(rc config.RateConfig) []Rule {
	if !rc.Enabled {
		return nil
	}
	algo := Algorithm(rc.Algorithm)
	window := time.Duration(rc.WindowSecs) * time.Second
	return []Rule{
		{Name: "global", Scope: ScopeGlobal, Algorithm: algo, Limit: rc.GlobalLimit, Window: window},
		{Name: "user", Scope: ScopeUser, Algorithm: algo, Limit: rc.UserLimit, Window: window},
		{Name: "ip", Scope: ScopeIP, Algorithm: algo, Limit: rc.IPLimit, Window: window},
	}
}

// routes is the explicit route table: every endpoint, its auth floor and
// rate-limit participation in one place.
func (s *Server) routes() []Route {
	return []Route{
		{Method: "GET", Path: "/health", Handler: s.handleHealth, Tags: []string{"ops"}},
		{Method: "GET", Path: "/stats", Handler: s.handleStats, Tags: []string{"ops"}},
		{Method: "GET", Path: "/api/v1/system/status", Handler: s.handleSystemStatus, Tags: []string{"system"}},
		{Method: "POST", Path: "/api/v1/system/shutdown", Handler: s.handleShutdown, MinRole: RoleAdmin, Tags: []string{"system"}},
		{Method: "POST", Path: "/api/v1/system/emergency_stop", Handler: s.handleEmergencyStop, MinRole: RoleOperator, Tags: []string{"system"}},
		{Method: "POST", Path: "/api/v1/system/resume", Handler: s.handleResume, MinRole: RoleAdmin, Tags: []string{"system"}},
		{Method: "POST", Path: "/api/v1/motion/command", Handler: s.handleMotionCommand, MinRole: RoleOperator, RateLimited: true, Tags: []string{"motion"}},
		{Method: "GET", Path: "/api/v1/motion/status", Handler: s.handleMotionStatus, MinRole: RoleViewer, Tags: []string{"motion"}},
		{Method: "POST", Path: "/api/v1/audio/command", Handler: s.handleAudioCommand, MinRole: RoleOperator, RateLimited: true, Tags: []string{"audio"}},
		{Method: "POST", Path: "/api/v1/led/command", Handler: s.handleLEDCommand, MinRole: RoleOperator, RateLimited: true, Tags: []string{"leds"}},
		{Method: "POST", Path: "/api/v1/video/command", Handler: s.handleVideoCommand, MinRole: RoleOperator, RateLimited: true, Tags: []string{"video"}},
		{Method: "POST", Path: "/api/v1/sensors/query", Handler: s.handleSensorQuery, MinRole: RoleViewer, RateLimited: true, Tags: []string{"sensors"}},
		{Method: "GET", Path: "/api/v1/sensors/current", Handler: s.handleSensorCurrent, MinRole: RoleViewer, Tags: []string{"sensors"}},
		{Method: "GET", Path: "/api/v1/config/{module}", Handler: s.handleConfigGet, MinRole: RoleViewer, Tags: []string{"config"}},
		{Method: "POST", Path: "/api/v1/config/update", Handler: s.handleConfigUpdate, MinRole: RoleAdmin, Tags: []string{"config"}},
	}
}

// wrap applies the middleware chain: request info, tracing, auth, rate
// limiting, then the handler.
func (s *Server) wrap(rt Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = withRequestInfo(r)
		ctx, span := s.engine.Tracer().Start(r.Context(), rt.Method+" "+rt.Path,
			attribute.String("request_id", RequestID(r.Context())))
		defer span.End()
		r = r.WithContext(ctx)

		var principal *Principal
		if rt.MinRole != "" {
			p, err := s.auth.Authenticate(r)
			if err != nil {
				s.fmtr.Error(w, r, CodeAuthentication, "authentication required")
				return
			}
			if !p.Role.Allows(rt.MinRole) {
				s.fmtr.Error(w, r, CodeAuthorization, "role "+string(rt.MinRole)+" required")
				return
			}
			principal = p
		}

		if rt.RateLimited {
			ri := RequestInfo{IP: clientIP(r), Endpoint: rt.Path}
			if principal != nil {
				ri.User = principal.Subject
				if principal.Method == "api_key" {
					ri.APIKey = principal.Subject
				}
			}
			d := s.limiter.Check(ri)
			for k, v := range d.Headers() {
				w.Header().Set(k, v)
			}
			if !d.Allowed {
				s.fmtr.Error(w, r, CodeRateLimited, "rate limit exceeded for rule "+d.Rule)
				return
			}
		}
		rt.Handler(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Handler returns the root handler for http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

// Hub exposes the websocket hub so main can run and close it.
func (s *Server) Hub() *Hub { return s.hub }

// Auth exposes the authenticator for credential provisioning.
func (s *Server) Auth() *Authenticator { return s.auth }
