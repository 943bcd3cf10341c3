package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"servo/engine/internal/command"
	"servo/engine/internal/fusion"
	"servo/engine/internal/leds"
	"servo/engine/internal/state"
	"servo/engine/module"
)

// commandRequest is the shared POST body shape for actuator endpoints.
type commandRequest struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	Duration   float64        `json:"duration,omitempty"`
	Priority   int            `json:"priority,omitempty"` // 1..10
	RequestID  string         `json:"request_id,omitempty"`

	// Audio fields.
	Text     string   `json:"text,omitempty"`
	Volume   *float64 `json:"volume,omitempty"`
	Voice    string   `json:"voice,omitempty"`
	Language string   `json:"language,omitempty"`

	// LED fields.
	Pattern    string   `json:"pattern,omitempty"`
	Color      string   `json:"color,omitempty"`
	Brightness *float64 `json:"brightness,omitempty"`
	Repeat     int      `json:"repeat,omitempty"`

	// Video fields.
	Quality string `json:"quality,omitempty"`
	Source  string `json:"source,omitempty"`
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}

// priorityFrom maps the external 1..10 scale onto queue priorities.
func priorityFrom(p int) command.Priority {
	switch {
	case p <= 0:
		return command.Normal
	case p <= 3:
		return command.Low
	case p <= 6:
		return command.Normal
	case p <= 8:
		return command.High
	default:
		return command.Emergency
	}
}

// correlationFor prefers the caller-provided request_id over the generated
// one so WebSocket notifications correlate with the original request.
func correlationFor(r *http.Request, req commandRequest) string {
	if req.RequestID != "" {
		return req.RequestID
	}
	return RequestID(r.Context())
}

// submitError translates manager submission failures into gateway codes.
func (s *Server) submitError(w http.ResponseWriter, r *http.Request, err error, subsystem Code) {
	switch {
	case errors.Is(err, command.ErrQueueFull):
		s.fmtr.Error(w, r, CodeRobotBusy, "command queue saturated")
	case errors.Is(err, command.ErrQueueClosed):
		s.fmtr.Error(w, r, CodeRobotOffline, "module not accepting commands")
	default:
		s.fmtr.Error(w, r, subsystem, err.Error())
	}
}

// moduleAvailable guards actuator endpoints: the machine must not be shut
// down and the module must be running.
func (s *Server) moduleAvailable(w http.ResponseWriter, r *http.Request, st module.Status) bool {
	if cur := s.engine.Machine().Current(); cur == state.StateShutdown {
		s.fmtr.Error(w, r, CodeRobotOffline, "robot is shut down")
		return false
	}
	if !st.Running {
		s.fmtr.Error(w, r, CodeRobotOffline, st.Name+" module is not running")
		return false
	}
	return true
}

// --- ops --------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.HealthSnapshot(r.Context())
	s.fmtr.Success(w, r, "health evaluated", snap)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	s.fmtr.Success(w, r, "engine statistics", map[string]any{
		"uptime_s":    snap.Uptime.Seconds(),
		"events":      snap.Events,
		"connections": s.hub.ConnectionCount(),
		"state":       snap.State.CurrentState,
	})
}

// --- system -----------------------------------------------------------------

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	s.fmtr.Success(w, r, "system status", map[string]any{
		"state":          snap.State.CurrentState,
		"previous_state": snap.State.PreviousState,
		"system_health":  snap.State.SystemHealth,
		"failed_modules": snap.State.FailedModules,
		"modules":        snap.Modules,
		"emergency":      snap.Emergency,
		"uptime_s":       snap.Uptime.Seconds(),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.fmtr.Success(w, r, "shutdown initiated", nil)
	if s.OnShutdown != nil {
		go s.OnShutdown()
	}
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "api request"
	}
	s.engine.EmergencyStop(body.Reason)
	s.fmtr.Success(w, r, "emergency stop engaged", map[string]any{"reason": body.Reason})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Resume(); err != nil {
		s.fmtr.Error(w, r, CodeConflict, err.Error())
		return
	}
	s.fmtr.Success(w, r, "emergency stop cleared", nil)
}

// --- motion -----------------------------------------------------------------

func (s *Server) handleMotionCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		s.fmtr.Error(w, r, CodeValidation, "malformed body: "+err.Error())
		return
	}
	if !s.moduleAvailable(w, r, s.engine.Motion().Status()) {
		return
	}
	prio := priorityFrom(req.Priority)
	corr := correlationFor(r, req)
	d := time.Duration(req.Duration * float64(time.Second))
	if d <= 0 {
		d = time.Second
	}
	p := req.Parameters

	var id uint64
	var err error
	switch req.Action {
	case "walk_forward":
		id, err = s.engine.Motion().Move(numParam(p, "speed", 0.5), 0, 0, d, prio, corr)
	case "walk_backward":
		id, err = s.engine.Motion().Move(-numParam(p, "speed", 0.5), 0, 0, d, prio, corr)
	case "strafe_left":
		id, err = s.engine.Motion().Move(0, numParam(p, "speed", 0.3), 0, d, prio, corr)
	case "strafe_right":
		id, err = s.engine.Motion().Move(0, -numParam(p, "speed", 0.3), 0, d, prio, corr)
	case "turn_left":
		id, err = s.engine.Motion().Move(0, 0, numParam(p, "omega", 0.5), d, prio, corr)
	case "turn_right":
		id, err = s.engine.Motion().Move(0, 0, -numParam(p, "omega", 0.5), d, prio, corr)
	case "move":
		id, err = s.engine.Motion().Move(numParam(p, "vx", 0), numParam(p, "vy", 0), numParam(p, "omega", 0), d, prio, corr)
	case "gesture":
		name, _ := p["name"].(string)
		if name == "" {
			s.fmtr.ErrorDetailed(w, r, CodeValidation, "gesture requires parameters.name", "parameters.name", nil)
			return
		}
		id, err = s.engine.Motion().PerformGesture(name, prio, corr)
	case "arm":
		side, _ := p["side"].(string)
		action, _ := p["action"].(string)
		id, err = s.engine.Motion().ArmAction(side, action, floatParams(p), prio, corr)
	case "stop":
		id, err = s.engine.Motion().StopMotion(corr)
	case "":
		s.fmtr.ErrorDetailed(w, r, CodeValidation, "action is required", "action", nil)
		return
	default:
		s.fmtr.Error(w, r, CodeNotFound, "unknown motion action "+req.Action)
		return
	}
	if err != nil {
		s.submitError(w, r, err, CodeMotion)
		return
	}
	s.fmtr.Success(w, r, "motion command accepted", map[string]any{"command_id": id, "action": req.Action, "request_id": corr})
}

func (s *Server) handleMotionStatus(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Motion().Status()
	s.fmtr.Success(w, r, "motion status", map[string]any{
		"status":           st,
		"gestures":         s.engine.Motion().GestureNames(),
		"emergency_active": s.engine.Motion().EmergencyActive(),
		"robot_state":      s.engine.Machine().Current(),
	})
}

// --- audio ------------------------------------------------------------------

func (s *Server) handleAudioCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		s.fmtr.Error(w, r, CodeValidation, "malformed body: "+err.Error())
		return
	}
	if !s.moduleAvailable(w, r, s.engine.Audio().Status()) {
		return
	}
	prio := priorityFrom(req.Priority)
	corr := correlationFor(r, req)

	switch req.Action {
	case "speak":
		if req.Text == "" {
			s.fmtr.ErrorDetailed(w, r, CodeValidation, "speak requires text", "text", nil)
			return
		}
		id, err := s.engine.Audio().Speak(req.Text, req.Voice, prio, corr)
		if err != nil {
			s.submitError(w, r, err, CodeRobotError)
			return
		}
		s.fmtr.Success(w, r, "speech queued", map[string]any{"command_id": id, "text": req.Text, "request_id": corr})
	case "listen":
		d := time.Duration(req.Duration * float64(time.Second))
		if d <= 0 {
			d = 5 * time.Second
		}
		id, err := s.engine.Audio().Listen(d, corr)
		if err != nil {
			s.submitError(w, r, err, CodeRobotError)
			return
		}
		s.fmtr.Success(w, r, "listening", map[string]any{"command_id": id, "window_s": d.Seconds(), "request_id": corr})
	case "set_volume":
		if req.Volume == nil {
			s.fmtr.ErrorDetailed(w, r, CodeValidation, "set_volume requires volume", "volume", nil)
			return
		}
		percent := volumePercent(*req.Volume)
		if percent < 0 || percent > 100 {
			s.fmtr.ErrorDetailed(w, r, CodeValidation, "volume outside range", "volume", nil)
			return
		}
		if _, err := s.engine.Audio().SetVolume(percent, corr); err != nil {
			s.submitError(w, r, err, CodeRobotError)
			return
		}
		s.fmtr.Success(w, r, "volume change queued", map[string]any{"volume": *req.Volume, "request_id": corr})
	case "get_volume":
		v, err := s.engine.Audio().Volume()
		if err != nil {
			s.fmtr.Error(w, r, CodeRobotError, err.Error())
			return
		}
		s.fmtr.Success(w, r, "current volume", map[string]any{"volume": v})
	case "stop":
		if _, err := s.engine.Audio().StopSpeech(corr); err != nil {
			s.submitError(w, r, err, CodeRobotError)
			return
		}
		s.fmtr.Success(w, r, "audio stopped", nil)
	case "":
		s.fmtr.ErrorDetailed(w, r, CodeValidation, "action is required", "action", nil)
		return
	default:
		s.fmtr.Error(w, r, CodeNotFound, "unknown audio action "+req.Action)
	}
}

// volumePercent accepts either the 0..1 or the 0..100 convention.
func volumePercent(v float64) int {
	if v <= 1.0 {
		return int(v * 100)
	}
	return int(v)
}

// --- leds -------------------------------------------------------------------

func (s *Server) handleLEDCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		s.fmtr.Error(w, r, CodeValidation, "malformed body: "+err.Error())
		return
	}
	if !s.moduleAvailable(w, r, s.engine.LEDs().Status()) {
		return
	}
	prio := priorityFrom(req.Priority)
	corr := correlationFor(r, req)
	d := time.Duration(req.Duration * float64(time.Second))

	var color *leds.RGB
	if req.Color != "" {
		c, err := leds.ParseHexColor(req.Color)
		if err != nil {
			s.fmtr.ErrorDetailed(w, r, CodeValidation, err.Error(), "color", nil)
			return
		}
		color = &c
	}

	var id uint64
	var err error
	switch req.Pattern {
	case "color":
		if color == nil {
			s.fmtr.ErrorDetailed(w, r, CodeValidation, "color pattern requires a color", "color", nil)
			return
		}
		id, err = s.engine.LEDs().SetColor(*color, d, prio, corr)
	case "flash":
		c := leds.RGB{R: 255}
		if color != nil {
			c = *color
		}
		count := req.Repeat
		if count <= 0 {
			count = 3
		}
		id, err = s.engine.LEDs().Flash(c, count, 200*time.Millisecond, prio, corr)
	case "rainbow":
		id, err = s.engine.LEDs().Rainbow(d, prio, corr)
	case "off":
		id, err = s.engine.LEDs().Off(corr)
	case "":
		if req.Brightness == nil {
			s.fmtr.ErrorDetailed(w, r, CodeValidation, "pattern is required", "pattern", nil)
			return
		}
		id, err = s.engine.LEDs().SetBrightness(*req.Brightness, corr)
	default:
		id, err = s.engine.LEDs().PlayPattern(req.Pattern, color, d, prio, corr)
		if err != nil && id == 0 && !errors.Is(err, command.ErrQueueFull) && !errors.Is(err, command.ErrQueueClosed) {
			s.fmtr.Error(w, r, CodeNotFound, err.Error())
			return
		}
	}
	if err != nil {
		s.submitError(w, r, err, CodeRobotError)
		return
	}
	// Brightness piggybacks on any pattern command.
	if req.Brightness != nil && req.Pattern != "" {
		if _, berr := s.engine.LEDs().SetBrightness(*req.Brightness, corr); berr != nil {
			s.fmtr.ErrorDetailed(w, r, CodeValidation, berr.Error(), "brightness", nil)
			return
		}
	}
	s.fmtr.Success(w, r, "led command accepted", map[string]any{"command_id": id, "pattern": req.Pattern, "request_id": corr})
}

// --- video ------------------------------------------------------------------

func (s *Server) handleVideoCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(r, &req); err != nil {
		s.fmtr.Error(w, r, CodeValidation, "malformed body: "+err.Error())
		return
	}
	if !s.moduleAvailable(w, r, s.engine.Video().Status()) {
		return
	}
	corr := correlationFor(r, req)

	var id uint64
	var err error
	switch req.Action {
	case "start_capture":
		id, err = s.engine.Video().StartCapture(corr)
	case "stop_capture":
		id, err = s.engine.Video().StopCapture(corr)
	case "snapshot":
		id, err = s.engine.Video().Snapshot(corr)
	case "start_stream":
		id, err = s.engine.Video().StartStream(req.Quality, corr)
	case "stop_stream":
		id, err = s.engine.Video().StopStream(corr)
	case "":
		s.fmtr.ErrorDetailed(w, r, CodeValidation, "action is required", "action", nil)
		return
	default:
		s.fmtr.Error(w, r, CodeNotFound, "unknown video action "+req.Action)
		return
	}
	if err != nil {
		s.submitError(w, r, err, CodeRobotError)
		return
	}
	s.fmtr.Success(w, r, "video command accepted", map[string]any{"command_id": id, "action": req.Action, "request_id": corr})
}

// --- sensors ----------------------------------------------------------------

type sensorQuery struct {
	SensorTypes []string   `json:"sensor_types,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

func (s *Server) handleSensorQuery(w http.ResponseWriter, r *http.Request) {
	var q sensorQuery
	if err := decodeBody(r, &q); err != nil {
		s.fmtr.Error(w, r, CodeValidation, "malformed body: "+err.Error())
		return
	}
	if q.Limit < 0 || q.Limit > 1000 {
		s.fmtr.ErrorDetailed(w, r, CodeValidation, "limit outside [1, 1000]", "limit", nil)
		return
	}
	if q.Limit == 0 {
		q.Limit = 100
	}
	types := q.SensorTypes
	if len(types) == 0 {
		types = []string{fusion.TypeIMU, fusion.TypeOdometry, fusion.TypeLidar, fusion.TypeVision}
	}
	samples := make(map[string][]fusion.Sample, len(types))
	for _, t := range types {
		in := s.engine.Fusion().Recent(t, q.Limit)
		if q.StartTime != nil || q.EndTime != nil {
			filtered := in[:0]
			for _, smp := range in {
				if q.StartTime != nil && smp.Time.Before(*q.StartTime) {
					continue
				}
				if q.EndTime != nil && smp.Time.After(*q.EndTime) {
					continue
				}
				filtered = append(filtered, smp)
			}
			in = filtered
		}
		samples[t] = in
	}
	s.fmtr.Success(w, r, "sensor samples", map[string]any{
		"samples": samples,
		"sensors": s.engine.Fusion().Sensors(),
	})
}

func (s *Server) handleSensorCurrent(w http.ResponseWriter, r *http.Request) {
	est := s.engine.Fusion().Current()
	s.fmtr.Success(w, r, "current state estimate", est)
}

// --- config -----------------------------------------------------------------

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("module")
	section, ok := s.engine.ConfigStore().Section(name)
	if !ok {
		s.fmtr.Error(w, r, CodeNotFound, "unknown config section "+name)
		return
	}
	s.fmtr.Success(w, r, "config section "+name, section)
}

type configUpdate struct {
	Module          string         `json:"module"`
	Config          map[string]any `json:"config"`
	RestartRequired bool           `json:"restart_required,omitempty"`
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var upd configUpdate
	if err := decodeBody(r, &upd); err != nil {
		s.fmtr.Error(w, r, CodeValidation, "malformed body: "+err.Error())
		return
	}
	if upd.Module == "" {
		s.fmtr.ErrorDetailed(w, r, CodeValidation, "module is required", "module", nil)
		return
	}
	// Re-encode the JSON object as YAML so the section decoder (and its
	// unknown-key rejection) applies uniformly.
	raw, err := yaml.Marshal(upd.Config)
	if err != nil {
		s.fmtr.Error(w, r, CodeValidation, "unencodable config: "+err.Error())
		return
	}
	if err := s.engine.ConfigStore().UpdateSection(upd.Module, raw); err != nil {
		s.fmtr.Error(w, r, CodeValidation, err.Error())
		return
	}
	section, _ := s.engine.ConfigStore().Section(upd.Module)
	msg := "config updated"
	if upd.RestartRequired {
		msg = "config updated; restart required to apply"
	}
	s.fmtr.Success(w, r, msg, map[string]any{"module": upd.Module, "config": section})
}

// --- helpers ----------------------------------------------------------------

func numParam(p map[string]any, key string, fallback float64) float64 {
	if p == nil {
		return fallback
	}
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err == nil {
			return f
		}
	}
	return fallback
}

func floatParams(p map[string]any) map[string]float64 {
	out := make(map[string]float64)
	for k, v := range p {
		if k == "side" || k == "action" {
			continue
		}
		if f, ok := v.(float64); ok {
			out[k] = f
		}
	}
	return out
}
