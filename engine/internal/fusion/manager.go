// Package fusion implements the sensor fusion supervisor: per-type sample
// rings, a synchronization gate, pluggable processors and a swappable
// predict/update filter producing the robot state estimate.
package fusion

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"servo/engine/config"
	"servo/engine/internal/events"
	"servo/engine/internal/telemetry/metrics"
	"servo/engine/module"
)

// sensorTimeout marks a sensor as failed when it stays silent this long.
const sensorTimeout = time.Second

// SensorStatus is the liveness view of one registered sensor.
type SensorStatus struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// Options wires the supervisor's collaborators.
type Options struct {
	Performance config.PerformanceConfig
	Filter      Filter // nil selects the Kalman filter
	Bus         events.Bus
	Logger      *slog.Logger
	Metrics     metrics.Provider
	RingSize    int
}

// Manager is the fusion supervisor. It satisfies the module lifecycle
// contract but carries no command queue: sensors push, ticks pull.
type Manager struct {
	cfg     config.PerformanceConfig
	weights map[string]float64
	bus     events.Bus
	logger  *slog.Logger

	mu          sync.Mutex
	initialized bool
	running     bool
	lastErr     error
	rings       map[string]*ring
	processors  map[string]Processor
	filter      Filter
	sensors     map[string]*SensorStatus
	latest      Estimate
	fusedCount  uint64
	cancel      context.CancelFunc
	done        chan struct{}

	mFused   metrics.Counter
	mSensors metrics.Gauge
}

var _ module.Module = (*Manager)(nil)

// New builds the supervisor with the built-in processors registered.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	filter := opts.Filter
	if filter == nil {
		filter = NewKalman(0, 0)
	}
	m := &Manager{
		cfg:        opts.Performance,
		weights:    opts.Performance.SensorWeights,
		bus:        opts.Bus,
		logger:     logger.With("module", "fusion"),
		filter:     filter,
		rings:      make(map[string]*ring),
		processors: make(map[string]Processor),
		sensors:    make(map[string]*SensorStatus),
	}
	for _, p := range []Processor{IMUProcessor{}, OdometryProcessor{}, LidarProcessor{}, VisionProcessor{}} {
		m.processors[p.Type()] = p
		m.rings[p.Type()] = newRing(opts.RingSize)
	}
	if opts.Metrics != nil {
		m.mFused = opts.Metrics.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "servo", Subsystem: "fusion", Name: "updates_total", Help: "Fused estimates produced"}})
		m.mSensors = opts.Metrics.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Namespace: "servo", Subsystem: "fusion", Name: "active_sensors", Help: "Sensors reporting within the liveness window"}})
	}
	return m
}

func (m *Manager) Name() string { return "fusion" }

// Initialize resets the filter and sensor registry.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}
	m.filter.Reset()
	m.sensors = make(map[string]*SensorStatus)
	m.initialized = true
	m.lastErr = nil
	return nil
}

// Start launches the prediction and fusion tick loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.initialized {
		return errors.New("fusion not initialized")
	}
	if m.running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx, m.done)
	m.running = true
	m.logger.Info("fusion started", "rate_hz", m.rateHz())
	return nil
}

// Stop halts the tick loops.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	done := m.done
	m.running = false
	m.mu.Unlock()
	cancel()
	<-done
	return nil
}

// Cleanup drops buffered samples; re-initialization is allowed afterwards.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	for t := range m.rings {
		m.rings[t] = newRing(0)
	}
	m.initialized = false
}

// EmergencyStop keeps the estimator running: localization stays valid while
// the actuators stand down. The stop is only logged.
func (m *Manager) EmergencyStop() {
	m.logger.Warn("emergency stop acknowledged; fusion continues")
}

func (m *Manager) Resume() {}

// Status reports the lifecycle flags and sensor-derived health.
func (m *Manager) Status() module.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := module.Status{
		Name:        "fusion",
		Initialized: m.initialized,
		Running:     m.running,
		Health:      m.healthLocked(),
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// healthLocked is active_sensors / total, or 1.0 before any sensor reports.
func (m *Manager) healthLocked() float64 {
	if len(m.sensors) == 0 {
		return 1.0
	}
	active := 0
	for _, s := range m.sensors {
		if s.Healthy {
			active++
		}
	}
	return float64(active) / float64(len(m.sensors))
}

// AddSample ingests one reading; unknown types are rejected.
func (m *Manager) AddSample(s Sample) error {
	r, ok := m.rings[s.Type]
	if !ok {
		return errors.New("unknown sensor type " + s.Type)
	}
	if s.Time.IsZero() {
		s.Time = time.Now()
	}
	r.push(s)
	m.mu.Lock()
	info := m.sensors[s.SensorID]
	if info == nil {
		info = &SensorStatus{ID: s.SensorID, Type: s.Type}
		m.sensors[s.SensorID] = info
	}
	info.LastSeen = s.Time
	info.Healthy = true
	m.mu.Unlock()
	return nil
}

// Current returns the latest fused estimate.
func (m *Manager) Current() Estimate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEstimate(m.latest)
}

// EstimateAt extrapolates the latest estimate to t (constant velocity).
func (m *Manager) EstimateAt(t time.Time) Estimate {
	return ExtrapolateTo(m.Current(), t)
}

// Sensors lists registered sensors sorted by ID.
func (m *Manager) Sensors() []SensorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SensorStatus, 0, len(m.sensors))
	for _, s := range m.sensors {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Recent returns up to limit buffered samples of one type, newest last.
func (m *Manager) Recent(sensorType string, limit int) []Sample {
	r, ok := m.rings[sensorType]
	if !ok {
		return nil
	}
	return r.snapshot(limit)
}

func (m *Manager) rateHz() int {
	if m.cfg.FusionRateHz > 0 {
		return m.cfg.FusionRateHz
	}
	return 100
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	fusePeriod := time.Second / time.Duration(m.rateHz())
	predictPeriod := fusePeriod / 2
	if predictPeriod <= 0 {
		predictPeriod = fusePeriod
	}
	fuse := time.NewTicker(fusePeriod)
	predict := time.NewTicker(predictPeriod)
	liveness := time.NewTicker(sensorTimeout / 2)
	defer fuse.Stop()
	defer predict.Stop()
	defer liveness.Stop()

	lastPredict := time.Now()
	for {
		select {
		case <-predict.C:
			now := time.Now()
			m.filter.Predict(now.Sub(lastPredict).Seconds())
			lastPredict = now
		case <-fuse.C:
			m.fuseTick(time.Now())
		case <-liveness.C:
			m.checkLiveness(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// fuseTick runs the synchronization gate, the processors and the filter
// update, then publishes the fused estimate.
func (m *Manager) fuseTick(now time.Time) {
	tol := m.cfg.SyncTolerance.Std()
	if tol <= 0 {
		tol = 20 * time.Millisecond
	}
	var meas Measurement
	var posW, yawW, velW, omegaW, total float64
	for t, r := range m.rings {
		samples := r.drainWindow(now, tol)
		if len(samples) == 0 {
			continue
		}
		up, ok := m.processors[t].Process(samples)
		if !ok {
			continue
		}
		w := m.weights[t]
		if w <= 0 {
			w = 0.1
		}
		w *= up.Confidence
		if w <= 0 {
			continue
		}
		if up.HasPosition {
			meas.Position.X += up.Position.X * w
			meas.Position.Y += up.Position.Y * w
			posW += w
		}
		if up.HasYaw {
			meas.Yaw += up.Yaw * w
			yawW += w
		}
		if up.HasVelocity {
			meas.Velocity.X += up.Velocity.X * w
			meas.Velocity.Y += up.Velocity.Y * w
			velW += w
		}
		if up.HasOmega {
			meas.Omega += up.Omega * w
			omegaW += w
		}
		if up.HasAccel {
			meas.Accel = up.Accel
		}
		total += w
	}
	if total == 0 {
		return
	}
	if posW > 0 {
		meas.Position.X /= posW
		meas.Position.Y /= posW
	}
	if yawW > 0 {
		meas.Yaw /= yawW
	}
	if velW > 0 {
		meas.Velocity.X /= velW
		meas.Velocity.Y /= velW
	}
	if omegaW > 0 {
		meas.Omega /= omegaW
	}
	if total > 1 {
		meas.Weight = 1
	} else {
		meas.Weight = total
	}
	meas.Time = now
	m.filter.Update(meas)

	est := m.filter.Estimate()
	m.mu.Lock()
	m.latest = est
	m.fusedCount++
	count := m.fusedCount
	m.mu.Unlock()
	if m.mFused != nil {
		m.mFused.Inc(1)
	}
	// Publish a thinned stream: every tenth estimate is plenty for
	// subscribers; the full-rate state is served from Current().
	if m.bus != nil && count%10 == 1 {
		_ = m.bus.Publish(events.Event{
			Type:   events.TypeFusionEstimate,
			Source: "fusion",
			Payload: map[string]any{
				"x": est.Position.X, "y": est.Position.Y, "yaw": est.Orientation.Z,
				"vx": est.Velocity.X, "vy": est.Velocity.Y, "omega": est.AngularVelocity.Z,
				"confidence": est.Confidence,
			},
		})
	}
}

func (m *Manager) checkLiveness(now time.Time) {
	m.mu.Lock()
	active := 0
	for _, s := range m.sensors {
		healthy := now.Sub(s.LastSeen) <= sensorTimeout
		if s.Healthy && !healthy {
			m.logger.Warn("sensor silent", "sensor", s.ID, "type", s.Type)
		}
		s.Healthy = healthy
		if healthy {
			active++
		}
	}
	m.mu.Unlock()
	if m.mSensors != nil {
		m.mSensors.Set(float64(active))
	}
}
