package fusion

import (
	"sync"
	"time"
)

// Vec3 is a plain 3-vector; the planar state uses X, Y and yaw.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Estimate is the fused robot state.
type Estimate struct {
	Position        Vec3      `json:"position"`
	Orientation     Vec3      `json:"orientation"` // roll, pitch, yaw
	Velocity        Vec3      `json:"velocity"`
	AngularVelocity Vec3      `json:"angular_velocity"`
	Acceleration    Vec3      `json:"acceleration"`
	AngularAccel    Vec3      `json:"angular_acceleration"`
	Covariance      []float64 `json:"covariance"` // diagonal: x, y, yaw, vx, vy, omega
	Confidence      float64   `json:"confidence"`
	Time            time.Time `json:"time"`
}

// Measurement is the weighted combination handed to the filter each tick.
type Measurement struct {
	Position Vec3
	Yaw      float64
	Velocity Vec3
	Omega    float64
	Accel    Vec3
	Weight   float64 // effective confidence of this measurement
	Time     time.Time
}

// Filter is the swappable predict/update core.
type Filter interface {
	Predict(dt float64)
	Update(m Measurement)
	Estimate() Estimate
	Reset()
}

// Complementary filter: the prediction is blended with the measurement using
// the measurement weight, high-pass on the model, low-pass on the sensors.
type Complementary struct {
	mu  sync.Mutex
	est Estimate
}

// NewComplementary returns a zeroed complementary filter.
func NewComplementary() *Complementary {
	return &Complementary{est: Estimate{Covariance: make([]float64, 6)}}
}

func (f *Complementary) Predict(dt float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.est.Position.X += f.est.Velocity.X * dt
	f.est.Position.Y += f.est.Velocity.Y * dt
	f.est.Orientation.Z += f.est.AngularVelocity.Z * dt
	// Uncertainty grows while coasting.
	for i := range f.est.Covariance {
		f.est.Covariance[i] += 0.01 * dt
	}
}

func (f *Complementary) Update(m Measurement) {
	f.mu.Lock()
	defer f.mu.Unlock()
	alpha := m.Weight
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	blend := func(model, measured float64) float64 {
		return model*(1-alpha) + measured*alpha
	}
	f.est.Position.X = blend(f.est.Position.X, m.Position.X)
	f.est.Position.Y = blend(f.est.Position.Y, m.Position.Y)
	f.est.Orientation.Z = blend(f.est.Orientation.Z, m.Yaw)
	f.est.Velocity.X = blend(f.est.Velocity.X, m.Velocity.X)
	f.est.Velocity.Y = blend(f.est.Velocity.Y, m.Velocity.Y)
	f.est.AngularVelocity.Z = blend(f.est.AngularVelocity.Z, m.Omega)
	f.est.Acceleration = m.Accel
	for i := range f.est.Covariance {
		f.est.Covariance[i] *= 1 - alpha
	}
	f.est.Confidence = alpha
	f.est.Time = m.Time
}

func (f *Complementary) Estimate() Estimate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneEstimate(f.est)
}

func (f *Complementary) Reset() {
	f.mu.Lock()
	f.est = Estimate{Covariance: make([]float64, 6)}
	f.mu.Unlock()
}

// Kalman implements an axis-decoupled constant-velocity Kalman filter: each
// of x, y and yaw carries a (position, velocity) pair with its own 2x2
// covariance. Process and measurement noise come from configuration.
type Kalman struct {
	mu   sync.Mutex
	axes [3]kalmanAxis // x, y, yaw
	est  Estimate
	q    float64 // process noise density
	r    float64 // measurement noise
}

type kalmanAxis struct {
	pos, vel           float64
	p00, p01, p10, p11 float64
}

// NewKalman builds the filter with the given noise densities; non-positive
// values select the defaults (q=0.01, r=0.1).
func NewKalman(processNoise, measurementNoise float64) *Kalman {
	if processNoise <= 0 {
		processNoise = 0.01
	}
	if measurementNoise <= 0 {
		measurementNoise = 0.1
	}
	k := &Kalman{q: processNoise, r: measurementNoise}
	k.Reset()
	return k
}

func (k *Kalman) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.axes {
		k.axes[i] = kalmanAxis{p00: 1, p11: 1}
	}
	k.est = Estimate{Covariance: make([]float64, 6)}
}

func (k *Kalman) Predict(dt float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.axes {
		a := &k.axes[i]
		a.pos += a.vel * dt
		// P = F P F' + Q for F = [[1, dt], [0, 1]].
		p00 := a.p00 + dt*(a.p10+a.p01) + dt*dt*a.p11 + k.q*dt
		p01 := a.p01 + dt*a.p11
		p10 := a.p10 + dt*a.p11
		p11 := a.p11 + k.q*dt
		a.p00, a.p01, a.p10, a.p11 = p00, p01, p10, p11
	}
	k.syncEstimateLocked()
}

func (k *Kalman) Update(m Measurement) {
	k.mu.Lock()
	defer k.mu.Unlock()
	meas := [3][2]float64{
		{m.Position.X, m.Velocity.X},
		{m.Position.Y, m.Velocity.Y},
		{m.Yaw, m.Omega},
	}
	// Effective measurement noise shrinks as the combined weight grows.
	r := k.r
	if m.Weight > 0 {
		r = k.r / m.Weight
	}
	for i := range k.axes {
		a := &k.axes[i]
		// Position update.
		s := a.p00 + r
		k0 := a.p00 / s
		k1 := a.p10 / s
		innov := meas[i][0] - a.pos
		a.pos += k0 * innov
		a.vel += k1 * innov
		p00 := (1 - k0) * a.p00
		p01 := (1 - k0) * a.p01
		p10 := a.p10 - k1*a.p00
		p11 := a.p11 - k1*a.p01
		a.p00, a.p01, a.p10, a.p11 = p00, p01, p10, p11
		// Velocity update with the same scalar form.
		sv := a.p11 + r
		kv := a.p11 / sv
		a.vel += kv * (meas[i][1] - a.vel)
		a.p11 = (1 - kv) * a.p11
	}
	k.est.Acceleration = m.Accel
	k.est.Confidence = m.Weight
	k.est.Time = m.Time
	k.syncEstimateLocked()
}

func (k *Kalman) syncEstimateLocked() {
	k.est.Position = Vec3{X: k.axes[0].pos, Y: k.axes[1].pos}
	k.est.Orientation = Vec3{Z: k.axes[2].pos}
	k.est.Velocity = Vec3{X: k.axes[0].vel, Y: k.axes[1].vel}
	k.est.AngularVelocity = Vec3{Z: k.axes[2].vel}
	k.est.Covariance = []float64{
		k.axes[0].p00, k.axes[1].p00, k.axes[2].p00,
		k.axes[0].p11, k.axes[1].p11, k.axes[2].p11,
	}
}

func (k *Kalman) Estimate() Estimate {
	k.mu.Lock()
	defer k.mu.Unlock()
	return cloneEstimate(k.est)
}

func cloneEstimate(e Estimate) Estimate {
	out := e
	out.Covariance = append([]float64(nil), e.Covariance...)
	return out
}

// ExtrapolateTo projects e forward to t under constant velocity.
func ExtrapolateTo(e Estimate, t time.Time) Estimate {
	dt := t.Sub(e.Time).Seconds()
	if dt <= 0 {
		return e
	}
	out := cloneEstimate(e)
	out.Position.X += e.Velocity.X * dt
	out.Position.Y += e.Velocity.Y * dt
	out.Orientation.Z += e.AngularVelocity.Z * dt
	out.Time = t
	return out
}
