// Package drivers declares the vendor SDK surfaces the managers depend on.
// Every interface has a simulation implementation so the middleware runs
// without robot hardware; the real SDK bindings satisfy the same contracts
// and are selected at construction.
package drivers

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCameraClosed is returned when frames are requested from a closed camera.
var ErrCameraClosed = errors.New("camera closed")

// Transcript is the result of one recognition window.
type Transcript struct {
	Text       string
	Confidence float64
	Language   string
}

// TTS synthesizes and plays speech. Synthesize blocks until playback
// finishes or ctx is cancelled.
type TTS interface {
	Synthesize(ctx context.Context, text, voice string, speed float64) error
}

// ASR captures audio and returns a transcript. Recognize blocks for the
// capture window unless ctx is cancelled first.
type ASR interface {
	Recognize(ctx context.Context, window time.Duration) (Transcript, error)
}

// AudioDevice controls the output device shared by TTS playback.
type AudioDevice interface {
	SetVolume(percent int) error
	Volume() (int, error)
	StopPlayback() error
}

// Locomotion drives the robot base. Move applies a velocity command until
// ctx is cancelled or the duration elapses; Halt stops the base immediately.
type Locomotion interface {
	Move(ctx context.Context, vx, vy, omega float64, d time.Duration) error
	Halt() error
}

// Arm executes a named arm primitive on one side.
type Arm interface {
	Execute(ctx context.Context, side, action string, params map[string]float64) error
	Halt() error
}

// LEDStrip is the RGB strip I/O surface.
type LEDStrip interface {
	SetColor(r, g, b uint8) error
	SetBrightness(level float64) error
	Off() error
}

// Camera produces frames for capture and streaming.
type Camera interface {
	Open(ctx context.Context) error
	Frame(ctx context.Context) ([]byte, error)
	Close() error
}

// Simulation implementations ------------------------------------------------

// SimTTS plays speech in simulated time: a fixed per-character delay so tests
// can abort mid-utterance.
type SimTTS struct {
	PerChar time.Duration // default 1ms
}

func (s *SimTTS) Synthesize(ctx context.Context, text, voice string, speed float64) error {
	per := s.PerChar
	if per <= 0 {
		per = time.Millisecond
	}
	if speed > 0 {
		per = time.Duration(float64(per) / speed)
	}
	select {
	case <-time.After(per * time.Duration(len(text)+1)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SimASR returns canned transcripts after the capture window elapses.
type SimASR struct {
	mu     sync.Mutex
	Script []Transcript
	next   int
}

func (s *SimASR) Recognize(ctx context.Context, window time.Duration) (Transcript, error) {
	if window <= 0 {
		window = time.Millisecond
	}
	select {
	case <-time.After(window):
	case <-ctx.Done():
		return Transcript{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Script) == 0 {
		return Transcript{Text: "", Confidence: 0, Language: "en"}, nil
	}
	tr := s.Script[s.next%len(s.Script)]
	s.next++
	return tr, nil
}

// SimAudioDevice tracks volume in memory.
type SimAudioDevice struct {
	mu      sync.Mutex
	volume  int
	stopped int
}

func NewSimAudioDevice(volume int) *SimAudioDevice { return &SimAudioDevice{volume: volume} }

func (d *SimAudioDevice) SetVolume(percent int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	d.volume = percent
	return nil
}

func (d *SimAudioDevice) Volume() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volume, nil
}

func (d *SimAudioDevice) StopPlayback() error {
	d.mu.Lock()
	d.stopped++
	d.mu.Unlock()
	return nil
}

// Stops reports how many times playback was aborted.
func (d *SimAudioDevice) Stops() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// SimLocomotion records the last commanded velocity.
type SimLocomotion struct {
	mu            sync.Mutex
	vx, vy, omega float64
	moving        bool
	halts         int
}

func (l *SimLocomotion) Move(ctx context.Context, vx, vy, omega float64, d time.Duration) error {
	l.mu.Lock()
	l.vx, l.vy, l.omega = vx, vy, omega
	l.moving = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.moving = false
		l.mu.Unlock()
	}()
	if d <= 0 {
		d = time.Millisecond
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *SimLocomotion) Halt() error {
	l.mu.Lock()
	l.halts++
	l.moving = false
	l.mu.Unlock()
	return nil
}

// Moving reports whether a Move call is in progress.
func (l *SimLocomotion) Moving() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.moving
}

// Halts reports the number of Halt calls.
func (l *SimLocomotion) Halts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halts
}

// SimArm executes arm primitives in simulated time.
type SimArm struct {
	mu      sync.Mutex
	actions []string
	PerStep time.Duration
}

func (a *SimArm) Execute(ctx context.Context, side, action string, params map[string]float64) error {
	per := a.PerStep
	if per <= 0 {
		per = time.Millisecond
	}
	select {
	case <-time.After(per):
	case <-ctx.Done():
		return ctx.Err()
	}
	a.mu.Lock()
	a.actions = append(a.actions, side+":"+action)
	a.mu.Unlock()
	return nil
}

func (a *SimArm) Halt() error { return nil }

// Actions returns the executed side:action pairs in order.
func (a *SimArm) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.actions...)
}

// SimLEDStrip remembers the last applied color and brightness.
type SimLEDStrip struct {
	mu         sync.Mutex
	r, g, b    uint8
	brightness float64
	writes     int
	off        bool
}

func (s *SimLEDStrip) SetColor(r, g, b uint8) error {
	s.mu.Lock()
	s.r, s.g, s.b = r, g, b
	s.off = false
	s.writes++
	s.mu.Unlock()
	return nil
}

func (s *SimLEDStrip) SetBrightness(level float64) error {
	s.mu.Lock()
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	s.brightness = level
	s.mu.Unlock()
	return nil
}

func (s *SimLEDStrip) Off() error {
	s.mu.Lock()
	s.r, s.g, s.b = 0, 0, 0
	s.off = true
	s.writes++
	s.mu.Unlock()
	return nil
}

// Color returns the last written RGB value.
func (s *SimLEDStrip) Color() (r, g, b uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r, s.g, s.b
}

// Writes reports how many color writes were applied.
func (s *SimLEDStrip) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// IsOff reports whether the strip was last turned off.
func (s *SimLEDStrip) IsOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.off
}

// SimCamera serves synthetic frames.
type SimCamera struct {
	mu     sync.Mutex
	opened bool
	frames int
}

func (c *SimCamera) Open(ctx context.Context) error {
	c.mu.Lock()
	c.opened = true
	c.mu.Unlock()
	return nil
}

func (c *SimCamera) Frame(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return nil, ErrCameraClosed
	}
	c.frames++
	return []byte{0xff, 0xd8, byte(c.frames), 0xff, 0xd9}, nil
}

func (c *SimCamera) Close() error {
	c.mu.Lock()
	c.opened = false
	c.mu.Unlock()
	return nil
}
