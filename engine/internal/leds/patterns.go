package leds

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// RGB is one strip color.
type RGB struct {
	R, G, B uint8
}

func (c RGB) scale(intensity float64) RGB {
	if intensity < 0 {
		intensity = 0
	}
	if intensity > 1 {
		intensity = 1
	}
	return RGB{
		R: uint8(float64(c.R) * intensity),
		G: uint8(float64(c.G) * intensity),
		B: uint8(float64(c.B) * intensity),
	}
}

// ParseHexColor parses "#RRGGBB" or "RRGGBB".
func ParseHexColor(s string) (RGB, error) {
	if len(s) > 0 && s[0] == '#' {
		s = s[1:]
	}
	if len(s) != 6 {
		return RGB{}, fmt.Errorf("invalid color %q", s)
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "%02x%02x%02x", &r, &g, &b); err != nil {
		return RGB{}, fmt.Errorf("invalid color %q", s)
	}
	return RGB{R: r, G: g, B: b}, nil
}

// Hex renders the color as "#RRGGBB".
func (c RGB) Hex() string { return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B) }

// Params tunes a pattern generator. Zero values select the pattern defaults.
type Params struct {
	Color     RGB
	CycleTime time.Duration
	Count     int     // flash count; not read by the flash generator, which blinks without bound
	MinLevel  float64 // breathing floor
	Speed     float64
}

// Generator is a closed-form pattern: color at elapsed time t.
type Generator func(t time.Duration, p Params) RGB

// Pattern pairs a generator with its defaults.
type Pattern struct {
	Name        string
	Description string
	Defaults    Params
	Generate    Generator
}

// Library holds the built-in patterns plus any custom registrations.
type Library struct {
	patterns map[string]Pattern
}

// NewLibrary returns the built-in pattern set.
func NewLibrary() *Library {
	l := &Library{patterns: make(map[string]Pattern)}
	for _, p := range builtins() {
		l.patterns[p.Name] = p
	}
	return l
}

// Get looks a pattern up by name.
func (l *Library) Get(name string) (Pattern, bool) {
	p, ok := l.patterns[name]
	return p, ok
}

// Names lists registered patterns, sorted.
func (l *Library) Names() []string {
	out := make([]string, 0, len(l.patterns))
	for name := range l.patterns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Register adds or replaces a pattern.
func (l *Library) Register(p Pattern) { l.patterns[p.Name] = p }

func builtins() []Pattern {
	return []Pattern{
		{
			Name:        "breathing",
			Description: "slow sinusoidal fade",
			Defaults:    Params{Color: RGB{0, 0, 255}, CycleTime: 2 * time.Second, MinLevel: 0.1},
			Generate:    generateBreathing,
		},
		{
			Name:        "pulse",
			Description: "sharp quadratic pulse",
			Defaults:    Params{Color: RGB{0, 255, 255}, CycleTime: 500 * time.Millisecond},
			Generate:    generatePulse,
		},
		{
			Name:        "wave",
			Description: "phase-shifted channel wave",
			Defaults:    Params{Color: RGB{0, 255, 0}, CycleTime: 1500 * time.Millisecond},
			Generate:    generateWave,
		},
		{
			Name:        "flash",
			Description: "hard on/off blink",
			Defaults:    Params{Color: RGB{255, 0, 0}, CycleTime: 400 * time.Millisecond},
			Generate:    generateFlash,
		},
		{
			Name:        "rainbow",
			Description: "hue cycle",
			Defaults:    Params{CycleTime: 3 * time.Second},
			Generate:    generateRainbow,
		},
		{
			Name:        "loading",
			Description: "triangular scanner sweep",
			Defaults:    Params{Color: RGB{0, 100, 255}, CycleTime: 2 * time.Second, Speed: 1.0},
			Generate:    generateLoading,
		},
		{
			Name:        "music",
			Description: "simulated beat reactivity",
			Defaults:    Params{Color: RGB{100, 0, 255}, CycleTime: 500 * time.Millisecond, Speed: 0.5},
			Generate:    generateMusic,
		},
	}
}

func cycleFraction(t time.Duration, cycle time.Duration) float64 {
	if cycle <= 0 {
		cycle = time.Second
	}
	return math.Mod(t.Seconds(), cycle.Seconds()) / cycle.Seconds()
}

func generateBreathing(t time.Duration, p Params) RGB {
	phase := cycleFraction(t, p.CycleTime)
	level := (math.Sin(2*math.Pi*phase-math.Pi/2) + 1) / 2
	floor := p.MinLevel
	return p.Color.scale(floor + (1-floor)*level)
}

func generatePulse(t time.Duration, p Params) RGB {
	phase := cycleFraction(t, p.CycleTime)
	level := 1 - phase
	return p.Color.scale(level * level)
}

func generateWave(t time.Duration, p Params) RGB {
	phase := cycleFraction(t, p.CycleTime) * 2 * math.Pi
	shift := math.Pi / 3
	scale := func(v float64, c uint8) uint8 {
		return uint8(float64(c) * (math.Sin(v) + 1) / 2)
	}
	return RGB{
		R: scale(phase, p.Color.R),
		G: scale(phase+shift, p.Color.G),
		B: scale(phase+2*shift, p.Color.B),
	}
}

func generateFlash(t time.Duration, p Params) RGB {
	if cycleFraction(t, p.CycleTime) < 0.5 {
		return p.Color
	}
	return RGB{}
}

func generateRainbow(t time.Duration, p Params) RGB {
	hue := cycleFraction(t, p.CycleTime)
	return hsvToRGB(hue, 1, 1)
}

func generateLoading(t time.Duration, p Params) RGB {
	speed := p.Speed
	if speed <= 0 {
		speed = 1
	}
	cycle := time.Duration(float64(p.CycleTime) / speed)
	phase := cycleFraction(t, cycle)
	var level float64
	if phase < 0.5 {
		level = phase * 2
	} else {
		level = (1 - phase) * 2
	}
	return p.Color.scale(level)
}

func generateMusic(t time.Duration, p Params) RGB {
	sensitivity := p.Speed
	if sensitivity <= 0 {
		sensitivity = 0.5
	}
	beat := (math.Sin(2*math.Pi*cycleFraction(t, p.CycleTime)) + 1) / 2
	beat *= beat
	return p.Color.scale(0.3 + beat*sensitivity*0.7)
}

func hsvToRGB(h, s, v float64) RGB {
	i := math.Floor(h * 6)
	f := h*6 - i
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)
	var r, g, b float64
	switch int(i) % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	case 5:
		r, g, b = v, p, q
	}
	return RGB{R: uint8(r * 255), G: uint8(g * 255), B: uint8(b * 255)}
}
