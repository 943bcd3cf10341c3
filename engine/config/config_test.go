package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func yamlMarshal(v any) ([]byte, error) { return yaml.Marshal(v) }

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Network.Port)
	assert.Equal(t, 1.0, cfg.Motion.MaxVelocity)
	assert.Equal(t, 100, cfg.Performance.FusionRateHz)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
network:
  middleware_port: 9090
motion:
  max_velocity: 0.5
leds:
  brightness: 0.25
performance:
  worker_deadline: 10s
`))
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Network.Port)
	assert.Equal(t, 0.5, cfg.Motion.MaxVelocity)
	assert.Equal(t, 0.25, cfg.LEDs.Brightness)
	assert.Equal(t, 10*time.Second, cfg.Performance.WorkerDeadline.Std())
	// Untouched sections keep their defaults.
	assert.Equal(t, 70, cfg.Audio.Volume)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("network:\n  middleware_prot: 9090\n"))
	require.Error(t, err)
}

func TestValidateRanges(t *testing.T) {
	cases := []string{
		"network:\n  middleware_port: 80\n",
		"motion:\n  max_velocity: 5.0\n",
		"audio:\n  volume: 150\n",
		"audio:\n  tts:\n    speed: 3.0\n",
		"leds:\n  brightness: 1.5\n",
		"leds:\n  sample_rate_hz: 5\n",
		"logging:\n  level: verbose\n",
		"performance:\n  metrics_backend: statsd\n",
	}
	for _, doc := range cases {
		_, err := Parse([]byte(doc))
		assert.Error(t, err, doc)
	}
}

func TestSectionRoundTrip(t *testing.T) {
	store := NewStore(Default(), "", nil)
	sec, ok := store.Section("motion")
	require.True(t, ok)
	motion := sec.(MotionConfig)

	// Applying a section's own serialization leaves the config unchanged.
	raw, err := yamlMarshal(motion)
	require.NoError(t, err)
	before := store.Checksum()
	require.NoError(t, store.UpdateSection("motion", raw))
	assert.Equal(t, before, store.Checksum())

	again, _ := store.Section("motion")
	assert.Equal(t, motion, again.(MotionConfig))
}

func TestUpdateSectionValidatesAtomically(t *testing.T) {
	store := NewStore(Default(), "", nil)
	err := store.UpdateSection("motion", []byte("max_velocity: 99.0\n"))
	require.Error(t, err)
	sec, _ := store.Section("motion")
	assert.Equal(t, 1.0, sec.(MotionConfig).MaxVelocity, "rejected update must not leak")

	require.NoError(t, store.UpdateSection("motion", []byte("max_velocity: 2.0\n")))
	sec, _ = store.Section("motion")
	assert.Equal(t, 2.0, sec.(MotionConfig).MaxVelocity)
}

func TestUpdateSectionUnknownName(t *testing.T) {
	store := NewStore(Default(), "", nil)
	assert.Error(t, store.UpdateSection("warp_drive", []byte("x: 1\n")))
}

func TestStoreChangeHandlers(t *testing.T) {
	store := NewStore(Default(), "", nil)
	changes := make(chan Change, 1)
	store.OnChange(func(c Change) { changes <- c })
	require.NoError(t, store.UpdateSection("audio", []byte("volume: 30\n")))
	select {
	case c := <-changes:
		assert.Equal(t, 30, c.Config.Audio.Volume)
		assert.NotEmpty(t, c.Checksum)
	case <-time.After(time.Second):
		t.Fatal("change handler not invoked")
	}
}

func TestWatchReloadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("audio:\n  volume: 40\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	store := NewStore(cfg, path, nil)
	defer store.Close()

	changes := make(chan Change, 4)
	store.OnChange(func(c Change) { changes <- c })
	require.NoError(t, store.Watch())

	require.NoError(t, os.WriteFile(path, []byte("audio:\n  volume: 55\n"), 0o644))
	select {
	case c := <-changes:
		assert.Equal(t, 55, c.Config.Audio.Volume)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher missed the rewrite")
	}

	// An invalid rewrite keeps the last good config.
	require.NoError(t, os.WriteFile(path, []byte("audio:\n  volume: 500\n"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 55, store.Current().Audio.Volume)
}
