package audio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servo/engine/config"
	"servo/engine/internal/command"
	"servo/engine/internal/drivers"
	"servo/engine/internal/events"
)

func newRunningManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Bus == nil {
		opts.Bus = events.NewBus(nil)
	}
	if opts.Config.TTS.Voice == "" {
		opts.Config = config.Default().Audio
	}
	m := New(opts)
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() {
		_ = m.Stop(ctx)
		m.Cleanup()
	})
	return m
}

func recv(t *testing.T, sub events.Subscription, timeout time.Duration) events.Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestSpeakEmitsTTSCompleted(t *testing.T) {
	bus := events.NewBus(nil)
	sub, _ := bus.Subscribe(8, events.TypeTTSCompleted, events.TypeTTSError)
	m := newRunningManager(t, Options{Bus: bus})

	_, err := m.Speak("hello there", "", command.Normal, "req-42")
	require.NoError(t, err)
	ev := recv(t, sub, 2*time.Second)
	assert.Equal(t, events.TypeTTSCompleted, ev.Type)
	assert.Equal(t, "hello there", ev.Payload["text"])
	assert.Equal(t, "default", ev.Payload["voice"])
	assert.Equal(t, "req-42", ev.Correlation)
}

func TestSpeakRejectsEmptyText(t *testing.T) {
	m := newRunningManager(t, Options{})
	_, err := m.Speak("", "", command.Normal, "")
	assert.Error(t, err)
}

func TestListenCarriesTranscript(t *testing.T) {
	bus := events.NewBus(nil)
	sub, _ := bus.Subscribe(8, events.TypeASRCompleted, events.TypeASRError)
	asr := &drivers.SimASR{Script: []drivers.Transcript{{Text: "turn left", Confidence: 0.9, Language: "en"}}}
	m := newRunningManager(t, Options{Bus: bus, ASR: asr})

	_, err := m.Listen(10*time.Millisecond, "req-7")
	require.NoError(t, err)
	ev := recv(t, sub, 2*time.Second)
	assert.Equal(t, events.TypeASRCompleted, ev.Type)
	assert.Equal(t, true, ev.Payload["success"])
	assert.Equal(t, "turn left", ev.Payload["text"])
	assert.Equal(t, 0.9, ev.Payload["confidence"])
	assert.Equal(t, "en", ev.Payload["language"])
}

func TestLowConfidenceTranscriptNotSuccessful(t *testing.T) {
	bus := events.NewBus(nil)
	sub, _ := bus.Subscribe(8, events.TypeASRCompleted)
	asr := &drivers.SimASR{Script: []drivers.Transcript{{Text: "mumble", Confidence: 0.1, Language: "en"}}}
	m := newRunningManager(t, Options{Bus: bus, ASR: asr})

	_, err := m.Listen(5*time.Millisecond, "")
	require.NoError(t, err)
	ev := recv(t, sub, 2*time.Second)
	assert.Equal(t, false, ev.Payload["success"])
}

func TestVolumeChangeOrdering(t *testing.T) {
	bus := events.NewBus(nil)
	sub, _ := bus.Subscribe(8, events.TypeVolumeChanged, events.TypeTTSCompleted)
	m := newRunningManager(t, Options{Bus: bus})

	// Volume runs at HIGH priority, speech at NORMAL: even submitted
	// back-to-back the volume change lands first.
	_, err := m.SetVolume(60, "req-1")
	require.NoError(t, err)
	_, err = m.Speak("hello", "", command.Normal, "req-2")
	require.NoError(t, err)

	first := recv(t, sub, 2*time.Second)
	second := recv(t, sub, 2*time.Second)
	assert.Equal(t, events.TypeVolumeChanged, first.Type)
	assert.Equal(t, 60, first.Payload["volume"])
	assert.Equal(t, events.TypeTTSCompleted, second.Type)

	v, err := m.Volume()
	require.NoError(t, err)
	assert.Equal(t, 60, v)
}

func TestSetVolumeRange(t *testing.T) {
	m := newRunningManager(t, Options{})
	_, err := m.SetVolume(150, "")
	assert.Error(t, err)
	_, err = m.SetVolume(-1, "")
	assert.Error(t, err)
}

func TestEmergencyStopAbortsSpeech(t *testing.T) {
	bus := events.NewBus(nil)
	sub, _ := bus.Subscribe(8, events.TypeTTSError)
	device := drivers.NewSimAudioDevice(50)
	// Slow synthesis so the abort lands mid-utterance.
	m := newRunningManager(t, Options{Bus: bus, Device: device, TTS: &drivers.SimTTS{PerChar: 20 * time.Millisecond}})

	_, err := m.Speak("a very long sentence that keeps the driver busy", "", command.Normal, "")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	m.EmergencyStop()
	ev := recv(t, sub, time.Second)
	assert.Equal(t, "emergency", ev.Payload["reason"])
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.GreaterOrEqual(t, device.Stops(), 1, "driver playback signalled to stop")

	// Non-emergency speech is rejected until resume.
	_, err = m.Speak("ignored", "", command.Normal, "")
	require.NoError(t, err)
	ev = recv(t, sub, time.Second)
	assert.Equal(t, "emergency", ev.Payload["reason"])

	m.Resume()
	ok, _ := bus.Subscribe(8, events.TypeTTSCompleted)
	_, err = m.Speak("back", "", command.Normal, "")
	require.NoError(t, err)
	done := recv(t, ok, 2*time.Second)
	assert.Equal(t, "back", done.Payload["text"])
}
