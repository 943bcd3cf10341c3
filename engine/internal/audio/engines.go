package audio

import (
	"context"
	"errors"
	"time"

	"servo/engine/internal/drivers"
)

// The TTS and ASR engines run on dedicated goroutines because the underlying
// vendor drivers block for the duration of playback or capture. The manager's
// worker hands requests over a channel and waits, so the audio device still
// sees exactly one caller.

var errEngineStopped = errors.New("audio engine stopped")

type ttsRequest struct {
	ctx   context.Context
	text  string
	voice string
	speed float64
	done  chan error
}

type ttsEngine struct {
	driver drivers.TTS
	req    chan ttsRequest
	quit   chan struct{}
}

func newTTSEngine(driver drivers.TTS) *ttsEngine {
	return &ttsEngine{driver: driver, req: make(chan ttsRequest), quit: make(chan struct{})}
}

func (e *ttsEngine) start() {
	go func() {
		for {
			select {
			case r := <-e.req:
				r.done <- e.driver.Synthesize(r.ctx, r.text, r.voice, r.speed)
			case <-e.quit:
				return
			}
		}
	}()
}

func (e *ttsEngine) stop() { close(e.quit) }

// speak blocks until playback finishes, ctx is cancelled, or the engine
// stops.
func (e *ttsEngine) speak(ctx context.Context, text, voice string, speed float64) error {
	r := ttsRequest{ctx: ctx, text: text, voice: voice, speed: speed, done: make(chan error, 1)}
	select {
	case e.req <- r:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.quit:
		return errEngineStopped
	}
	select {
	case err := <-r.done:
		return err
	case <-e.quit:
		return errEngineStopped
	}
}

type asrRequest struct {
	ctx    context.Context
	window time.Duration
	done   chan asrResult
}

type asrResult struct {
	transcript drivers.Transcript
	err        error
}

type asrEngine struct {
	driver drivers.ASR
	req    chan asrRequest
	quit   chan struct{}
}

func newASREngine(driver drivers.ASR) *asrEngine {
	return &asrEngine{driver: driver, req: make(chan asrRequest), quit: make(chan struct{})}
}

func (e *asrEngine) start() {
	go func() {
		for {
			select {
			case r := <-e.req:
				tr, err := e.driver.Recognize(r.ctx, r.window)
				r.done <- asrResult{transcript: tr, err: err}
			case <-e.quit:
				return
			}
		}
	}()
}

func (e *asrEngine) stop() { close(e.quit) }

func (e *asrEngine) listen(ctx context.Context, window time.Duration) (drivers.Transcript, error) {
	r := asrRequest{ctx: ctx, window: window, done: make(chan asrResult, 1)}
	select {
	case e.req <- r:
	case <-ctx.Done():
		return drivers.Transcript{}, ctx.Err()
	case <-e.quit:
		return drivers.Transcript{}, errEngineStopped
	}
	select {
	case res := <-r.done:
		return res.transcript, res.err
	case <-e.quit:
		return drivers.Transcript{}, errEngineStopped
	}
}
