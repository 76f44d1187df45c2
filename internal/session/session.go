// Package session owns the voice session lifecycle: it wires microphone
// capture, the realtime transport, tool dispatch and playback together, and
// drives the idle/listening/processing/speaking/error status machine. All
// transitions happen on a single dispatcher goroutine per activation, so
// handlers never race on session state.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/pharmacy-voice-lab/internal/capture"
	"github.com/pharmacy-voice-lab/internal/logging"
	"github.com/pharmacy-voice-lab/internal/notify"
	"github.com/pharmacy-voice-lab/internal/pcm"
	"github.com/pharmacy-voice-lab/internal/playback"
	"github.com/pharmacy-voice-lab/internal/tools"
)

// DefaultFrameSize is the capture frame size in samples.
const DefaultFrameSize = 4096

// Transport is the established realtime connection to the model peer.
type Transport interface {
	// SendAudio forwards one wire-encoded microphone frame.
	SendAudio(wire string) error
	// SendToolResults returns a batch of tool results on the same session.
	SendToolResults(results []tools.Result) error
	Close() error
}

// Handlers receive inbound transport traffic. They may be invoked from the
// transport's read goroutine and must not block.
type Handlers struct {
	// OnAudio delivers one wire-encoded model audio chunk.
	OnAudio func(wire string)
	// OnToolCalls delivers a batch of function calls from the model.
	OnToolCalls func(calls []tools.Call)
	// OnClosed fires exactly once when the connection ends. A nil error
	// means the peer closed cleanly.
	OnClosed func(err error)
}

// Dialer establishes a Transport, completing any setup handshake before
// returning.
type Dialer interface {
	Dial(ctx context.Context, h Handlers) (Transport, error)
}

// AudioIn is an opened microphone device.
type AudioIn struct {
	Stream capture.Stream
	Proc   capture.Processor
}

// AudioOut is an opened playback device.
type AudioOut struct {
	Player playback.Player
	Clock  playback.Clock
	Close  func() error
}

// Devices opens the platform audio endpoints.
type Devices interface {
	OpenInput(ctx context.Context) (AudioIn, error)
	OpenOutput(ctx context.Context) (AudioOut, error)
}

// Config carries the collaborators a Controller needs.
type Config struct {
	Dialer   Dialer
	Devices  Devices
	Registry *tools.Registry
	Notifier notify.Notifier
	// FrameSize overrides DefaultFrameSize when positive.
	FrameSize int
	// OnStatus, when set, observes every status change.
	OnStatus func(VoiceStatus)
}

// Controller manages at most one live voice session at a time. The zero
// value is not usable; construct with New.
type Controller struct {
	cfg Config

	mu     sync.Mutex
	status VoiceStatus
	cur    *run
}

// New builds an idle controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Dialer == nil || cfg.Devices == nil || cfg.Registry == nil {
		return nil, fmt.Errorf("session: dialer, devices and registry are required")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Noop{}
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	return &Controller{cfg: cfg, status: StatusIdle}, nil
}

// Status returns the current session status.
func (c *Controller) Status() VoiceStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Toggle starts a session when idle or errored, and stops it otherwise.
func (c *Controller) Toggle(ctx context.Context) error {
	c.mu.Lock()
	s := c.status
	c.mu.Unlock()
	if s == StatusIdle || s == StatusError {
		return c.Start(ctx)
	}
	return c.Stop()
}

// eventKind enumerates dispatcher events.
type eventKind int

const (
	evAudio eventKind = iota
	evToolCalls
	evDrained
	evError
	evRemoteClose
	evStop
)

type event struct {
	kind  eventKind
	wire  string
	calls []tools.Call
	err   error
	done  chan struct{}
}

// run is one session activation. Its dispatcher goroutine is the only
// writer of session state while the run is live.
type run struct {
	c         *Controller
	id        string
	transport Transport
	in        AudioIn
	out       AudioOut
	pipeline  *capture.Pipeline
	sched     *playback.Scheduler
	events    chan event
	closed    chan struct{}
	teardown  sync.Once

	// ctx spans the run's lifetime; release cancels it so in-flight tool
	// queries stop with the session.
	ctx    context.Context
	cancel context.CancelFunc
}

// Start activates a session. It is an error to start while one is live;
// starting out of the error status is allowed and clears it.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cur != nil || (c.status != StatusIdle && c.status != StatusError) {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	r := &run{
		c:      c,
		id:     uuid.NewString(),
		events: make(chan event, 64),
		closed: make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	c.cur = r
	c.mu.Unlock()

	if err := r.setup(ctx); err != nil {
		close(r.closed)
		r.release()
		c.finish(r, StatusError)
		c.cfg.Notifier.Notify("error", "Could not start the voice session: "+err.Error())
		logging.Errorw("session: start failed", append(logging.SessionFields(r.id, StatusError.String()), "err", err)...)
		return err
	}

	c.setStatus(StatusListening)
	logging.Infow("session: started", logging.SessionFields(r.id, StatusListening.String())...)
	go r.loop()
	return nil
}

// Stop tears the live session down and blocks until it has landed idle.
// Stopping an idle controller returns ErrNotActive.
func (c *Controller) Stop() error {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return ErrNotActive
	}
	done := make(chan struct{})
	r.post(event{kind: evStop, done: done})
	<-done
	return nil
}

// setup acquires devices and the transport in dependency order. Any failure
// leaves acquired resources for release to collect.
func (r *run) setup(ctx context.Context) error {
	var err error
	if r.out, err = r.c.cfg.Devices.OpenOutput(ctx); err != nil {
		return fmt.Errorf("open audio output: %w", err)
	}
	if r.in, err = r.c.cfg.Devices.OpenInput(ctx); err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}

	r.sched = playback.NewScheduler(r.out.Clock, r.out.Player, pcm.OutputSampleRate, 1, func() {
		r.post(event{kind: evDrained})
	})

	if r.transport, err = r.c.cfg.Dialer.Dial(ctx, Handlers{
		OnAudio:     func(wire string) { r.post(event{kind: evAudio, wire: wire}) },
		OnToolCalls: func(calls []tools.Call) { r.post(event{kind: evToolCalls, calls: calls}) },
		OnClosed: func(err error) {
			if err != nil {
				r.post(event{kind: evError, err: fmt.Errorf("%w: %v", ErrTransport, err)})
				return
			}
			r.post(event{kind: evRemoteClose})
		},
	}); err != nil {
		return fmt.Errorf("dial realtime peer: %w", err)
	}

	r.pipeline = capture.NewPipeline(r.in.Stream, r.in.Proc, r.c.cfg.FrameSize, func(wire string) {
		if err := r.transport.SendAudio(wire); err != nil {
			r.post(event{kind: evError, err: fmt.Errorf("%w: send audio: %v", ErrTransport, err)})
		}
	})
	if err = r.pipeline.Start(); err != nil {
		return fmt.Errorf("start capture pipeline: %w", err)
	}
	return nil
}

// post delivers an event to the dispatcher, or discards it when the run has
// already finished. Stale callbacks from stopped resources land here.
func (r *run) post(ev event) {
	select {
	case <-r.closed:
		if ev.done != nil {
			close(ev.done)
		}
	case r.events <- ev:
	}
}

func (r *run) loop() {
	defer close(r.closed)
	for ev := range r.events {
		switch ev.kind {
		case evAudio:
			r.onAudio(ev.wire)
		case evToolCalls:
			if err := r.onToolCalls(ev.calls); err != nil {
				r.fail(err)
				return
			}
		case evDrained:
			r.onDrained()
		case evError:
			r.fail(ev.err)
			return
		case evRemoteClose:
			logging.Infow("session: closed by peer", logging.SessionFields(r.id, "idle")...)
			r.release()
			r.c.finish(r, StatusIdle)
			return
		case evStop:
			logging.Infow("session: stopped", logging.SessionFields(r.id, "idle")...)
			r.release()
			r.c.finish(r, StatusIdle)
			close(ev.done)
			return
		}
	}
}

func (r *run) onAudio(wire string) {
	if err := r.sched.ScheduleChunk(wire); err != nil {
		logging.Warnw("session: dropped audio chunk", append(logging.SessionFields(r.id, r.c.Status().String()), "err", err)...)
		return
	}
	r.c.setStatus(StatusSpeaking)
}

// onToolCalls dispatches a batch and returns the results. A non-nil error is
// fatal for the run; the dispatcher loop acts on it so the loop always exits
// on terminal conditions.
func (r *run) onToolCalls(calls []tools.Call) error {
	r.c.setStatus(StatusProcessing)
	results := make([]tools.Result, 0, len(calls))
	for _, call := range calls {
		res, err := r.c.cfg.Registry.Dispatch(r.ctx, call)
		if err != nil {
			// Dispatch already logged; a nil payload means the
			// registry is configured to drop the failure.
			if res.Payload == nil {
				continue
			}
		}
		results = append(results, res)
	}
	if len(results) > 0 {
		if err := r.transport.SendToolResults(results); err != nil {
			return fmt.Errorf("%w: send tool results: %v", ErrTransport, err)
		}
	}
	// The model responds to tool results with fresh audio; until that
	// arrives the session is back to listening.
	r.c.setStatus(StatusListening)
	return nil
}

func (r *run) onDrained() {
	if r.c.Status() == StatusSpeaking {
		r.c.setStatus(StatusListening)
	}
}

// fail ends the run in the error status and notifies the user.
func (r *run) fail(err error) {
	logging.Errorw("session: failed", append(logging.SessionFields(r.id, StatusError.String()), "err", err)...)
	r.release()
	r.c.finish(r, StatusError)
	r.c.cfg.Notifier.Notify("error", "Voice session ended unexpectedly: "+err.Error())
}

// release tears down every acquired resource exactly once. Individual
// failures are logged and do not block the remaining steps.
func (r *run) release() {
	r.teardown.Do(func() {
		r.cancel()
		if r.pipeline != nil {
			r.pipeline.Stop()
		} else if r.in.Stream != nil {
			// The pipeline never came up; release the raw mic stream.
			r.in.Stream.StopTracks()
		}
		if r.sched != nil {
			r.sched.Stop()
		}
		if r.transport != nil {
			if err := r.transport.Close(); err != nil {
				logging.Warnw("session: transport close", append(logging.SessionFields(r.id, ""), "err", err)...)
			}
		}
		if r.out.Close != nil {
			if err := r.out.Close(); err != nil {
				logging.Warnw("session: audio output close", append(logging.SessionFields(r.id, ""), "err", err)...)
			}
		}
	})
}

// finish detaches the run from the controller and records its final status.
// A run that is no longer current must not touch the controller: its
// successor owns the status now.
func (c *Controller) finish(r *run, final VoiceStatus) {
	c.mu.Lock()
	if c.cur != r {
		c.mu.Unlock()
		return
	}
	c.cur = nil
	c.status = final
	cb := c.cfg.OnStatus
	c.mu.Unlock()
	if cb != nil {
		cb(final)
	}
}

func (c *Controller) setStatus(s VoiceStatus) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	cb := c.cfg.OnStatus
	c.mu.Unlock()
	if changed && cb != nil {
		cb(s)
	}
}
