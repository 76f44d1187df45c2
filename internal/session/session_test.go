package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pharmacy-voice-lab/internal/pcm"
	"github.com/pharmacy-voice-lab/internal/playback"
	"github.com/pharmacy-voice-lab/internal/tools"
)

// --- stubs ---

type stubStream struct {
	mu    sync.Mutex
	stops int
}

func (s *stubStream) StopTracks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *stubStream) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type stubProcessor struct {
	mu          sync.Mutex
	callback    func([]float32)
	disconnects int
}

func (p *stubProcessor) Start(fn func([]float32)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callback = fn
	return nil
}

func (p *stubProcessor) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	return nil
}

func (p *stubProcessor) emit(samples []float32) {
	p.mu.Lock()
	fn := p.callback
	p.mu.Unlock()
	if fn != nil {
		fn(samples)
	}
}

type stubClock struct{ now float64 }

func (c *stubClock) Now() float64 { return c.now }

type stubHandle struct{ stopped bool }

func (h *stubHandle) Stop() { h.stopped = true }

type stubPlayer struct {
	mu    sync.Mutex
	dones []func()
}

func (p *stubPlayer) PlayAt(buf playback.Buffer, at float64, done func()) (playback.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dones = append(p.dones, done)
	return &stubHandle{}, nil
}

func (p *stubPlayer) finishAll() {
	p.mu.Lock()
	dones := p.dones
	p.dones = nil
	p.mu.Unlock()
	for _, done := range dones {
		done()
	}
}

type stubTransport struct {
	mu         sync.Mutex
	audio      []string
	results    [][]tools.Result
	closes     int
	sendErr    error
	resultsErr error
	closeErr   error
}

func (t *stubTransport) SendAudio(wire string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.audio = append(t.audio, wire)
	return nil
}

func (t *stubTransport) SendToolResults(results []tools.Result) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resultsErr != nil {
		return t.resultsErr
	}
	t.results = append(t.results, results)
	return nil
}

func (t *stubTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	return t.closeErr
}

func (t *stubTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

type stubDialer struct {
	mu        sync.Mutex
	transport *stubTransport
	// queue, when non-empty, supplies transports for the next dials before
	// falling back to transport.
	queue    []*stubTransport
	handlers []Handlers
	err      error
}

func (d *stubDialer) Dial(ctx context.Context, h Handlers) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	tr := d.transport
	if len(d.queue) > 0 {
		tr = d.queue[0]
		d.queue = d.queue[1:]
	}
	d.handlers = append(d.handlers, h)
	return tr, nil
}

// peer returns the handlers of the most recent dial.
func (d *stubDialer) peer() Handlers {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[len(d.handlers)-1]
}

type stubDevices struct {
	stream    *stubStream
	proc      *stubProcessor
	player    *stubPlayer
	clock     *stubClock
	inputErr  error
	outCloses int
	mu        sync.Mutex
}

func (d *stubDevices) OpenInput(ctx context.Context) (AudioIn, error) {
	if d.inputErr != nil {
		return AudioIn{}, d.inputErr
	}
	return AudioIn{Stream: d.stream, Proc: d.proc}, nil
}

func (d *stubDevices) OpenOutput(ctx context.Context) (AudioOut, error) {
	return AudioOut{
		Player: d.player,
		Clock:  d.clock,
		Close: func() error {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.outCloses++
			return nil
		},
	}, nil
}

func (d *stubDevices) outCloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outCloses
}

type stubNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *stubNotifier) Notify(level, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, level+": "+message)
}

func (n *stubNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

// --- fixture ---

type fixture struct {
	ctrl     *Controller
	devices  *stubDevices
	dialer   *stubDialer
	notifier *stubNotifier
	registry *tools.Registry
	statusCh chan VoiceStatus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		devices: &stubDevices{
			stream: &stubStream{},
			proc:   &stubProcessor{},
			player: &stubPlayer{},
			clock:  &stubClock{},
		},
		dialer:   &stubDialer{transport: &stubTransport{}},
		notifier: &stubNotifier{},
		statusCh: make(chan VoiceStatus, 32),
	}
	reg := tools.NewRegistry(true)
	if err := reg.Register(tools.Capability{
		Name: "ping",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return "pong", nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(tools.Capability{
		Name: "broken",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, errors.New("query failed")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.registry = reg
	ctrl, err := New(Config{
		Dialer:   f.dialer,
		Devices:  f.devices,
		Registry: reg,
		Notifier: f.notifier,
		OnStatus: func(s VoiceStatus) { f.statusCh <- s },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.ctrl = ctrl
	return f
}

func (f *fixture) waitStatus(t *testing.T, want VoiceStatus) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-f.statusCh:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s (current %s)", want, f.ctrl.Status())
		}
	}
}

func wireChunk() string {
	return pcm.MarshalWire(pcm.EncodeFrame([]float32{0.1, -0.1, 0.2, -0.2}))
}

// --- tests ---

func TestStartTransitionsToListening(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitStatus(t, StatusListening)
	if err := f.ctrl.Start(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Start: got %v, want ErrAlreadyActive", err)
	}
	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestMicPermissionDeniedLandsError(t *testing.T) {
	f := newFixture(t)
	f.devices.inputErr = ErrPermissionDenied

	err := f.ctrl.Start(context.Background())
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start: got %v, want ErrPermissionDenied", err)
	}
	if got := f.ctrl.Status(); got != StatusError {
		t.Fatalf("status after denied mic: %s", got)
	}
	if f.notifier.count() == 0 {
		t.Fatal("expected a user notification")
	}
	// The output device opened before the mic failed and must be released.
	if f.devices.outCloseCount() != 1 {
		t.Fatalf("output close count: %d", f.devices.outCloseCount())
	}
	// A session may be restarted straight out of the error status.
	f.devices.inputErr = nil
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("restart from error: %v", err)
	}
	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestMicFramesReachTransport(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.devices.proc.emit([]float32{0.5, -0.5})
	f.devices.proc.emit([]float32{0.25, -0.25})

	f.dialer.transport.mu.Lock()
	sent := len(f.dialer.transport.audio)
	f.dialer.transport.mu.Unlock()
	if sent != 2 {
		t.Fatalf("expected 2 audio frames sent, got %d", sent)
	}
	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestAudioChunkSpeaksThenDrainsBackToListening(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitStatus(t, StatusListening)

	f.dialer.peer().OnAudio(wireChunk())
	f.waitStatus(t, StatusSpeaking)

	f.devices.player.finishAll()
	f.waitStatus(t, StatusListening)

	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestToolCallsProcessThenReturnToListening(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitStatus(t, StatusListening)

	f.dialer.peer().OnToolCalls([]tools.Call{
		{ID: "c1", Name: "ping"},
		{ID: "c2", Name: "broken"},
	})
	f.waitStatus(t, StatusProcessing)
	f.waitStatus(t, StatusListening)

	f.dialer.transport.mu.Lock()
	batches := f.dialer.transport.results
	f.dialer.transport.mu.Unlock()
	if len(batches) != 1 {
		t.Fatalf("expected one result batch, got %d", len(batches))
	}
	batch := batches[0]
	if len(batch) != 2 {
		t.Fatalf("expected both results in the batch, got %d", len(batch))
	}
	if batch[0].Payload["result"] != "pong" {
		t.Fatalf("unexpected first result: %+v", batch[0])
	}
	if _, ok := batch[1].Payload["error"]; !ok {
		t.Fatalf("expected error payload for failed call, got %+v", batch[1])
	}
	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopFromEveryActiveStateLandsIdle(t *testing.T) {
	prime := map[string]func(f *fixture){
		"listening":  func(f *fixture) {},
		"processing": func(f *fixture) { f.dialer.peer().OnToolCalls([]tools.Call{{ID: "c", Name: "ping"}}) },
		"speaking":   func(f *fixture) { f.dialer.peer().OnAudio(wireChunk()) },
	}
	for name, fn := range prime {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			if err := f.ctrl.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			f.waitStatus(t, StatusListening)
			fn(f)

			if err := f.ctrl.Stop(); err != nil {
				t.Fatalf("Stop: %v", err)
			}
			if got := f.ctrl.Status(); got != StatusIdle {
				t.Fatalf("status after Stop: %s", got)
			}
			if f.devices.stream.stopCount() != 1 {
				t.Fatalf("mic track stops: %d", f.devices.stream.stopCount())
			}
			if f.dialer.transport.closeCount() != 1 {
				t.Fatalf("transport closes: %d", f.dialer.transport.closeCount())
			}
			if f.devices.outCloseCount() != 1 {
				t.Fatalf("output closes: %d", f.devices.outCloseCount())
			}
			if err := f.ctrl.Stop(); !errors.Is(err, ErrNotActive) {
				t.Fatalf("second Stop: got %v, want ErrNotActive", err)
			}
		})
	}
}

func TestRemoteCloseLandsIdleWithoutNotice(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitStatus(t, StatusListening)

	f.dialer.peer().OnClosed(nil)
	f.waitStatus(t, StatusIdle)

	if f.notifier.count() != 0 {
		t.Fatalf("clean remote close must not notify, got %d notices", f.notifier.count())
	}
	if f.devices.stream.stopCount() != 1 {
		t.Fatalf("mic track stops: %d", f.devices.stream.stopCount())
	}
}

func TestTransportErrorLandsErrorAndNotifies(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitStatus(t, StatusListening)

	f.dialer.peer().OnClosed(errors.New("connection reset"))
	f.waitStatus(t, StatusError)

	if f.notifier.count() == 0 {
		t.Fatal("expected a user notification for the transport failure")
	}
	if f.devices.stream.stopCount() != 1 {
		t.Fatalf("mic track stops: %d", f.devices.stream.stopCount())
	}
}

func TestToggleStartsAndStops(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Toggle(context.Background()); err != nil {
		t.Fatalf("first Toggle: %v", err)
	}
	f.waitStatus(t, StatusListening)
	if err := f.ctrl.Toggle(context.Background()); err != nil {
		t.Fatalf("second Toggle: %v", err)
	}
	if got := f.ctrl.Status(); got != StatusIdle {
		t.Fatalf("status after toggle off: %s", got)
	}
}

func TestFailedToolResultSendEndsRun(t *testing.T) {
	f := newFixture(t)
	bad := &stubTransport{resultsErr: errors.New("broken pipe")}
	f.dialer.queue = []*stubTransport{bad}

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitStatus(t, StatusListening)

	f.dialer.peer().OnToolCalls([]tools.Call{{ID: "c1", Name: "ping"}})
	f.waitStatus(t, StatusError)

	if f.notifier.count() == 0 {
		t.Fatal("expected a user notification")
	}
	if f.devices.stream.stopCount() != 1 {
		t.Fatalf("mic track stops: %d", f.devices.stream.stopCount())
	}
	if bad.closeCount() != 1 {
		t.Fatalf("transport closes: %d", bad.closeCount())
	}
	// The controller is free again; nothing is left to stop.
	if err := f.ctrl.Stop(); !errors.Is(err, ErrNotActive) {
		t.Fatalf("Stop after failed run: got %v, want ErrNotActive", err)
	}
}

// A run that died mid-session must not touch the controller once a successor
// session is live, even when its transport delivers trailing events.
func TestDeadRunCannotClobberSuccessor(t *testing.T) {
	f := newFixture(t)
	bad := &stubTransport{resultsErr: errors.New("broken pipe")}
	f.dialer.queue = []*stubTransport{bad}

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	f.waitStatus(t, StatusListening)
	firstPeer := f.dialer.peer()

	firstPeer.OnToolCalls([]tools.Call{{ID: "c1", Name: "ping"}})
	f.waitStatus(t, StatusError)

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	f.waitStatus(t, StatusListening)

	// Trailing events from the dead run's transport, including the peer
	// acknowledging the close.
	firstPeer.OnClosed(nil)
	firstPeer.OnAudio(wireChunk())
	firstPeer.OnToolCalls([]tools.Call{{ID: "late", Name: "ping"}})
	time.Sleep(50 * time.Millisecond)

	if got := f.ctrl.Status(); got != StatusListening {
		t.Fatalf("live session status clobbered by dead run: got %s, want listening", got)
	}
	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := f.ctrl.Status(); got != StatusIdle {
		t.Fatalf("status after Stop: %s", got)
	}
}

func TestDispatchContextEndsWithSession(t *testing.T) {
	f := newFixture(t)
	ctxCh := make(chan context.Context, 1)
	if err := f.registry.Register(tools.Capability{
		Name: "observe_ctx",
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			ctxCh <- ctx
			return "ok", nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitStatus(t, StatusListening)

	f.dialer.peer().OnToolCalls([]tools.Call{{ID: "c1", Name: "observe_ctx"}})
	var dispatchCtx context.Context
	select {
	case dispatchCtx = <-ctxCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
	if dispatchCtx.Err() != nil {
		t.Fatalf("dispatch context ended early: %v", dispatchCtx.Err())
	}

	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if dispatchCtx.Err() == nil {
		t.Fatal("dispatch context must be cancelled when the session ends")
	}
}

func TestLateCallbacksAfterStopAreDropped(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.waitStatus(t, StatusListening)
	peer := f.dialer.peer()
	if err := f.ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Events racing in from the old connection must not resurrect state.
	peer.OnAudio(wireChunk())
	peer.OnToolCalls([]tools.Call{{ID: "late", Name: "ping"}})
	peer.OnClosed(errors.New("late failure"))

	if got := f.ctrl.Status(); got != StatusIdle {
		t.Fatalf("status after late callbacks: %s", got)
	}
	if f.notifier.count() != 0 {
		t.Fatalf("late failure must not notify, got %d notices", f.notifier.count())
	}
}
