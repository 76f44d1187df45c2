// Package audiodev provides audio device implementations for the session
// controller. The null devices let the assistant run headless: the mic
// produces silence at capture cadence and the player times buffers out on
// the wall clock without rendering them.
package audiodev

import (
	"context"
	"sync"
	"time"

	"github.com/pharmacy-voice-lab/internal/pcm"
	"github.com/pharmacy-voice-lab/internal/playback"
	"github.com/pharmacy-voice-lab/internal/session"
)

// NullDevices opens silence-input and discard-output endpoints.
type NullDevices struct {
	// FrameSize is the samples per emitted mic frame. Zero means the
	// session default.
	FrameSize int
}

func (d NullDevices) OpenInput(ctx context.Context) (session.AudioIn, error) {
	frameSize := d.FrameSize
	if frameSize <= 0 {
		frameSize = session.DefaultFrameSize
	}
	mic := newNullMic(frameSize)
	return session.AudioIn{Stream: mic, Proc: mic}, nil
}

func (d NullDevices) OpenOutput(ctx context.Context) (session.AudioOut, error) {
	p := newNullPlayer()
	return session.AudioOut{
		Player: p,
		Clock:  p,
		Close:  p.close,
	}, nil
}

var _ session.Devices = NullDevices{}

// nullMic is both the stream and the processor of a silent microphone. A
// ticker at frame cadence feeds zero-valued frames to the capture callback.
type nullMic struct {
	frameSize int

	mu      sync.Mutex
	ticker  *time.Ticker
	done    chan struct{}
	stopped bool
}

func newNullMic(frameSize int) *nullMic {
	return &nullMic{frameSize: frameSize}
}

func (m *nullMic) Start(fn func([]float32)) error {
	interval := time.Duration(float64(m.frameSize) / pcm.InputSampleRate * float64(time.Second))
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil
	}
	m.ticker = time.NewTicker(interval)
	m.done = make(chan struct{})
	go func(ticker *time.Ticker, done chan struct{}) {
		frame := make([]float32, m.frameSize)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn(frame)
			}
		}
	}(m.ticker, m.done)
	return nil
}

func (m *nullMic) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ticker != nil {
		m.ticker.Stop()
		close(m.done)
		m.ticker = nil
	}
	return nil
}

func (m *nullMic) StopTracks() {
	m.Disconnect()
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

// nullPlayer discards audio but honors the scheduling contract: each buffer
// "finishes" when its slot on the timeline elapses.
type nullPlayer struct {
	start time.Time

	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
}

func newNullPlayer() *nullPlayer {
	return &nullPlayer{start: time.Now(), timers: make(map[*time.Timer]struct{})}
}

// Now returns seconds since the player opened.
func (p *nullPlayer) Now() float64 {
	return time.Since(p.start).Seconds()
}

func (p *nullPlayer) PlayAt(buf playback.Buffer, at float64, done func()) (playback.Handle, error) {
	delay := time.Duration((at - p.Now() + buf.Duration()) * float64(time.Second))
	if delay < 0 {
		delay = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return noopHandle{}, nil
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, timer)
		p.mu.Unlock()
		done()
	})
	p.timers[timer] = struct{}{}
	return timerHandle{p: p, timer: timer}, nil
}

func (p *nullPlayer) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for t := range p.timers {
		t.Stop()
	}
	p.timers = map[*time.Timer]struct{}{}
	return nil
}

type timerHandle struct {
	p     *nullPlayer
	timer *time.Timer
}

func (h timerHandle) Stop() {
	h.timer.Stop()
	h.p.mu.Lock()
	delete(h.p.timers, h.timer)
	h.p.mu.Unlock()
}

type noopHandle struct{}

func (noopHandle) Stop() {}
