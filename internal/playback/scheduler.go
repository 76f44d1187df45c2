// Package playback schedules decoded speech chunks on a virtual timeline so
// they play back-to-back regardless of how fast they arrive from the
// transport. The scheduler owns a monotonically advancing next-start
// timestamp and the set of in-flight sources; draining that set is the only
// signal that playback has finished.
package playback

import (
	"fmt"
	"sync"

	"github.com/pharmacy-voice-lab/internal/logging"
	"github.com/pharmacy-voice-lab/internal/pcm"
)

// Clock reports the current time, in seconds, of the playback context's
// monotonic clock domain.
type Clock interface {
	Now() float64
}

// Buffer is a decoded, playable chunk of audio.
type Buffer struct {
	Channels   [][]float32
	SampleRate int
}

// Duration returns the buffer's play time in seconds.
func (b Buffer) Duration() float64 {
	if b.SampleRate <= 0 || len(b.Channels) == 0 {
		return 0
	}
	return float64(len(b.Channels[0])) / float64(b.SampleRate)
}

// Handle refers to one started playback source.
type Handle interface {
	Stop()
}

// Player starts buffers at absolute timeline positions. The done callback
// must run exactly once when the source finishes or is stopped.
type Player interface {
	PlayAt(buf Buffer, at float64, done func()) (Handle, error)
}

// source is the identity of one scheduled chunk in the active set. The
// player handle is attached after PlayAt returns.
type source struct {
	handle Handle
}

// Scheduler keeps chunks gapless by scheduling each at
// max(nextStart, clock.Now()) and advancing nextStart by the chunk duration.
type Scheduler struct {
	clock      Clock
	player     Player
	sampleRate int
	channels   int
	onDrained  func()

	mu        sync.Mutex
	nextStart float64
	active    map[*source]struct{}
	stopped   bool
}

// NewScheduler creates a scheduler for the fixed output format. onDrained is
// invoked (outside the scheduler lock) whenever the active set becomes empty.
func NewScheduler(clock Clock, player Player, sampleRate, channels int, onDrained func()) *Scheduler {
	return &Scheduler{
		clock:      clock,
		player:     player,
		sampleRate: sampleRate,
		channels:   channels,
		onDrained:  onDrained,
		active:     make(map[*source]struct{}),
	}
}

// ScheduleChunk decodes a wire-encoded audio chunk and starts it on the
// virtual timeline. Chunks are scheduled in call order; their start times
// come from the timeline, never from arrival time.
func (s *Scheduler) ScheduleChunk(wire string) error {
	raw, err := pcm.UnmarshalWire(wire)
	if err != nil {
		return err
	}
	chans, err := pcm.DecodeFrame(raw, s.channels)
	if err != nil {
		return err
	}
	buf := Buffer{Channels: chans, SampleRate: s.sampleRate}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("playback: scheduler stopped")
	}
	if now := s.clock.Now(); now > s.nextStart {
		s.nextStart = now
	}
	at := s.nextStart
	s.nextStart += buf.Duration()
	src := &source{}
	s.active[src] = struct{}{}
	s.mu.Unlock()

	h, err := s.player.PlayAt(buf, at, func() { s.finish(src) })
	if err != nil {
		s.mu.Lock()
		delete(s.active, src)
		s.mu.Unlock()
		return fmt.Errorf("playback: start chunk: %w", err)
	}
	s.mu.Lock()
	src.handle = h
	s.mu.Unlock()
	logging.Debugw("playback: chunk scheduled", "start_at", at, "duration_s", buf.Duration())
	return nil
}

// finish removes a completed source and signals drained when the set empties.
func (s *Scheduler) finish(src *source) {
	s.mu.Lock()
	if _, ok := s.active[src]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, src)
	drained := len(s.active) == 0 && !s.stopped
	s.mu.Unlock()
	if drained && s.onDrained != nil {
		s.onDrained()
	}
}

// Empty reports whether no sources are in flight.
func (s *Scheduler) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) == 0
}

// Pending returns the number of in-flight sources.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Stop halts all in-flight sources and suppresses the drained signal. Safe
// to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	handles := make([]Handle, 0, len(s.active))
	for src := range s.active {
		if src.handle != nil {
			handles = append(handles, src.handle)
		}
	}
	s.active = make(map[*source]struct{})
	s.mu.Unlock()
	for _, h := range handles {
		h.Stop()
	}
}
