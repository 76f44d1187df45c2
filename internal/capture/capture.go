// Package capture owns the microphone stream and the fixed-size buffered
// processor attached to the input audio context. Each delivered frame is
// converted to the wire format and forwarded to the transport send path.
// There is no buffering or retry beyond the device callback cadence: frames
// are fire-and-forget by design.
package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pharmacy-voice-lab/internal/logging"
	"github.com/pharmacy-voice-lab/internal/pcm"
)

// Stream is an acquired microphone input. Stopping its tracks releases the
// device.
type Stream interface {
	StopTracks()
}

// Processor is the buffered audio tap on the input context. Start attaches
// the callback which is invoked repeatedly with mono sample windows while
// capture is active; Disconnect detaches the node.
type Processor interface {
	Start(fn func(samples []float32)) error
	Disconnect() error
}

// Pipeline wires a Stream and Processor to an outbound frame sink.
type Pipeline struct {
	stream    Stream
	proc      Processor
	frameSize int
	onFrame   func(wire string)

	mu      sync.Mutex
	started bool
	stopped bool

	frameCount   atomic.Int64
	sizeWarnOnce sync.Once
}

// NewPipeline creates a pipeline forwarding frames of frameSize samples.
func NewPipeline(stream Stream, proc Processor, frameSize int, onFrame func(wire string)) *Pipeline {
	return &Pipeline{stream: stream, proc: proc, frameSize: frameSize, onFrame: onFrame}
}

// Start attaches the processing callback. Each invocation encodes the sample
// window and forwards it; a send that is slower than capture is the
// transport's problem, not ours.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("capture: already started")
	}
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("capture: pipeline stopped")
	}
	p.started = true
	p.mu.Unlock()

	return p.proc.Start(func(samples []float32) {
		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			// Stale device callback after teardown.
			return
		}
		if len(samples) != p.frameSize {
			p.sizeWarnOnce.Do(func() {
				logging.Warnw("capture: frame size differs from configured block size",
					"got", len(samples), "want", p.frameSize)
			})
		}
		wire := pcm.MarshalWire(pcm.EncodeFrame(samples))
		p.frameCount.Add(1)
		p.onFrame(wire)
	})
}

// Stop disconnects the processing node and releases the microphone tracks.
// It is idempotent; each resource is released exactly once and a failing
// step never prevents the remaining steps from running.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	if err := p.proc.Disconnect(); err != nil {
		logging.Warnw("capture: processor disconnect error", "err", err)
	}
	p.stream.StopTracks()
	logging.Infow("capture: stopped", "frames_sent", p.frameCount.Load())
}

// Frames returns how many frames were forwarded.
func (p *Pipeline) Frames() int64 { return p.frameCount.Load() }
