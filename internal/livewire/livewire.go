// Package livewire speaks the realtime voice wire protocol over a websocket:
// a setup handshake declaring the model, system prompt and tool schemas,
// then streaming audio both ways plus tool-call round trips.
package livewire

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pharmacy-voice-lab/internal/logging"
	"github.com/pharmacy-voice-lab/internal/pcm"
	"github.com/pharmacy-voice-lab/internal/session"
	"github.com/pharmacy-voice-lab/internal/tools"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 15 * time.Second

	inputMimeType = "audio/pcm;rate=16000"
)

// Options configure a Dialer.
type Options struct {
	// URL is the websocket endpoint.
	URL string
	// APIKey is appended as the key query parameter.
	APIKey string
	// Model is the model resource name sent in the setup handshake.
	Model string
	// SystemPrompt seeds the session's system instruction.
	SystemPrompt string
	// Declarations are the tool schemas offered to the model.
	Declarations []tools.Capability
}

// Dialer connects realtime sessions.
type Dialer struct {
	opts Options
}

// NewDialer builds a Dialer.
func NewDialer(opts Options) *Dialer {
	return &Dialer{opts: opts}
}

// Dial connects, completes the setup handshake and starts the read loop.
// The returned transport is ready for audio as soon as Dial returns.
func (d *Dialer) Dial(ctx context.Context, h session.Handlers) (session.Transport, error) {
	endpoint, err := url.Parse(d.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("livewire: parse endpoint: %w", err)
	}
	if d.opts.APIKey != "" {
		q := endpoint.Query()
		q.Set("key", d.opts.APIKey)
		endpoint.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("livewire: dial %s: status %d: %w", d.opts.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("livewire: dial %s: %w", d.opts.URL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &conn{
		id:       uuid.NewString(),
		ws:       ws,
		handlers: h,
		closed:   make(chan struct{}),
	}
	if err := c.handshake(ctx, d.opts); err != nil {
		ws.Close()
		return nil, err
	}
	logging.Infow("livewire: connected", "conn_id", c.id, "model", d.opts.Model)
	go c.readLoop()
	return c, nil
}

// conn is one live websocket session. Writes are serialized by writeMu;
// reads happen on the single readLoop goroutine.
type conn struct {
	id       string
	ws       *websocket.Conn
	handlers session.Handlers

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// handshake sends the setup message and waits for setupComplete.
func (c *conn) handshake(ctx context.Context, opts Options) error {
	setup := &setupPayload{
		Model:            opts.Model,
		GenerationConfig: &generationConfig{ResponseModalities: []string{"AUDIO"}},
	}
	if opts.SystemPrompt != "" {
		setup.SystemInstruction = &content{Parts: []part{{Text: opts.SystemPrompt}}}
	}
	if len(opts.Declarations) > 0 {
		decls := make([]functionDeclaration, 0, len(opts.Declarations))
		for _, d := range opts.Declarations {
			decls = append(decls, functionDeclaration{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
		setup.Tools = []toolDeclaration{{FunctionDeclarations: decls}}
	}
	if err := c.writeJSON(clientMessage{Setup: setup}); err != nil {
		return fmt.Errorf("livewire: send setup: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.ws.SetReadDeadline(deadline)
	} else {
		c.ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	}
	var msg serverMessage
	if err := c.ws.ReadJSON(&msg); err != nil {
		return fmt.Errorf("livewire: read setup ack: %w", err)
	}
	c.ws.SetReadDeadline(time.Time{})
	if msg.SetupComplete == nil {
		return fmt.Errorf("livewire: expected setupComplete, got %+v", msg)
	}
	return nil
}

// SendAudio forwards one microphone frame. Sends racing a close are dropped
// with a debug log rather than surfaced as errors.
func (c *conn) SendAudio(wire string) error {
	select {
	case <-c.closed:
		logging.Debugw("livewire: dropping audio after close", "conn_id", c.id)
		return nil
	default:
	}
	msg := clientMessage{RealtimeInput: &realtimeInputPayload{
		MediaChunks: []inlineData{{MimeType: inputMimeType, Data: wire}},
	}}
	if err := c.writeJSON(msg); err != nil {
		return fmt.Errorf("livewire: send audio: %w", err)
	}
	return nil
}

// SendToolResults returns a batch of tool results to the model.
func (c *conn) SendToolResults(results []tools.Result) error {
	select {
	case <-c.closed:
		logging.Debugw("livewire: dropping tool results after close", "conn_id", c.id)
		return nil
	default:
	}
	responses := make([]functionResponse, 0, len(results))
	for _, r := range results {
		responses = append(responses, functionResponse{ID: r.ID, Name: r.Name, Response: r.Payload})
	}
	msg := clientMessage{ToolResponse: &toolResponsePayload{FunctionResponses: responses}}
	if err := c.writeJSON(msg); err != nil {
		return fmt.Errorf("livewire: send tool results: %w", err)
	}
	return nil
}

// Close ends the session. It is safe to call more than once.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *conn) writeJSON(msg clientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(msg)
}

// readLoop decodes server messages until the connection ends, then reports
// the outcome through OnClosed exactly once.
func (c *conn) readLoop() {
	for {
		var msg serverMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			select {
			case <-c.closed:
				// Local close; the session already knows.
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Infow("livewire: peer closed", "conn_id", c.id)
				c.dispatchClosed(nil)
				return
			}
			logging.Warnw("livewire: read failed", "conn_id", c.id, "err", err)
			c.dispatchClosed(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *conn) dispatch(msg serverMessage) {
	switch {
	case msg.ServerContent != nil:
		c.dispatchContent(msg.ServerContent)
	case msg.ToolCall != nil:
		calls := make([]tools.Call, 0, len(msg.ToolCall.FunctionCalls))
		for _, fc := range msg.ToolCall.FunctionCalls {
			calls = append(calls, tools.Call{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
		if c.handlers.OnToolCalls != nil && len(calls) > 0 {
			c.handlers.OnToolCalls(calls)
		}
	case msg.SetupComplete != nil:
		// Duplicate ack after the handshake; harmless.
		logging.Debugw("livewire: stray setupComplete", "conn_id", c.id)
	default:
		logging.Debugw("livewire: unrecognized server message", "conn_id", c.id)
	}
}

func (c *conn) dispatchContent(sc *serverContentPayload) {
	if sc.ModelTurn == nil || c.handlers.OnAudio == nil {
		return
	}
	for _, p := range sc.ModelTurn.Parts {
		if p.InlineData == nil || p.InlineData.Data == "" {
			continue
		}
		raw, err := pcm.UnmarshalWire(p.InlineData.Data)
		if err != nil {
			logging.Warnw("livewire: bad audio chunk", "conn_id", c.id, "err", err)
			continue
		}
		logging.Debugw("livewire: audio chunk",
			logging.AudioFields(len(raw)/2, int(pcm.DurationSeconds(len(raw), pcm.OutputSampleRate, 1)*1000))...)
		c.handlers.OnAudio(p.InlineData.Data)
	}
}

func (c *conn) dispatchClosed(err error) {
	if c.handlers.OnClosed != nil {
		c.handlers.OnClosed(err)
	}
}

var _ session.Transport = (*conn)(nil)
var _ session.Dialer = (*Dialer)(nil)
