// Package sse writes OpenAI-style chat.completion.chunk frames.
//
// Every frame is "data: <json>\n\n" and a stream always ends with the
// literal "data: [DONE]\n\n". Once that terminator is written the writer
// refuses further frames.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ai-gateway/chat-gateway/internal/provider"
)

// ErrorContent is the delta sent when the upstream connection fails.
const ErrorContent = "[Error: Connection failed to Ollama]"

const doneFrame = "data: [DONE]\n\n"

// ErrDone is returned by writes attempted after the terminator.
var ErrDone = errors.New("sse: stream already terminated")

type State int

const (
	StateIdle State = iota
	StateStreaming
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// FrameKind labels written frames for observers.
type FrameKind string

const (
	FrameDelta FrameKind = "delta"
	FrameStop  FrameKind = "stop"
	FrameError FrameKind = "error"
	FrameDone  FrameKind = "done"
)

type Writer struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	id      string
	model   string
	created int64
	onFrame func(FrameKind)

	mu    sync.Mutex
	state State
}

// Option customizes a Writer.
type Option func(*Writer)

// WithFrameObserver registers fn to be called after each frame is written.
func WithFrameObserver(fn func(FrameKind)) Option {
	return func(w *Writer) { w.onFrame = fn }
}

// WithID fixes the chunk id instead of generating one.
func WithID(id string) Option {
	return func(w *Writer) { w.id = id }
}

func NewWriter(w http.ResponseWriter, model string, opts ...Option) *Writer {
	sw := &Writer{
		w:       w,
		rc:      http.NewResponseController(w),
		id:      provider.NewCompletionID(),
		model:   model,
		created: time.Now().Unix(),
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

func (s *Writer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start sends the 200 status and headers and flushes them, so the client
// sees the response begin before the upstream answers.
func (s *Writer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Writer) startLocked() error {
	switch s.state {
	case StateDone:
		return ErrDone
	case StateStreaming:
		return nil
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.state = StateStreaming
	return s.flush()
}

// Delta writes one content frame. Empty content writes nothing.
func (s *Writer) Delta(content string) error {
	if content == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.startLocked(); err != nil {
		return err
	}
	return s.writeChunk(provider.Delta{Content: content}, nil, FrameDelta)
}

// Finish writes the stop frame and the terminator.
func (s *Writer) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.startLocked(); err != nil {
		return err
	}
	stop := provider.FinishStop
	if err := s.writeChunk(provider.Delta{}, &stop, FrameStop); err != nil {
		return err
	}
	return s.terminate()
}

// Fail writes the single error frame and the terminator.
func (s *Writer) Fail() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.startLocked(); err != nil {
		return err
	}
	stop := provider.FinishStop
	if err := s.writeChunk(provider.Delta{Content: ErrorContent}, &stop, FrameError); err != nil {
		return err
	}
	return s.terminate()
}

func (s *Writer) writeChunk(delta provider.Delta, finish *string, kind FrameKind) error {
	data, err := json.Marshal(provider.ChatCompletionChunk{
		ID:      s.id,
		Object:  provider.ObjectChunk,
		Created: s.created,
		Model:   s.model,
		Choices: []provider.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	})
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	s.observe(kind)
	return s.flush()
}

func (s *Writer) terminate() error {
	// The stream counts as terminated even if the client is gone.
	s.state = StateDone
	if _, err := fmt.Fprint(s.w, doneFrame); err != nil {
		return fmt.Errorf("write [DONE]: %w", err)
	}
	s.observe(FrameDone)
	return s.flush()
}

func (s *Writer) observe(kind FrameKind) {
	if s.onFrame != nil {
		s.onFrame(kind)
	}
}

func (s *Writer) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Result summarizes a pumped stream.
type Result struct {
	Deltas int
	// Upstream is the failure reported by the provider, if any.
	Upstream error
	// Cancelled is set when ctx ended before the terminator was written.
	Cancelled bool
	// Truncated is set when the provider closed the stream without a done
	// marker. The stream is still finished normally.
	Truncated bool
}

// Pump copies provider events into frames until the terminator is written
// and the channel is drained, or until ctx ends. A channel closed while
// still streaming finishes the stream normally. The returned error is a
// failure to write to the client.
func (s *Writer) Pump(ctx context.Context, events <-chan provider.StreamEvent) (Result, error) {
	var res Result
	if err := s.Start(); err != nil {
		return res, err
	}

	for {
		select {
		case <-ctx.Done():
			res.Cancelled = s.State() != StateDone
			return res, nil

		case ev, ok := <-events:
			if !ok {
				if s.State() == StateDone {
					return res, nil
				}
				res.Truncated = true
				return res, s.Finish()
			}
			if s.State() == StateDone {
				continue
			}

			var err error
			switch ev.Type {
			case provider.EventDelta:
				if ev.Delta != "" {
					res.Deltas++
				}
				err = s.Delta(ev.Delta)
			case provider.EventDone:
				err = s.Finish()
			case provider.EventError:
				res.Upstream = ev.Err
				err = s.Fail()
			}
			if err != nil {
				return res, err
			}
		}
	}
}
