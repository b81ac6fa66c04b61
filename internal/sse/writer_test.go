package sse

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-gateway/chat-gateway/internal/provider"
)

// frames splits a recorded body into its data payloads.
func frames(t *testing.T, body string) []string {
	t.Helper()
	require.True(t, strings.HasSuffix(body, "\n\n"), "body must end with a blank line: %q", body)
	var out []string
	for _, f := range strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n") {
		require.True(t, strings.HasPrefix(f, "data: "), "frame without data prefix: %q", f)
		out = append(out, strings.TrimPrefix(f, "data: "))
	}
	return out
}

func chunk(t *testing.T, payload string) provider.ChatCompletionChunk {
	t.Helper()
	var c provider.ChatCompletionChunk
	require.NoError(t, json.Unmarshal([]byte(payload), &c))
	require.Len(t, c.Choices, 1)
	return c
}

func events(evs ...provider.StreamEvent) <-chan provider.StreamEvent {
	ch := make(chan provider.StreamEvent, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return ch
}

func TestStartSendsHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, "m")
	require.NoError(t, w.Start())

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.True(t, rec.Flushed)
	assert.Equal(t, StateStreaming, w.State())
}

func TestPump_DeltaThenDone(t *testing.T) {
	rec := httptest.NewRecorder()
	var observed []FrameKind
	w := NewWriter(rec, "qwen2.5-coder:7b", WithID("chatcmpl-1"), WithFrameObserver(func(k FrameKind) {
		observed = append(observed, k)
	}))

	res, err := w.Pump(context.Background(), events(
		provider.StreamEvent{Type: provider.EventDelta, Delta: "Hi"},
		provider.StreamEvent{Type: provider.EventDone},
	))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deltas)
	assert.False(t, res.Truncated)
	assert.Nil(t, res.Upstream)

	got := frames(t, rec.Body.String())
	require.Len(t, got, 3)

	first := chunk(t, got[0])
	assert.Equal(t, "chatcmpl-1", first.ID)
	assert.Equal(t, provider.ObjectChunk, first.Object)
	assert.Equal(t, "qwen2.5-coder:7b", first.Model)
	assert.Equal(t, "Hi", first.Choices[0].Delta.Content)
	assert.Nil(t, first.Choices[0].FinishReason)

	stop := chunk(t, got[1])
	assert.Equal(t, "", stop.Choices[0].Delta.Content)
	require.NotNil(t, stop.Choices[0].FinishReason)
	assert.Equal(t, "stop", *stop.Choices[0].FinishReason)

	assert.Equal(t, "[DONE]", got[2])
	assert.Equal(t, []FrameKind{FrameDelta, FrameStop, FrameDone}, observed)
	assert.Equal(t, StateDone, w.State())
}

func TestPump_FinishReasonIsNullOnDeltas(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, "m")
	require.NoError(t, w.Delta("x"))

	assert.Contains(t, rec.Body.String(), `"finish_reason":null`)
}

func TestPump_ErrorEmitsSingleErrorFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	boom := errors.New("dial tcp: connection refused")
	w := NewWriter(rec, "m")

	res, err := w.Pump(context.Background(), events(
		provider.StreamEvent{Type: provider.EventDelta, Delta: "partial"},
		provider.StreamEvent{Type: provider.EventError, Err: boom},
		provider.StreamEvent{Type: provider.EventDelta, Delta: "late"},
		provider.StreamEvent{Type: provider.EventDone},
	))
	require.NoError(t, err)
	assert.ErrorIs(t, res.Upstream, boom)

	got := frames(t, rec.Body.String())
	require.Len(t, got, 3)
	assert.Equal(t, "partial", chunk(t, got[0]).Choices[0].Delta.Content)

	errFrame := chunk(t, got[1])
	assert.Equal(t, ErrorContent, errFrame.Choices[0].Delta.Content)
	assert.Equal(t, "stop", *errFrame.Choices[0].FinishReason)
	assert.Equal(t, "[DONE]", got[2])
}

func TestPump_ClosedWithoutDoneFinishes(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, "m")

	res, err := w.Pump(context.Background(), events(
		provider.StreamEvent{Type: provider.EventDelta, Delta: "a"},
	))
	require.NoError(t, err)
	assert.True(t, res.Truncated)

	got := frames(t, rec.Body.String())
	require.Len(t, got, 3)
	assert.Equal(t, "stop", *chunk(t, got[1]).Choices[0].FinishReason)
	assert.Equal(t, "[DONE]", got[2])
}

func TestPump_CancelledContext(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, "m")
	ch := make(chan provider.StreamEvent)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		res, _ := w.Pump(ctx, ch)
		done <- res
	}()
	cancel()

	select {
	case res := <-done:
		assert.True(t, res.Cancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not return after cancel")
	}
}

func TestWritesAfterDoneAreRejected(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, "m")
	require.NoError(t, w.Finish())
	before := rec.Body.String()

	assert.ErrorIs(t, w.Delta("more"), ErrDone)
	assert.ErrorIs(t, w.Finish(), ErrDone)
	assert.ErrorIs(t, w.Fail(), ErrDone)
	assert.ErrorIs(t, w.Start(), ErrDone)
	assert.Equal(t, before, rec.Body.String())
	assert.Equal(t, 1, strings.Count(before, "[DONE]"))
}

func TestEmptyDeltaWritesNothing(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewWriter(rec, "m")
	require.NoError(t, w.Delta(""))
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, StateIdle, w.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "State(9)", State(9).String())
}
