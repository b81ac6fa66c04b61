package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-gateway/chat-gateway/internal/provider"
	"github.com/ai-gateway/chat-gateway/internal/resolver"
)

func newTestProvider(base string) *Provider {
	return New(Options{
		Timeout:      5 * time.Second,
		ProbeTimeout: time.Second,
		Retry:        provider.SingleAttempt,
		QueryRetry:   provider.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, RetryableStatuses: []int{500, 502, 503, 504}},
		Resolve: func() resolver.Backend {
			return resolver.Backend{BaseURL: base, Source: resolver.SourceConfig}
		},
	})
}

func localRequest(base string, stream bool) *provider.ChatRequest {
	return &provider.ChatRequest{
		Model:       "qwen2.5-coder:7b",
		Messages:    []provider.Message{{Role: "user", Content: "hello"}},
		Temperature: 0.2,
		Stream:      stream,
		Provider:    provider.KindLocal,
		Backend:     resolver.Backend{BaseURL: base, Source: resolver.SourceEnv},
	}
}

func closedServerURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func TestComplete_TranslatesResponse(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"model":"qwen2.5-coder:7b","message":{"role":"assistant","content":"X"},"done":true,"prompt_eval_count":7,"eval_count":3}`)
	}))
	defer srv.Close()

	p := newTestProvider("http://unused")
	c, err := p.Complete(context.Background(), localRequest(srv.URL, false))
	require.NoError(t, err)

	assert.Equal(t, "X", c.Content)
	assert.Equal(t, provider.FinishStop, c.FinishReason)
	require.NotNil(t, c.Usage)
	assert.Equal(t, 10, c.Usage.TotalTokens)

	assert.Equal(t, "qwen2.5-coder:7b", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, 0.2, got.Options.Temperature)
	assert.Equal(t, []provider.Message{{Role: "user", Content: "hello"}}, got.Messages)
}

func TestComplete_MissingMessageIsEmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"done":true}`)
	}))
	defer srv.Close()

	c, err := newTestProvider(srv.URL).Complete(context.Background(), localRequest(srv.URL, false))
	require.NoError(t, err)
	assert.Equal(t, "", c.Content)
	assert.Nil(t, c.Usage)
}

func TestComplete_UpstreamFailures(t *testing.T) {
	badStatus := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer badStatus.Close()

	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html>`)
	}))
	defer garbage.Close()

	errBody := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error":"out of memory"}`)
	}))
	defer errBody.Close()

	tests := []struct {
		name       string
		base       string
		wantStatus int
	}{
		{"non-2xx", badStatus.URL, http.StatusNotFound},
		{"connection refused", closedServerURL(t), 0},
		{"undecodable body", garbage.URL, http.StatusOK},
		{"error body", errBody.URL, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestProvider(tt.base).Complete(context.Background(), localRequest(tt.base, false))
			require.Error(t, err)

			var perr *provider.Error
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, provider.KindUpstream, perr.Kind)
			assert.Equal(t, http.StatusBadGateway, perr.HTTPStatus())
			assert.Equal(t, "Ollama request failed", perr.Message)
			assert.Equal(t, tt.base, perr.Base)
			assert.Equal(t, tt.wantStatus, perr.Status)
		})
	}
}

func TestComplete_FallsBackToResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":{"content":"via resolver"}}`)
	}))
	defer srv.Close()

	req := localRequest("", false)
	c, err := newTestProvider(srv.URL).Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "via resolver", c.Content)
}

func collect(ch <-chan provider.StreamEvent) []provider.StreamEvent {
	var out []provider.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestStream_EndToEnd(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"message":{"content":"Hi"}}`+"\n")
		w.(http.Flusher).Flush()
		io.WriteString(w, `{"done":true}`+"\n")
	}))
	defer srv.Close()

	events := collect(newTestProvider(srv.URL).Stream(context.Background(), localRequest(srv.URL, true)))

	assert.True(t, got.Stream)
	require.Len(t, events, 2)
	assert.Equal(t, provider.StreamEvent{Type: provider.EventDelta, Delta: "Hi"}, events[0])
	assert.Equal(t, provider.StreamEvent{Type: provider.EventDone}, events[1])
}

func TestStream_NonOKStatusIsSingleError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	events := collect(newTestProvider(srv.URL).Stream(context.Background(), localRequest(srv.URL, true)))
	require.Len(t, events, 1)
	assert.Equal(t, provider.EventError, events[0].Type)

	var perr *provider.Error
	require.True(t, errors.As(events[0].Err, &perr))
	assert.Equal(t, srv.URL, perr.Base)
	assert.Equal(t, http.StatusInternalServerError, perr.Status)
}

func TestStream_ConnectionRefused(t *testing.T) {
	base := closedServerURL(t)
	events := collect(newTestProvider(base).Stream(context.Background(), localRequest(base, true)))
	require.Len(t, events, 1)
	assert.Equal(t, provider.EventError, events[0].Type)
}

func parse(t *testing.T, body string) []provider.StreamEvent {
	t.Helper()
	ch := make(chan provider.StreamEvent, 64)
	go func() {
		defer close(ch)
		ParseStream(context.Background(), strings.NewReader(body), ch, nil)
	}()
	return collect(ch)
}

func TestParseStream(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []provider.StreamEvent
	}{
		{
			name: "content then done",
			body: "{\"message\":{\"content\":\"Hi\"}}\n{\"done\":true}\n",
			want: []provider.StreamEvent{
				{Type: provider.EventDelta, Delta: "Hi"},
				{Type: provider.EventDone},
			},
		},
		{
			name: "malformed lines skipped",
			body: "{\"message\":{\"content\":\"a\"}}\n{\"message\":{\"cont\n\ngarbage\n{\"message\":{\"content\":\"b\"}}\n{\"done\":true}\n",
			want: []provider.StreamEvent{
				{Type: provider.EventDelta, Delta: "a"},
				{Type: provider.EventDelta, Delta: "b"},
				{Type: provider.EventDone},
			},
		},
		{
			name: "empty content produces no delta",
			body: "{\"message\":{\"role\":\"assistant\",\"content\":\"\"}}\n{\"done\":true}\n",
			want: []provider.StreamEvent{{Type: provider.EventDone}},
		},
		{
			name: "content on the done line",
			body: "{\"message\":{\"content\":\"last\"},\"done\":true}\n",
			want: []provider.StreamEvent{
				{Type: provider.EventDelta, Delta: "last"},
				{Type: provider.EventDone},
			},
		},
		{
			name: "nothing read after done",
			body: "{\"done\":true}\n{\"message\":{\"content\":\"late\"}}\n",
			want: []provider.StreamEvent{{Type: provider.EventDone}},
		},
		{
			name: "eof without done",
			body: "{\"message\":{\"content\":\"partial\"}}\n",
			want: []provider.StreamEvent{{Type: provider.EventDelta, Delta: "partial"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parse(t, tt.body))
		})
	}
}

func TestParseStream_ErrorLine(t *testing.T) {
	events := parse(t, "{\"message\":{\"content\":\"a\"}}\n{\"error\":\"model crashed\"}\n{\"done\":true}\n")
	require.Len(t, events, 2)
	assert.Equal(t, provider.EventDelta, events[0].Type)
	assert.Equal(t, provider.EventError, events[1].Type)
}

type failingReader struct{ data io.Reader }

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.data.Read(p)
	if err == io.EOF {
		return n, errors.New("connection reset by peer")
	}
	return n, err
}

func TestParseStream_ReadError(t *testing.T) {
	ch := make(chan provider.StreamEvent, 8)
	go func() {
		defer close(ch)
		ParseStream(context.Background(), &failingReader{data: strings.NewReader("{\"message\":{\"content\":\"a\"}}\n")}, ch, nil)
	}()
	events := collect(ch)
	require.Len(t, events, 2)
	assert.Equal(t, provider.EventDelta, events[0].Type)
	assert.Equal(t, provider.EventError, events[1].Type)
}

func TestFetchTagsAndListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		io.WriteString(w, `{"models":[{"name":"llama3:latest","size":4661224676,"modified_at":"2024-05-01T10:00:00Z","details":{"family":"llama"}}]}`)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	models, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, provider.ModelInfo{
		Name:       "llama3:latest",
		Family:     "llama",
		Size:       4661224676,
		ModifiedAt: "2024-05-01T10:00:00Z",
	}, models[0])

	res, err := p.FetchTags(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Contains(t, string(res.Raw), "llama3:latest")
}

func TestListModels_NonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := newTestProvider(srv.URL)
	_, err := p.ListModels(context.Background())
	assert.Error(t, err)

	res, err := p.FetchTags(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
}

func TestGenerate_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `{"response":"  pong \n"}`)
	}))
	defer srv.Close()

	out, err := newTestProvider(srv.URL).Generate(context.Background(), "llama2", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestGenerate_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestProvider(srv.URL).Generate(context.Background(), "llama2", "ping", nil)
	var perr *provider.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "HTTP error from Ollama API: 400", perr.Message)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGenerate_MissingResponseField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"done":true}`)
	}))
	defer srv.Close()

	_, err := newTestProvider(srv.URL).Generate(context.Background(), "llama2", "ping", nil)
	var perr *provider.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "Invalid JSON response from Ollama", perr.Message)
}
