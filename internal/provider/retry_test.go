package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusSequence(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		idx := int(n) - 1
		if idx >= len(statuses) {
			idx = len(statuses) - 1
		}
		w.WriteHeader(statuses[idx])
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func getter(url string) func(context.Context) (*http.Response, error) {
	return func(ctx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		return http.DefaultClient.Do(req)
	}
}

func TestRetryPolicy_RetriesRetryableStatus(t *testing.T) {
	srv, calls := statusSequence(t, 503, 503, 200)
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, RetryableStatuses: []int{503}}

	var notified []int
	resp, err := p.Do(context.Background(), getter(srv.URL), func(attempt int, err error, wait time.Duration) {
		notified = append(notified, attempt)
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	assert.Equal(t, []int{1, 2}, notified)
}

func TestRetryPolicy_DoesNotRetryClientErrors(t *testing.T) {
	srv, calls := statusSequence(t, 404, 200)
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, RetryableStatuses: []int{500, 502, 503, 504}}

	resp, err := p.Do(context.Background(), getter(srv.URL), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestRetryPolicy_ReturnsLastRetryableResponse(t *testing.T) {
	srv, calls := statusSequence(t, 500)
	p := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, RetryableStatuses: []int{500}}

	resp, err := p.Do(context.Background(), getter(srv.URL), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestRetryPolicy_SingleAttemptOnNetworkError(t *testing.T) {
	var calls int
	boom := errors.New("connection refused")
	_, err := SingleAttempt.Do(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		return nil, boom
	}, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_RetriesNetworkErrors(t *testing.T) {
	var calls int
	boom := errors.New("connection refused")
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}

	_, err := p.Do(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		return nil, boom
	}, nil)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}

	_, err := p.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		calls++
		cancel()
		return nil, ctx.Err()
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestErrorHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, NewClientError("messages field is required").HTTPStatus())

	up := NewUpstreamError("Ollama request failed", errors.New("dial tcp: refused"))
	assert.Equal(t, http.StatusBadGateway, up.HTTPStatus())
	assert.Contains(t, up.Error(), "dial tcp")

	var target *Error
	wrapped := errors.Join(errors.New("outer"), up)
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, KindUpstream, target.Kind)
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(context.DeadlineExceeded))
	assert.False(t, IsTimeout(errors.New("nope")))
}

func TestToChatCompletion(t *testing.T) {
	cc := ToChatCompletion(&Completion{Model: "m", Content: "X"})

	assert.Equal(t, ObjectCompletion, cc.Object)
	assert.Regexp(t, `^chatcmpl-`, cc.ID)
	require.Len(t, cc.Choices, 1)
	assert.Equal(t, Message{Role: RoleAssistant, Content: "X"}, cc.Choices[0].Message)
	assert.Equal(t, FinishStop, cc.Choices[0].FinishReason)
	assert.Nil(t, cc.Usage)
}
