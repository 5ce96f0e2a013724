package activity

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(t *testing.T, d Details) Entry {
	t.Helper()
	e, err := NewEntry("user-1", d, Origin{IPAddress: "10.0.0.1", UserAgent: "test"}, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return e
}

func TestWebhook_SuccessfulDelivery(t *testing.T) {
	var body []byte
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "", nil)
	require.NoError(t, wh.Append(context.Background(), testEntry(t, LoginDetails{SessionID: "s-1", Browser: "Firefox"})))
	wh.Close()

	mu.Lock()
	defer mu.Unlock()
	var got Entry
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, ActionLogin, got.Action)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, LoginDetails{SessionID: "s-1", Browser: "Firefox"}, got.Details)
}

func TestWebhook_RetryOn500(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "", nil)
	wh.retryDelay = time.Millisecond
	_ = wh.Append(context.Background(), testEntry(t, LogoutDetails{}))
	wh.Close()

	assert.Equal(t, int32(2), attempts.Load(), "should have retried once after 500")
}

func TestWebhook_NoRetryOn400(t *testing.T) {
	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "", nil)
	_ = wh.Append(context.Background(), testEntry(t, LogoutDetails{}))
	wh.Close()

	assert.Equal(t, int32(1), attempts.Load(), "should not retry on 4xx")
}

func TestWebhook_AuthHeader(t *testing.T) {
	var gotAuth, gotContentType string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "Authorization: Bearer my-token-123", nil)
	_ = wh.Append(context.Background(), testEntry(t, LogoutDetails{}))
	wh.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer my-token-123", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
}

func TestWebhook_QueueFullNonBlocking(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	wh := &Webhook{
		url:    srv.URL,
		client: &http.Client{Timeout: 100 * time.Millisecond},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		events: make(chan Entry, 2),
	}
	wh.wg.Add(1)
	go wh.loop()

	for i := 0; i < 10; i++ {
		assert.NoError(t, wh.Append(context.Background(), testEntry(t, LogoutDetails{})))
	}
	// Reaching this point means Append never blocked.
	close(wh.events)
}

func TestWebhook_CloseDrains(t *testing.T) {
	var count atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "", nil)
	for i := 0; i < 5; i++ {
		_ = wh.Append(context.Background(), testEntry(t, LogoutDetails{}))
	}
	wh.Close()
	wh.Close()

	assert.Equal(t, int32(5), count.Load(), "all queued entries should be delivered on close")
}
