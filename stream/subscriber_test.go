package stream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kindred/models"
	"kindred/stream"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSubscribeDeliversPostEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		event := map[string]any{
			"table": "posts",
			"type":  "INSERT",
			"record": map[string]any{
				"id":         "p1",
				"author_id":  "a1",
				"text":       "first night of decent sleep",
				"created_at": 100,
				"updated_at": 100,
			},
		}
		if err := conn.WriteJSON(event); err != nil {
			return
		}
		// Hold the connection open until the client goes away
		conn.ReadMessage()
	}))
	defer server.Close()

	eventChan := make(chan interface{}, 1)
	subscriber := stream.New(stream.Config{URL: wsURL(server)}, eventChan)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() {
		stopped <- subscriber.Subscribe(ctx)
	}()

	select {
	case event := <-eventChan:
		create, ok := event.(models.CreatePostEvent)
		require.True(t, ok)
		assert.Equal(t, "p1", create.Post.ID)
		assert.Equal(t, "a1", create.Post.AuthorID)
		assert.Equal(t, time.Unix(100, 0).UTC(), create.Post.CreatedAt)
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}

	cancel()
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber did not stop on cancel")
	}
}

func TestSubscribeBacksOffAfterFailedRead(t *testing.T) {
	upgrader := websocket.Upgrader{}

	var mu sync.Mutex
	var dials []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials = append(dials, time.Now())
		mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Dial succeeds, first read fails
		conn.Close()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscriber := stream.New(stream.Config{URL: wsURL(server)}, make(chan interface{}, 1))
	go subscriber.Subscribe(ctx)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dials) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	gap := dials[1].Sub(dials[0])
	mu.Unlock()

	// A reconnect without backoff would redial within microseconds; the
	// initial interval is 100ms with jitter down to half that
	assert.Greater(t, gap, 40*time.Millisecond)
}
