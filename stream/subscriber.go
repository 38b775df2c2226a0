// Package stream maintains a websocket subscription to the external store's
// realtime change feed and forwards post changes to the event channel.
package stream

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"kindred/models"
)

var (
	wsConnectionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kindred_changefeed_connection_attempts_total",
		Help: "The total number of connection attempts to the change feed websocket",
	})

	wsConnectionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kindred_changefeed_connection_errors_total",
		Help: "The total number of change feed connection errors encountered",
	})

	wsEventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kindred_changefeed_events_total",
		Help: "Change feed events received, by table and type",
	}, []string{"table", "type"})
)

const (
	wsReadBufferSize  = 1024 * 1024 // 1MB
	wsWriteBufferSize = 1024        // 1KB
	wsReadTimeout     = 60 * time.Second
)

// Config holds the change feed connection settings.
type Config struct {
	// URL is the store's realtime websocket endpoint
	URL    string
	APIKey string
}

// changeEvent is one row-level change as delivered by the store.
type changeEvent struct {
	Table  string          `json:"table"`
	Type   string          `json:"type"`
	Record json.RawMessage `json:"record"`
}

// postRecord mirrors the posts row on the wire.
type postRecord struct {
	ID            string  `json:"id"`
	AuthorID      string  `json:"author_id"`
	Text          string  `json:"text"`
	CreatedAt     int64   `json:"created_at"`
	UpdatedAt     int64   `json:"updated_at"`
	ExperiencedAt *string `json:"experienced_at"`
	ParentID      *string `json:"parent_id"`
	Hidden        bool    `json:"hidden"`
}

func (r postRecord) toPost() models.Post {
	return models.Post{
		ID:            r.ID,
		AuthorID:      r.AuthorID,
		Text:          r.Text,
		CreatedAt:     time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:     time.Unix(r.UpdatedAt, 0).UTC(),
		ExperiencedAt: r.ExperiencedAt,
		ParentID:      r.ParentID,
		Hidden:        r.Hidden,
	}
}

type Subscriber struct {
	config    Config
	eventChan chan interface{}
}

// New creates a subscriber that forwards post change events to eventChan.
func New(config Config, eventChan chan interface{}) *Subscriber {
	return &Subscriber{config: config, eventChan: eventChan}
}

// Subscribe connects to the change feed and pumps events until the context is
// cancelled. Connections are re-established with exponential backoff; the
// backoff resets after a healthy read.
func (s *Subscriber) Subscribe(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.Multiplier = 1.5
	bo.MaxElapsedTime = 0 // Never stop retrying

	dialer := websocket.Dialer{
		ReadBufferSize:   wsReadBufferSize,
		WriteBufferSize:  wsWriteBufferSize,
		HandshakeTimeout: 45 * time.Second,
		NetDialContext: (&net.Dialer{
			Timeout:   45 * time.Second,
			KeepAlive: 45 * time.Second,
		}).DialContext,
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		wsConnectionAttempts.Inc()
		log.WithFields(log.Fields{
			"url": s.config.URL,
		}).Info("Connecting to change feed")

		header := map[string][]string{}
		if s.config.APIKey != "" {
			header["Authorization"] = []string{"Bearer " + s.config.APIKey}
		}

		conn, _, err := dialer.DialContext(ctx, s.config.URL, header)
		if err != nil {
			wsConnectionErrors.Inc()
			log.WithFields(log.Fields{
				"url":   s.config.URL,
				"error": err,
			}).Error("Change feed connection failed")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}

		if err := s.pump(ctx, conn, bo); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// A dial that succeeds but fails on the first read still backs
			// off; only a healthy read resets the interval
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(bo.NextBackOff()):
			}
		}
	}
}

func (s *Subscriber) pump(ctx context.Context, conn *websocket.Conn, bo *backoff.ExponentialBackOff) error {
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			return err
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			wsConnectionErrors.Inc()
			log.WithFields(log.Fields{
				"error": err,
			}).Warn("Change feed read failed, reconnecting")
			return err
		}
		bo.Reset()

		var event changeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.WithFields(log.Fields{
				"error": err,
			}).Warn("Skipping malformed change event")
			continue
		}

		wsEventsReceived.WithLabelValues(event.Table, event.Type).Inc()

		if event.Table != "posts" {
			continue
		}

		var record postRecord
		if err := json.Unmarshal(event.Record, &record); err != nil {
			log.WithFields(log.Fields{
				"error": err,
			}).Warn("Skipping malformed post record")
			continue
		}

		switch event.Type {
		case "INSERT":
			s.eventChan <- models.CreatePostEvent{Post: record.toPost()}
		case "DELETE":
			s.eventChan <- models.DeletePostEvent{Post: record.toPost()}
		}
	}
}
