// Casavia - Property Rental Marketplace Sync Engine
// Copyright 2026 Casavia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/casavia/casavia

// Package realtime implements backend.RealtimeChannel over the hosted
// backend's websocket endpoint. Each Subscribe call joins a topic scoped
// to a table and column filter and delivers row-insert notifications
// until unsubscribed. The connection heartbeats on a timer and reconnects
// with capped exponential backoff, rejoining every live topic.
package realtime

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/casavia/casavia/internal/backend"
	"github.com/casavia/casavia/internal/config"
	"github.com/casavia/casavia/internal/logging"
	"github.com/casavia/casavia/internal/metrics"
)

// frame is the wire envelope for channel messages.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// insertPayload is the body of a postgres INSERT notification.
type insertPayload struct {
	Table  string                 `json:"table"`
	Type   string                 `json:"type"`
	Record map[string]interface{} `json:"record"`
}

// subscription is one live topic with its delivery callback.
type subscription struct {
	topic    string
	table    string
	filter   string
	onInsert func(backend.InsertEvent)
}

// Channel is a websocket realtime client. It implements
// backend.RealtimeChannel.
type Channel struct {
	baseURL string
	anonKey string
	cfg     config.RealtimeConfig

	tokenFn func() string // current access token for the join payload

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*subscription
	nextID int

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewChannel creates a realtime channel client. tokenFn supplies the
// bearer token for topic joins; it is re-read on every (re)connect so
// token refreshes propagate.
func NewChannel(backendCfg config.BackendConfig, rtCfg config.RealtimeConfig, tokenFn func() string) *Channel {
	return &Channel{
		baseURL:  backendCfg.URL,
		anonKey:  backendCfg.AnonKey,
		cfg:      rtCfg,
		tokenFn:  tokenFn,
		subs:     make(map[string]*subscription),
		stopChan: make(chan struct{}),
	}
}

// websocketURL converts the backend base URL to the realtime endpoint.
func (c *Channel) websocketURL() (string, error) {
	parsed, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	scheme := "ws"
	if parsed.Scheme == "https" {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     parsed.Host,
		Path:     "/realtime/v1/websocket",
		RawQuery: url.Values{"apikey": {c.anonKey}, "vsn": {"1.0.0"}}.Encode(),
	}
	return u.String(), nil
}

// Start opens the connection and begins the read and heartbeat loops.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		// First dial failing is not fatal: the run loop keeps retrying
		logging.Warn().Err(err).Msg("Realtime initial connect failed, will retry")
	}

	c.wg.Add(2)
	go c.readLoop(ctx)
	go c.heartbeatLoop(ctx)
	return nil
}

// Stop closes the connection and stops all loops.
func (c *Channel) Stop() error {
	c.stopOnce.Do(func() { close(c.stopChan) })

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	logging.Info().Msg("Realtime channel stopped")
	return nil
}

// connect dials the socket and rejoins every live topic.
func (c *Channel) connect(ctx context.Context) error {
	wsURL, err := c.websocketURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer resp.Body.Close() //nolint:errcheck
	}
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = conn
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	logging.Info().Int("topics", len(subs)).Msg("Realtime channel connected")

	for _, s := range subs {
		if err := c.sendJoin(s); err != nil {
			logging.Warn().Err(err).Str("topic", s.topic).Msg("Topic rejoin failed")
		}
	}
	return nil
}

// sendJoin announces interest in a topic.
func (c *Channel) sendJoin(s *subscription) error {
	payload, err := json.Marshal(map[string]interface{}{
		"config": map[string]interface{}{
			"postgres_changes": []map[string]string{
				{"event": "INSERT", "schema": "public", "table": s.table, "filter": s.filter},
			},
		},
		"access_token": c.tokenFn(),
	})
	if err != nil {
		return err
	}
	return c.writeFrame(frame{Topic: s.topic, Event: "phx_join", Ref: s.topic, Payload: payload})
}

// sendLeave abandons a topic.
func (c *Channel) sendLeave(topic string) error {
	return c.writeFrame(frame{Topic: topic, Event: "phx_leave", Ref: topic})
}

func (c *Channel) writeFrame(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("realtime channel not connected")
	}
	return c.conn.WriteJSON(f)
}

// Subscribe implements backend.RealtimeChannel.
func (c *Channel) Subscribe(ctx context.Context, table, filter string, onInsert func(backend.InsertEvent)) (backend.Unsubscribe, error) {
	c.mu.Lock()
	c.nextID++
	topic := fmt.Sprintf("realtime:public:%s:%d", table, c.nextID)
	sub := &subscription{topic: topic, table: table, filter: filter, onInsert: onInsert}
	c.subs[topic] = sub
	connected := c.conn != nil
	c.mu.Unlock()

	if connected {
		if err := c.sendJoin(sub); err != nil {
			logging.Warn().Err(err).Str("topic", topic).Msg("Topic join failed, will retry on reconnect")
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, topic)
			connected := c.conn != nil
			c.mu.Unlock()
			if connected {
				_ = c.sendLeave(topic)
			}
		})
	}, nil
}

// readLoop consumes frames and dispatches inserts. On read errors it
// reconnects with exponential backoff: 1s, 2s, 4s, ... capped at the
// configured maximum, resetting after a successful read.
func (c *Channel) readLoop(ctx context.Context) {
	defer c.wg.Done()

	reconnectDelay := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			if !c.waitAndReconnect(ctx, &reconnectDelay) {
				return
			}
			continue
		}

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			select {
			case <-ctx.Done():
				return
			case <-c.stopChan:
				return
			default:
			}
			logging.Warn().Err(err).Msg("Realtime read failed, reconnecting")
			c.mu.Lock()
			if c.conn == conn {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.mu.Unlock()
			continue
		}

		reconnectDelay = time.Second
		c.dispatch(f)
	}
}

// waitAndReconnect sleeps for the backoff delay then redials. Returns
// false when the channel is shutting down.
func (c *Channel) waitAndReconnect(ctx context.Context, delay *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.stopChan:
		return false
	case <-time.After(*delay):
	}

	*delay *= 2
	if *delay > c.cfg.MaxReconnectDelay {
		*delay = c.cfg.MaxReconnectDelay
	}

	metrics.RealtimeReconnects.Inc()
	if err := c.connect(ctx); err != nil {
		logging.Warn().Err(err).Dur("next_delay", *delay).Msg("Realtime reconnect failed")
	} else {
		*delay = time.Second
	}
	return true
}

// dispatch routes an insert notification to its topic's callback.
func (c *Channel) dispatch(f frame) {
	if f.Event != "postgres_changes" && f.Event != "INSERT" {
		return
	}

	var p insertPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		logging.Warn().Err(err).Str("topic", f.Topic).Msg("Malformed realtime payload")
		return
	}
	if p.Type != "" && p.Type != "INSERT" {
		return
	}

	c.mu.Lock()
	sub := c.subs[f.Topic]
	c.mu.Unlock()
	if sub == nil {
		return
	}

	metrics.RealtimeEvents.WithLabelValues(sub.table).Inc()
	sub.onInsert(backend.InsertEvent{Table: sub.table, Record: p.Record})
}

// heartbeatLoop keeps the connection alive on the configured interval.
func (c *Channel) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return
		case <-ticker.C:
			err := c.writeFrame(frame{Topic: "phoenix", Event: "heartbeat", Ref: "hb"})
			if err != nil {
				logging.Debug().Err(err).Msg("Heartbeat skipped, not connected")
			}
		}
	}
}
