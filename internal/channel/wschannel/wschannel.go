// Package wschannel is a default, concrete implementation of the
// channel.Channel broker contract on top of a plain WebSocket connection.
// It is a convenience reference transport for callers who don't bring their
// own broker SDK adapter, not a compliant broker server implementation in
// its own right.
package wschannel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	"github.com/ably-labs/models-sdk-go/internal/channel"
	"github.com/ably-labs/models-sdk-go/internal/logging"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
)

// wireMessage is the JSON shape of one history entry or live publish on the
// wire, independent of the compression applied to the envelope carrying it.
type wireMessage struct {
	Name            string            `json:"name"`
	Data            json.RawMessage   `json:"data"`
	Headers         map[string]string `json:"headers,omitempty"`
	SequenceID      string            `json:"sequenceId,omitempty"`
	Rejected        bool              `json:"rejected,omitempty"`
	RejectionReason string            `json:"rejectionReason,omitempty"`
}

// envelope is the outer frame exchanged over the connection. Body carries
// a JSON payload specific to Type, optionally compressed per Encoding
// ("", "snappy", or "zstd") and base64-encoded so it survives a text frame.
type envelope struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding,omitempty"`
	Body     string `json:"body"`
}

const (
	envTypePublish    = "publish"
	envTypeHistoryReq = "historyRequest"
	envTypeHistoryRes = "historyResponse"
)

type historyRequestBody struct {
	AfterSequenceID string `json:"afterSequenceId"`
	Limit           int    `json:"limit,omitempty"`
}

type historyResponseBody struct {
	Messages []wireMessage `json:"messages"`
	HasNext  bool          `json:"hasNext"`
}

// Channel implements channel.Channel over a single client-initiated
// WebSocket connection, with optional snappy/zstd compression of bulk
// history page bodies.
type Channel struct {
	url    string
	header http.Header
	log    *logging.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	state       channel.State
	subscribers map[int]func(channel.Message)
	stateSubs   map[int]func(channel.State)
	nextSubID   int
	send        chan []byte
	pendingHist chan historyResponseBody
	closeOnce   sync.Once
	closed      chan struct{}

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// Option customises Channel construction.
type Option func(*Channel)

// WithHeader attaches request headers (e.g. auth tokens) to the dial.
func WithHeader(h http.Header) Option {
	return func(c *Channel) { c.header = h }
}

// WithLogger overrides the logger used for connection diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(c *Channel) { c.log = l }
}

// New constructs a wschannel bound to url. Attach() performs the dial.
func New(url string, opts ...Option) (*Channel, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("wschannel: construct zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("wschannel: construct zstd decoder: %w", err)
	}
	c := &Channel{
		url:         url,
		state:       channel.StateInitialized,
		subscribers: make(map[int]func(channel.Message)),
		stateSubs:   make(map[int]func(channel.State)),
		send:        make(chan []byte, 64),
		pendingHist: make(chan historyResponseBody, 1),
		closed:      make(chan struct{}),
		log:         logging.L(),
		zstdEncoder: enc,
		zstdDecoder: dec,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Attach dials the broker endpoint and starts the read/write pumps.
func (c *Channel) Attach(ctx context.Context) error {
	c.setState(channel.StateAttaching)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		c.setState(channel.StateFailed)
		return fmt.Errorf("wschannel: dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()

	c.setState(channel.StateAttached)
	return nil
}

// Detach closes the connection and transitions to StateDetached.
func (c *Channel) Detach(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
		_ = conn.Close()
	}
	c.setState(channel.StateDetached)
	return nil
}

func (c *Channel) readPump() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	defer func() {
		c.setState(channel.StateSuspended)
	}()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("wschannel: unexpected close", logging.Error(err))
			} else if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.log.Warn("wschannel: read deadline exceeded", logging.Error(err))
			} else {
				c.log.Debug("wschannel: read loop exiting", logging.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handleFrame(raw)
	}
}

func (c *Channel) handleFrame(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Debug("wschannel: dropping invalid frame", logging.Error(err))
		return
	}
	body, err := c.decodeBody(env.Encoding, env.Body)
	if err != nil {
		c.log.Warn("wschannel: dropping frame with undecodable body", logging.Error(err))
		return
	}

	switch env.Type {
	case envTypePublish:
		var wm wireMessage
		if err := json.Unmarshal(body, &wm); err != nil {
			c.log.Debug("wschannel: dropping malformed publish frame", logging.Error(err))
			return
		}
		msg := toChannelMessage(wm)
		for _, cb := range c.snapshotSubscribers() {
			cb(msg)
		}
	case envTypeHistoryRes:
		var res historyResponseBody
		if err := json.Unmarshal(body, &res); err != nil {
			c.log.Warn("wschannel: dropping malformed history response", logging.Error(err))
			return
		}
		select {
		case c.pendingHist <- res:
		default:
			c.log.Warn("wschannel: dropping unexpected history response (no request in flight)")
		}
	default:
		c.log.Debug("wschannel: ignoring unknown frame type", logging.String("type", env.Type))
	}
}

func toChannelMessage(wm wireMessage) channel.Message {
	var data any
	if len(wm.Data) > 0 {
		_ = json.Unmarshal(wm.Data, &data)
	}
	return channel.Message{
		Name:            wm.Name,
		Data:            data,
		Headers:         wm.Headers,
		SequenceID:      wm.SequenceID,
		Rejected:        wm.Rejected,
		RejectionReason: wm.RejectionReason,
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Error("wschannel: write error", logging.Error(err))
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Warn("wschannel: ping failure", logging.Error(err))
				return
			}
		}
	}
}

func (c *Channel) Subscribe(ctx context.Context, cb func(channel.Message)) (func(), error) {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subscribers[id] = cb
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}, nil
}

func (c *Channel) snapshotSubscribers() []func(channel.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(channel.Message), 0, len(c.subscribers))
	for _, cb := range c.subscribers {
		out = append(out, cb)
	}
	return out
}

func (c *Channel) Publish(ctx context.Context, name string, data any, headers map[string]string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("wschannel: marshal payload: %w", err)
	}
	wm := wireMessage{Name: name, Data: raw, Headers: headers}
	body, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("wschannel: marshal message: %w", err)
	}
	env := envelope{Type: envTypePublish, Body: string(body)}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wschannel: marshal envelope: %w", err)
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return errors.New("wschannel: channel detached")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) OnState(cb func(channel.State)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.stateSubs[id] = cb
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateSubs, id)
		c.mu.Unlock()
	}
}

func (c *Channel) setState(s channel.State) {
	c.mu.Lock()
	c.state = s
	subs := make([]func(channel.State), 0, len(c.stateSubs))
	for _, cb := range c.stateSubs {
		subs = append(subs, cb)
	}
	c.mu.Unlock()
	for _, cb := range subs {
		cb(s)
	}
}

func (c *Channel) State() channel.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History requests a single page from the broker's history endpoint over
// the same socket used for live delivery, and decompresses the response
// body per its announced encoding.
func (c *Channel) History(ctx context.Context, q channel.HistoryQuery) (channel.HistoryPage, error) {
	body, err := json.Marshal(historyRequestBody{AfterSequenceID: q.AfterSequenceID, Limit: q.Limit})
	if err != nil {
		return channel.HistoryPage{}, fmt.Errorf("wschannel: marshal history request: %w", err)
	}
	env := envelope{Type: envTypeHistoryReq, Body: string(body)}
	payload, err := json.Marshal(env)
	if err != nil {
		return channel.HistoryPage{}, fmt.Errorf("wschannel: marshal history envelope: %w", err)
	}

	select {
	case c.send <- payload:
	case <-ctx.Done():
		return channel.HistoryPage{}, ctx.Err()
	case <-c.closed:
		return channel.HistoryPage{}, errors.New("wschannel: channel detached")
	}

	select {
	case res := <-c.pendingHist:
		messages := make([]channel.Message, 0, len(res.Messages))
		for _, wm := range res.Messages {
			messages = append(messages, toChannelMessage(wm))
		}
		return channel.HistoryPage{Messages: messages, HasNext: res.HasNext}, nil
	case <-ctx.Done():
		return channel.HistoryPage{}, ctx.Err()
	case <-c.closed:
		return channel.HistoryPage{}, errors.New("wschannel: channel detached")
	}
}

// decodeBody reverses the compression applied to an envelope body. Bodies
// are base64-encoded so arbitrary compressed bytes survive a text frame.
func (c *Channel) decodeBody(encoding, body string) ([]byte, error) {
	switch encoding {
	case "":
		return []byte(body), nil
	case "snappy":
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, err
		}
		return snappy.Decode(nil, raw)
	case "zstd":
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, err
		}
		return c.zstdDecoder.DecodeAll(raw, nil)
	default:
		return nil, fmt.Errorf("wschannel: unsupported encoding %q", encoding)
	}
}

func (c *Channel) WhenState(ctx context.Context, target channel.State) error {
	return channel.WaitForState(ctx, c, c.State, target)
}

var _ channel.Channel = (*Channel)(nil)
