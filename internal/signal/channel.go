package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("channel closed")
	ErrNotOpen      = errors.New("channel not open")
)

const writeWait = 5 * time.Second

type channelState int

const (
	stateIdle channelState = iota
	stateDialing
	stateOpen
	stateClosed
)

// Options tune the send path. SendRetries bounds how long Send waits for a
// still-dialing socket before giving up.
type Options struct {
	SendRetries       int
	SendRetryInterval time.Duration
	SendBuffer        int
}

func DefaultOptions() Options {
	return Options{
		SendRetries:       5,
		SendRetryInterval: 100 * time.Millisecond,
		SendBuffer:        32,
	}
}

// Channel is the client end of the signaling socket. It owns one websocket
// connection at a time and can be redialed after a close. Reconnection
// *decisions* belong to the session manager; the channel only reports the
// unexpected close on Closed().
type Channel struct {
	url  string
	opts Options

	mu     sync.RWMutex
	state  channelState
	conn   *websocket.Conn
	send   chan []byte
	cancel context.CancelFunc

	messages chan Envelope
	closed   chan error
}

func NewChannel(url string, opts Options) *Channel {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}
	return &Channel{
		url:      url,
		opts:     opts,
		messages: make(chan Envelope, opts.SendBuffer),
		closed:   make(chan error, 1),
	}
}

// Dial opens the socket and starts the pumps. It may be called again after
// Close or an unexpected disconnect to establish a fresh connection.
func (c *Channel) Dial(ctx context.Context, header http.Header) error {
	c.mu.Lock()
	if c.state == stateOpen || c.state == stateDialing {
		c.mu.Unlock()
		return nil
	}
	c.state = stateDialing
	c.mu.Unlock()

	// Anything still buffered belongs to the previous connection; a resume
	// must never consume envelopes from a dead socket.
drain:
	for {
		select {
		case <-c.messages:
		case <-c.closed:
		default:
			break drain
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		c.mu.Lock()
		c.state = stateIdle
		c.mu.Unlock()
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, c.opts.SendBuffer)
	c.cancel = cancel
	c.state = stateOpen
	send := c.send
	c.mu.Unlock()

	go c.writePump(pumpCtx, conn, send)
	go c.readPump(conn)

	log.Info().Str("module", "signal").Str("url", c.url).Msg("channel open")
	return nil
}

// TrySend queues the envelope without waiting. Fire and forget.
func (c *Channel) TrySend(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.state {
	case stateClosed:
		return ErrClosed
	case stateOpen:
	default:
		return ErrNotOpen
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

// Send queues the envelope, retrying briefly while the socket is still
// dialing. This covers the race where the first post-connect message is
// produced before the transport reports itself open; it must not be
// silently dropped.
func (c *Channel) Send(env Envelope) error {
	var err error
	for attempt := 0; attempt <= c.opts.SendRetries; attempt++ {
		err = c.TrySend(env)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotOpen) {
			return err
		}
		time.Sleep(c.opts.SendRetryInterval)
	}
	log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("send gave up waiting for open socket")
	return err
}

// Messages delivers inbound envelopes in receipt order.
func (c *Channel) Messages() <-chan Envelope { return c.messages }

// Closed fires once per unexpected disconnect.
func (c *Channel) Closed() <-chan error { return c.closed }

// Close tears the socket down deliberately; no Closed() notification fires.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state == stateClosed || c.state == stateIdle {
		c.state = stateClosed
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	conn := c.conn
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	log.Info().Str("module", "signal").Msg("channel closed")
}

// detach marks the channel redialable after an unexpected disconnect.
func (c *Channel) detach(cause error) {
	c.mu.Lock()
	if c.state != stateOpen {
		c.mu.Unlock()
		return
	}
	c.state = stateIdle
	conn := c.conn
	c.conn = nil
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	select {
	case c.closed <- cause:
	default:
	}
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, send chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-send:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Channel) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			deliberate := c.state == stateClosed
			c.mu.RUnlock()
			if !deliberate {
				log.Warn().Err(err).Str("module", "signal").Msg("readPump: connection lost")
				c.detach(err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad json")
			continue
		}
		select {
		case c.messages <- env:
		default:
			log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("inbound buffer full, dropping")
		}
	}
}
