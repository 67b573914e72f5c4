package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"classroom-quiz-service/internal/domain"
	"classroom-quiz-service/internal/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned for requests that were pending when the connection ended.
var ErrClosed = errors.New("connection closed")

// ServerError is an error reply from the server.
type ServerError struct {
	For     string `json:"for"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.For, e.Message, e.Code)
}

type DialOptions struct {
	SessionID string
	// Role is "teacher" or "student"; students must set StudentID.
	Role      string
	StudentID string
	Logger    *zap.Logger
}

// Conn is a websocket client for one session. Server events are folded into
// its Mirror; commands are answered in order with an ack or an error.
type Conn struct {
	ws     *websocket.Conn
	mirror *Mirror
	opts   DialOptions
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters []*waiter
	closed  bool
	err     error
	done    chan struct{}
}

type waiter struct {
	msgType   string
	studentID string
	reply     chan reply
}

type reply struct {
	result json.RawMessage
	err    error
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Dial connects to baseURL (http, https, ws or wss) and waits for the initial
// snapshot before returning.
func Dial(ctx context.Context, baseURL string, opts DialOptions) (*Conn, error) {
	u, err := wsURL(baseURL, opts)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}

	c := &Conn{
		ws:     ws,
		mirror: NewMirror(opts.SessionID),
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("client"),
		done:   make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	var first envelope
	if err := ws.ReadJSON(&first); err != nil {
		ws.Close()
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})
	if first.Type != "snapshot" {
		ws.Close()
		return nil, fmt.Errorf("expected snapshot, got %q", first.Type)
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(first.Payload, &snap); err != nil {
		ws.Close()
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	c.mirror.Load(snap)

	go c.readLoop()
	return c, nil
}

func wsURL(base string, opts DialOptions) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("sessionId", opts.SessionID)
	q.Set("role", opts.Role)
	if opts.StudentID != "" {
		q.Set("studentId", opts.StudentID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Conn) Mirror() *Mirror { return c.mirror }

// Done is closed once the connection stops reading.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, if it has.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Submit records choice optimistically and sends it. A rejected submit is
// reverted in the mirror before the error is returned. Teachers submit on
// behalf of studentID; students always submit for themselves.
func (c *Conn) Submit(ctx context.Context, studentID string, choice domain.Choice) (domain.Answer, error) {
	if c.opts.Role == "student" {
		studentID = c.opts.StudentID
	}
	c.mirror.Select(studentID, choice)
	raw, err := c.request(ctx, "submit", studentID, map[string]any{"studentId": studentID, "choice": choice})
	if err != nil {
		return domain.Answer{}, err
	}
	var ack struct {
		Result domain.Answer `json:"result"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		return domain.Answer{}, fmt.Errorf("decode ack: %w", err)
	}
	return ack.Result, nil
}

// Do sends a command and returns the raw ack result.
func (c *Conn) Do(ctx context.Context, msgType string, payload any) (json.RawMessage, error) {
	raw, err := c.request(ctx, msgType, "", payload)
	if err != nil {
		return nil, err
	}
	var ack struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}
	return ack.Result, nil
}

func (c *Conn) request(ctx context.Context, msgType, studentID string, payload any) (json.RawMessage, error) {
	w := &waiter{msgType: msgType, studentID: studentID, reply: make(chan reply, 1)}

	// replies arrive in send order, so queueing and writing happen together
	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		c.rejectPending(w)
		return nil, ErrClosed
	}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	err := c.ws.WriteJSON(map[string]any{"type": msgType, "payload": payload})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		c.removeWaiter(w)
		c.mu.Unlock()
		c.rejectPending(w)
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}

	select {
	case r := <-w.reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) removeWaiter(w *waiter) {
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Conn) rejectPending(w *waiter) {
	if w.msgType == "submit" {
		c.mirror.Reject(w.studentID)
	}
}

func (c *Conn) readLoop() {
	var readErr error
	for {
		var msg envelope
		if err := c.ws.ReadJSON(&msg); err != nil {
			readErr = err
			break
		}
		switch msg.Type {
		case "snapshot":
			var snap domain.Snapshot
			if err := json.Unmarshal(msg.Payload, &snap); err == nil {
				c.mirror.Load(snap)
			}
		case "change":
			var change domain.Change
			if err := json.Unmarshal(msg.Payload, &change); err != nil {
				c.logger.Warn("bad change payload", zap.Error(err))
				continue
			}
			c.mirror.Apply(change)
		case "ack":
			c.resolve(msg.Payload, nil)
		case "error":
			var serr ServerError
			if err := json.Unmarshal(msg.Payload, &serr); err != nil {
				serr = ServerError{Code: "internal", Message: string(msg.Payload)}
			}
			c.resolve(nil, &serr)
		}
	}

	c.mu.Lock()
	c.closed = true
	if !errors.Is(readErr, net.ErrClosed) &&
		!websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.err = readErr
	}
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		c.rejectPending(w)
		w.reply <- reply{err: ErrClosed}
	}
	close(c.done)
}

func (c *Conn) resolve(payload json.RawMessage, serr *ServerError) {
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		if serr != nil {
			c.logger.Warn("unsolicited error", zap.String("code", serr.Code), zap.String("message", serr.Message))
		}
		return
	}
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.mu.Unlock()

	if serr != nil {
		c.rejectPending(w)
		w.reply <- reply{err: serr}
		return
	}
	w.reply <- reply{result: payload}
}

// Close ends the connection and fails any pending requests.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}
