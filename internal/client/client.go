// Package client is a websocket client for the raffle event feed.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lox/autoraffle/internal/server"
)

// ErrDisconnected is returned for calls made after the connection dropped.
var ErrDisconnected = errors.New("client disconnected")

// ServerError is an error message sent by the server in reply to a request.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// EventHandler handles one incoming message.
type EventHandler func(*server.Message)

// Client holds one websocket connection to a raffle server.
type Client struct {
	serverURL string
	conn      *websocket.Conn
	send      chan *server.Message
	logger    *log.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu        sync.RWMutex
	connected bool
	handlers  map[server.MessageType][]EventHandler
	pending   map[string]chan *server.Message
}

func NewClient(serverURL string, logger *log.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		serverURL: serverURL,
		send:      make(chan *server.Message, 64),
		logger:    logger.WithPrefix("client"),
		ctx:       ctx,
		cancel:    cancel,
		handlers:  make(map[server.MessageType][]EventHandler),
		pending:   make(map[string]chan *server.Message),
	}
}

// WebSocketURL converts an http(s) base URL into the feed URL.
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// Connect dials the feed.
func (c *Client) Connect(ctx context.Context) error {
	wsURL, err := WebSocketURL(c.serverURL)
	if err != nil {
		return err
	}
	c.logger.Info("Connecting to server", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	go c.readPump()
	go c.writePump()

	c.logger.Debug("Connected to server")
	return nil
}

// Disconnect closes the connection. It is safe to call more than once.
func (c *Client) Disconnect() error {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.connected = false
		c.logger.Debug("Disconnected from server")
	})
	return nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// OnEvent registers a handler for one message type. Handlers run in arrival
// order on the read goroutine and must not block.
func (c *Client) OnEvent(mt server.MessageType, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[mt] = append(c.handlers[mt], handler)
}

// SendMessage queues msg for the write pump.
func (c *Client) SendMessage(msg *server.Message) error {
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrDisconnected
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Subscribe follows a raffle's events and returns its current state. An
// empty name selects the server's default raffle.
func (c *Client) Subscribe(ctx context.Context, raffle string) (server.RaffleState, error) {
	var state server.RaffleState
	err := c.request(ctx, server.MessageTypeSubscribe, server.SubscribeData{Raffle: raffle}, &state)
	return state, err
}

// GetState fetches a raffle's current state without subscribing.
func (c *Client) GetState(ctx context.Context, raffle string) (server.RaffleState, error) {
	var state server.RaffleState
	err := c.request(ctx, server.MessageTypeGetState, server.GetStateData{Raffle: raffle}, &state)
	return state, err
}

// Enter submits an entry. amount is wei unless it carries a unit suffix.
func (c *Client) Enter(ctx context.Context, raffle, participant, amount string) (server.EntryAcceptedData, error) {
	var accepted server.EntryAcceptedData
	err := c.request(ctx, server.MessageTypeEnter, server.EnterData{
		Raffle:      raffle,
		Participant: participant,
		Amount:      amount,
	}, &accepted)
	return accepted, err
}

// request sends a message and waits for the reply carrying its request id.
func (c *Client) request(ctx context.Context, mt server.MessageType, data, out any) error {
	msg, err := server.NewMessage(mt, data, time.Now())
	if err != nil {
		return err
	}
	msg.RequestID = uuid.NewString()

	reply := make(chan *server.Message, 1)
	c.mu.Lock()
	c.pending[msg.RequestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.RequestID)
		c.mu.Unlock()
	}()

	if err := c.SendMessage(msg); err != nil {
		return err
	}

	select {
	case resp := <-reply:
		if resp.Type == server.MessageTypeError {
			var data server.ErrorData
			if err := json.Unmarshal(resp.Data, &data); err != nil {
				return fmt.Errorf("decode error reply: %w", err)
			}
			return &ServerError{Code: data.Code, Message: data.Message}
		}
		if out != nil {
			if err := json.Unmarshal(resp.Data, out); err != nil {
				return fmt.Errorf("decode %s reply: %w", resp.Type, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrDisconnected
	}
}

func (c *Client) readPump() {
	defer func() { _ = c.Disconnect() }()

	for {
		var msg server.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", "error", err)
			}
			return
		}
		c.logger.Debug("Received message", "type", msg.Type)
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *server.Message) {
	c.mu.RLock()
	reply, waiting := c.pending[msg.RequestID]
	handlers := c.handlers[msg.Type]
	c.mu.RUnlock()

	if msg.RequestID != "" && waiting {
		reply <- msg
		return
	}
	for _, handler := range handlers {
		handler(msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Error("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
