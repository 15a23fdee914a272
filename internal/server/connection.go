package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/lox/autoraffle/internal/raffle"
)

// Connection is one websocket client. It receives the events of every raffle
// it subscribed to and may submit entries.
type Connection struct {
	conn          *websocket.Conn
	send          chan *Message
	server        *Server
	logger        *log.Logger
	ctx           context.Context
	cancel        context.CancelFunc
	mu            sync.Mutex
	subscriptions map[string]func()
	closeOnce     sync.Once
}

func NewConnection(conn *websocket.Conn, server *Server, logger *log.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		conn:          conn,
		send:          make(chan *Message, 256),
		server:        server,
		logger:        logger.WithPrefix("conn").With("remote", conn.RemoteAddr().String()),
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]func()),
	}
}

// Start begins handling the connection.
func (c *Connection) Start() {
	go c.writePump()
	go c.readPump()
}

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close drops every subscription and closes the socket.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		for id, unsubscribe := range c.subscriptions {
			unsubscribe()
			delete(c.subscriptions, id)
		}
		c.mu.Unlock()

		c.cancel()
		close(c.send)
		err = c.conn.Close()
	})
	return err
}

// SendMessage queues msg without blocking. A client that cannot keep up is
// disconnected.
func (c *Connection) SendMessage(msg *Message) error {
	defer func() {
		if r := recover(); r != nil {
			// send was closed during shutdown
			c.logger.Debug("Attempted to send message on closed connection", "error", r)
		}
	}()

	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("Connection send buffer full, closing connection")
		_ = c.Close()
		return ErrConnectionClosed
	}
}

// Subscriptions lists the raffle ids this connection follows.
func (c *Connection) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	return ids
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 8192
)

var ErrConnectionClosed = errors.New("connection closed")

func (c *Connection) readPump() {
	defer func() { _ = c.Close() }()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", "error", err)
			}
			return
		}
		c.handleMessage(&msg)
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Error("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) handleMessage(msg *Message) {
	c.logger.Debug("Received message", "type", msg.Type)

	switch msg.Type {
	case MessageTypeSubscribe:
		var data SubscribeData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError(msg.RequestID, "invalid_message", "Failed to parse subscribe data")
			return
		}
		c.subscribe(msg.RequestID, data.Raffle)

	case MessageTypeGetState:
		var data GetStateData
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				c.sendError(msg.RequestID, "invalid_message", "Failed to parse get_state data")
				return
			}
		}
		c.sendState(msg.RequestID, data.Raffle)

	case MessageTypeEnter:
		var data EnterData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError(msg.RequestID, "invalid_message", "Failed to parse enter data")
			return
		}
		c.handleEnter(msg.RequestID, data)

	default:
		c.sendError(msg.RequestID, "unknown_message_type", "Unknown message type: "+msg.Type.String())
	}
}

// subscribe starts forwarding a raffle's events and replies with its state.
// Subscribing twice to the same raffle only refreshes the state.
func (c *Connection) subscribe(requestID, key string) {
	inst, ok := c.server.manager.Get(key)
	if !ok {
		c.sendError(requestID, "raffle_not_found", "Unknown raffle: "+key)
		return
	}

	c.mu.Lock()
	if _, exists := c.subscriptions[inst.ID]; !exists {
		c.subscriptions[inst.ID] = inst.Raffle.Events().Subscribe(raffle.SubscriberFunc(func(event raffle.Event) {
			msg, err := EventMessage(inst.ID, event)
			if err != nil {
				c.logger.Error("Failed to encode event", "error", err)
				return
			}
			_ = c.SendMessage(msg)
		}))
		c.logger.Info("Subscribed", "raffle", inst.Name)
	}
	c.mu.Unlock()

	c.sendState(requestID, inst.ID)
}

func (c *Connection) sendState(requestID, key string) {
	inst, ok := c.server.manager.Get(key)
	if !ok {
		c.sendError(requestID, "raffle_not_found", "Unknown raffle: "+key)
		return
	}
	c.reply(requestID, MessageTypeRaffleState, RaffleStateFromSnapshot(inst.ID, inst.Name, inst.Raffle.Snapshot()))
}

func (c *Connection) handleEnter(requestID string, data EnterData) {
	accepted, err := c.server.enter(c.ctx, data.Raffle, data.Participant, data.Amount)
	if err != nil {
		_, code := errorStatus(err)
		c.sendError(requestID, code, err.Error())
		return
	}
	c.reply(requestID, MessageTypeEntryAccepted, accepted)
}

func (c *Connection) reply(requestID string, mt MessageType, data any) {
	msg, err := NewMessage(mt, data, c.server.clock.Now())
	if err != nil {
		c.logger.Error("Failed to create message", "type", mt, "error", err)
		return
	}
	msg.RequestID = requestID
	_ = c.SendMessage(msg)
}

func (c *Connection) sendError(requestID, code, message string) {
	c.reply(requestID, MessageTypeError, ErrorData{Code: code, Message: message})
}
