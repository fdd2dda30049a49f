package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	socketBufferSize  = 1024
	messageBufferSize = 16
	writeWait         = 2 * time.Second
)

var upgrader = &websocket.Upgrader{ReadBufferSize: socketBufferSize, WriteBufferSize: socketBufferSize}

type client struct {
	socket *websocket.Conn
	send   chan []byte
}

// Hub streams telemetry messages to websocket clients. Slow clients miss
// messages rather than stall the publisher. New clients get the most recent
// message immediately.
type Hub struct {
	log     logrus.FieldLogger
	forward chan []byte
	join    chan *client
	leave   chan *client
	clients map[*client]bool
	last    []byte
}

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		log:     log.WithField("component", "ws"),
		forward: make(chan []byte, messageBufferSize),
		join:    make(chan *client),
		leave:   make(chan *client),
		clients: make(map[*client]bool),
	}
}

// Publish queues msg for every client. It never blocks.
func (h *Hub) Publish(msg []byte) {
	select {
	case h.forward <- msg:
	default:
		h.log.Debug("hub backlog full, message dropped")
	}
}

// Run owns the client set until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-h.join:
			h.clients[c] = true
			if h.last != nil {
				select {
				case c.send <- h.last:
				default:
				}
			}
			h.log.WithField("clients", len(h.clients)).Debug("client joined")
		case c := <-h.leave:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.log.WithField("clients", len(h.clients)).Debug("client left")
		case msg := <-h.forward:
			h.last = msg
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
				}
			}
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	socket, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	c := &client{socket: socket, send: make(chan []byte, messageBufferSize)}
	select {
	case h.join <- c:
	case <-req.Context().Done():
		_ = socket.Close()
		return
	}
	go c.write()
	c.read()

	select {
	case h.leave <- c:
	case <-req.Context().Done():
	}
}

// read discards client input and returns when the socket closes.
func (c *client) read() {
	defer c.socket.Close()
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) write() {
	defer c.socket.Close()
	for msg := range c.send {
		_ = c.socket.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.socket.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
