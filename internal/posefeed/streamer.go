// Package posefeed broadcasts live pose estimates to WebSocket subscribers.
// Adapted from the reference service's livefeed package: same
// register/broadcast/client-pump shape, generalized from flight telemetry
// to pose samples and stripped of the clearance-tiered filtering this
// domain has no use for.
package posefeed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ionlake/imutrack/internal/linalg"
)

// PoseMessage is one broadcast sample of the live pose estimate.
type PoseMessage struct {
	Timestamp  time.Time   `json:"timestamp"`
	DeviceName string      `json:"deviceName"`
	Position   linalg.Vec3 `json:"position"`
	Velocity   linalg.Vec3 `json:"velocity"`
	Bias       linalg.Vec3 `json:"bias"`
	Stationary bool        `json:"stationary"`
}

// Client is a single connected WebSocket subscriber.
type Client struct {
	conn *websocket.Conn
	send chan *PoseMessage
	id   string
}

// Streamer broadcasts PoseMessages to every connected Client.
type Streamer struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	broadcast chan *PoseMessage
	upgrader  websocket.Upgrader
	logger    *logrus.Logger

	messagesSent  uint64
	clientsServed uint64
}

// NewStreamer constructs a Streamer. logger may be nil, in which case a
// bare logrus.New() is used.
func NewStreamer(logger *logrus.Logger) *Streamer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Streamer{
		clients:   make(map[*Client]bool),
		broadcast: make(chan *PoseMessage, 100),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// HandleWebSocket upgrades an HTTP request and registers the resulting
// client for broadcast.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("failed to upgrade websocket")
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan *PoseMessage, 50),
		id:   r.RemoteAddr,
	}
	s.register(client)
	s.logger.WithField("client", client.id).Info("pose feed client connected")

	ctx, cancel := context.WithCancel(context.Background())
	go client.writePump(ctx)
	go client.readPump(ctx, cancel, s)
}

func (s *Streamer) register(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = true
	s.clientsServed++
}

func (s *Streamer) unregister(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
		s.logger.WithField("client", c.id).Info("pose feed client disconnected")
	}
}

// Broadcast queues msg for delivery to every connected client, dropping
// the oldest queued message if the broadcast buffer is full — live pose
// feed favors freshness over completeness.
func (s *Streamer) Broadcast(msg *PoseMessage) {
	select {
	case s.broadcast <- msg:
	default:
		select {
		case <-s.broadcast:
		default:
		}
		s.broadcast <- msg
	}
}

// Run drains the broadcast channel to every registered client until ctx
// is cancelled.
func (s *Streamer) Run(ctx context.Context) error {
	s.logger.Info("pose feed streamer started")
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return ctx.Err()
		case msg := <-s.broadcast:
			s.fanOut(msg)
		}
	}
}

func (s *Streamer) fanOut(msg *PoseMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- msg:
			s.messagesSent++
		default:
			// client buffer full, drop for this client
		}
	}
}

func (s *Streamer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		client.conn.Close()
		close(client.send)
		delete(s.clients, client)
	}
}

// Stats reports current subscriber count and lifetime delivery counters.
func (s *Streamer) Stats() (clients int, sent uint64, served uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients), s.messagesSent, s.clientsServed
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, cancel context.CancelFunc, s *Streamer) {
	defer func() {
		cancel()
		s.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.WithError(err).Error("pose feed websocket read error")
			}
			return
		}
		// Pose feed is one-way; inbound frames are only pings/pongs, so
		// nothing else needs handling here.
	}
}
