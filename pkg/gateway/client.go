package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 20
)

// Client represents a connected WebSocket client. The auth fields are only
// touched by the client's read loop; everything else is guarded by mu.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter
	State         ClientState

	writeMu sync.Mutex

	mu            sync.Mutex
	lastActivity  time.Time
	authenticated bool
	conversations map[string]struct{}
}

func newClient(id string, conn *websocket.Conn, ip string, limiter *ClientRateLimiter) *Client {
	now := time.Now()
	return &Client{
		ID:            id,
		Conn:          conn,
		ConnectedAt:   now,
		IPAddress:     ip,
		RateLimiter:   limiter,
		State:         StateConnecting,
		lastActivity:  now,
		conversations: make(map[string]struct{}),
	}
}

// WriteJSON serializes writes; gorilla connections allow one writer at a time.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// WriteMessage writes a raw frame.
func (c *Client) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

func (c *Client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// markAuthenticated publishes the authenticated state to other goroutines.
func (c *Client) markAuthenticated() {
	c.Authenticated = true
	c.State = StateAuthenticated

	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
}

func (c *Client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) subscribe(conversationID string) {
	c.mu.Lock()
	c.conversations[conversationID] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) unsubscribe(conversationID string) {
	c.mu.Lock()
	delete(c.conversations, conversationID)
	c.mu.Unlock()
}

func (c *Client) subscribed(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conversations[conversationID]
	return ok
}

func (c *Client) info(now time.Time) ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	conversations := make([]string, 0, len(c.conversations))
	for id := range c.conversations {
		conversations = append(conversations, id)
	}
	sort.Strings(conversations)

	return ClientInfo{
		ID:            c.ID,
		Authenticated: c.authenticated,
		ConnectedAt:   c.ConnectedAt,
		LastActivity:  c.lastActivity,
		IPAddress:     c.IPAddress,
		Conversations: conversations,
		Idle:          now.Sub(c.lastActivity) > 5*time.Minute,
	}
}
