package gateway

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/otaku/internal/observability"
)

// idleAfter marks a client idle in ClientInfo listings
const idleAfter = 5 * time.Minute

// ClientRegistry tracks connected websocket clients by ID. Client fields
// are only mutated through Update, under the registry lock.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Add registers client, replacing any client with the same ID
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	r.publishLocked()
	r.mu.Unlock()
}

func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	r.publishLocked()
	r.mu.Unlock()
}

func (r *ClientRegistry) publishLocked() {
	observability.SetGatewayClients(len(r.clients))
}

func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	return c, ok
}

// Update applies fn to the client while holding the write lock. It reports
// whether the client was found.
func (r *ClientRegistry) Update(clientID string, fn func(*Client)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[clientID]
	if ok {
		fn(c)
	}
	return ok
}

// UpdateActivity stamps the client's last activity with the current time
func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.Update(clientID, func(c *Client) { c.LastActivity = time.Now() })
}

// GetAll returns every client ordered by ID
func (r *ClientRegistry) GetAll() []*Client {
	return r.filter(func(*Client) bool { return true })
}

// GetAuthenticatedClients returns the clients that passed the secret check
func (r *ClientRegistry) GetAuthenticatedClients() []*Client {
	return r.filter(func(c *Client) bool { return c.Authenticated })
}

func (r *ClientRegistry) filter(keep func(*Client) bool) []*Client {
	r.mu.RLock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if keep(c) {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *ClientRegistry) IsAuthenticated(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	return ok && c.Authenticated
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// GetConnectedClients snapshots every client, ordered by ID
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, ClientInfo{
			ID:            c.ID,
			Authenticated: c.Authenticated,
			ConnectedAt:   c.ConnectedAt,
			LastActivity:  c.LastActivity,
			IPAddress:     c.IPAddress,
			Idle:          now.Sub(c.LastActivity) > idleAfter,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
