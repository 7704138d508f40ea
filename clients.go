package offlineshell

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientCookieName is the cookie that identifies a page's browser.
const ClientCookieName = "offline-shell-client"

const (
	// DefaultClientTTL is how long a client is remembered after its last navigation.
	DefaultClientTTL = 24 * time.Hour
	// DefaultMaxClients bounds the number of remembered clients.
	DefaultMaxClients = 10000
)

type client struct {
	version string
	seen    time.Time
}

// Clients tracks the pages seen by the host and the worker version
// controlling each of them. Clients idle for longer than the TTL are
// forgotten, and the oldest ones are evicted past the size limit.
type Clients struct {
	mu          sync.RWMutex
	controllers map[string]client
	ttl         time.Duration
	limit       int
	now         func() time.Time
}

func NewClients() *Clients {
	return &Clients{
		controllers: make(map[string]client),
		ttl:         DefaultClientTTL,
		limit:       DefaultMaxClients,
		now:         time.Now,
	}
}

// Identify returns the client id of the request, issuing a new one in a
// cookie when the request carries none.
func (c *Clients) Identify(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(ClientCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// Control records that the version controls the client.
func (c *Clients) Control(id, version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.controllers[id] = client{version: version, seen: now}
	if len(c.controllers) > c.limit {
		c.prune(now)
	}
}

// prune drops expired clients, then the least recently seen ones until
// the limit holds. Callers hold the write lock.
func (c *Clients) prune(now time.Time) {
	for id, cl := range c.controllers {
		if c.expired(cl, now) {
			delete(c.controllers, id)
		}
	}
	excess := len(c.controllers) - c.limit
	if excess <= 0 {
		return
	}
	ids := make([]string, 0, len(c.controllers))
	for id := range c.controllers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return c.controllers[ids[i]].seen.Before(c.controllers[ids[j]].seen)
	})
	for _, id := range ids[:excess] {
		delete(c.controllers, id)
	}
}

// Prune forgets the clients idle for longer than the TTL.
func (c *Clients) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune(c.now())
}

func (c *Clients) expired(cl client, now time.Time) bool {
	return now.Sub(cl.seen) > c.ttl
}

// Controller returns the version controlling the client.
func (c *Clients) Controller(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.controllers[id]
	if !ok || c.expired(cl, c.now()) {
		return "", false
	}
	return cl.version, true
}

// Claim makes the version the controller of every known client and
// returns how many clients changed controller.
func (c *Clients) Claim(version string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	claimed := 0
	for id, cl := range c.controllers {
		if c.expired(cl, now) {
			delete(c.controllers, id)
			continue
		}
		if cl.version != version {
			cl.version = version
			c.controllers[id] = cl
			claimed++
		}
	}
	return claimed
}

// ControlledBy counts the clients controlled by the version.
func (c *Clients) ControlledBy(version string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	n := 0
	for _, cl := range c.controllers {
		if cl.version == version && !c.expired(cl, now) {
			n++
		}
	}
	return n
}

func (c *Clients) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.controllers)
}
