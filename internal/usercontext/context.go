package usercontext

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Keys under this prefix are reserved for the bridge runtime; user code and
// agents may not write them, and their presence in a foreign context is
// treated as contamination.
const reservedKeyPrefix = "__bridge_"

// Context is one isolated execution identity. The identity fields are fixed
// at construction; only the scoped data bag mutates, and only through this
// instance.
type Context struct {
	userID    string
	threadID  string
	runID     string
	requestID string
	createdAt time.Time

	mu           sync.Mutex
	agentContext map[string]any

	// Opaque external handles released on cleanup. The bridge never calls
	// into these; it only drops the references.
	dbSession   any
	cacheClient any

	manager *Manager
	cleaned bool
}

func newContext(manager *Manager, userID, requestID, threadID, runID string) *Context {
	return &Context{
		userID:       userID,
		threadID:     threadID,
		runID:        runID,
		requestID:    requestID,
		createdAt:    time.Now().UTC(),
		agentContext: make(map[string]any),
		manager:      manager,
	}
}

func (c *Context) UserID() string       { return c.userID }
func (c *Context) ThreadID() string     { return c.threadID }
func (c *Context) RunID() string        { return c.runID }
func (c *Context) RequestID() string    { return c.requestID }
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// Key is the registry key for this context.
func (c *Context) Key() string {
	return contextKey(c.userID, c.requestID)
}

func contextKey(userID, requestID string) string {
	return userID + ":" + requestID
}

// Set writes one entry into the scoped data bag.
func (c *Context) Set(key string, value any) error {
	if strings.HasPrefix(key, reservedKeyPrefix) {
		return fmt.Errorf("%w: key %q is reserved", ErrInvalidContext, key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleaned {
		return fmt.Errorf("%w: context %s is cleaned up", ErrInvalidContext, c.Key())
	}
	c.agentContext[key] = value
	return nil
}

// Get reads one entry from the scoped data bag.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.agentContext[key]
	return v, ok
}

// Snapshot returns a copy of the data bag. The copy does not alias the
// context's storage.
func (c *Context) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.agentContext))
	for k, v := range c.agentContext {
		out[k] = v
	}
	return out
}

// SetDBSession attaches an opaque persistence handle released on cleanup.
func (c *Context) SetDBSession(handle any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dbSession = handle
}

// SetCacheClient attaches an opaque cache handle released on cleanup.
func (c *Context) SetCacheClient(handle any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheClient = handle
}

// DBSession returns the attached persistence handle, nil after cleanup.
func (c *Context) DBSession() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dbSession
}

// CacheClient returns the attached cache handle, nil after cleanup.
func (c *Context) CacheClient() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheClient
}

// VerifyIsolation confirms this context's storage is not aliased by any
// other registered context and that the bag carries no reserved keys.
// A violation is fatal for the run.
func (c *Context) VerifyIsolation() (bool, error) {
	c.mu.Lock()
	for key := range c.agentContext {
		if strings.HasPrefix(key, reservedKeyPrefix) {
			c.mu.Unlock()
			return false, fmt.Errorf("%w: reserved key %q present in context %s", ErrIsolationViolation, key, c.Key())
		}
	}
	bag := c.agentContext
	c.mu.Unlock()

	if c.manager == nil {
		return true, nil
	}
	if aliasedBy := c.manager.findAliasedBag(c, bag); aliasedBy != "" {
		return false, fmt.Errorf("%w: context %s shares storage with %s", ErrIsolationViolation, c.Key(), aliasedBy)
	}
	return true, nil
}

// clear empties the bag and drops external handles. Caller holds no locks.
func (c *Context) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.agentContext {
		delete(c.agentContext, k)
	}
	c.dbSession = nil
	c.cacheClient = nil
	c.cleaned = true
}

// sameBag reports whether the given map is the context's own storage.
func (c *Context) sameBag(bag map[string]any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sameMap(c.agentContext, bag)
}

// sameMap is an identity (not equality) comparison of two maps.
func sameMap(a, b map[string]any) bool {
	if a == nil || b == nil {
		return false
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
