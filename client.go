package models

import (
	"sync"

	"github.com/ably-labs/models-sdk-go/internal/channel"
)

// Client is a registry of Models keyed by name: at most one Model exists
// per logical name at a time.
type Client struct {
	mu     sync.Mutex
	models map[string]*Model
}

// NewClient constructs an empty registry.
func NewClient() *Client {
	return &Client{models: make(map[string]*Model)}
}

// Register constructs a new Model under name and tracks it. Registering an
// already-registered name (that has not been Released) fails with a
// RegistrationError.
func (c *Client) Register(name string, ch channel.Channel, mergeFn MergeFunc, snapshotFn SnapshotFunc, cfg Config) (*Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.models[name]; exists {
		return nil, &RegistrationError{Name: name}
	}
	m, err := New(name, ch, mergeFn, snapshotFn, cfg)
	if err != nil {
		return nil, err
	}
	c.models[name] = m
	return m, nil
}

// Get returns the Model registered under name, if any.
func (c *Client) Get(name string) (*Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.models[name]
	return m, ok
}

// Release disposes the Model registered under name and frees the name for
// re-registration. A no-op if name is not registered.
func (c *Client) Release(name string, reason string) {
	c.mu.Lock()
	m, ok := c.models[name]
	if ok {
		delete(c.models, name)
	}
	c.mu.Unlock()
	if ok {
		m.Dispose(reason)
	}
}

// DisposeAll disposes every registered Model and clears the registry.
func (c *Client) DisposeAll(reason string) {
	c.mu.Lock()
	models := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		models = append(models, m)
	}
	c.models = make(map[string]*Model)
	c.mu.Unlock()
	for _, m := range models {
		m.Dispose(reason)
	}
}
