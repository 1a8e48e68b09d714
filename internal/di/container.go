// Package di wires the daemon's services. Builders are registered by name
// and resolved lazily, so a command only pays for what it touches: the
// scenario runner never opens the production database and a status query
// never starts the feed hub.
package di

import (
	"errors"
	"sync"
)

// Container holds service instances and the builders that make them.
type Container struct {
	mu       sync.RWMutex
	services map[string]interface{}
	builders map[string]Builder
	pending  map[string]*inflight
}

// Builder is a function that creates a service instance.
type Builder func(c *Container) (interface{}, error)

// inflight tracks a build in progress so concurrent callers wait for its
// result instead of running the builder twice.
type inflight struct {
	done    chan struct{}
	service interface{}
	err     error
}

// New creates an empty container.
func New() *Container {
	return &Container{
		services: make(map[string]interface{}),
		builders: make(map[string]Builder),
		pending:  make(map[string]*inflight),
	}
}

// Register stores a ready service instance.
func (c *Container) Register(name string, service interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[name] = service
}

// RegisterBuilder registers a builder for lazy instantiation.
func (c *Container) RegisterBuilder(name string, builder Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.builders[name] = builder
}

// Get returns the named service, building it on first use. A service is
// built at most once; later calls return the stored instance. The builder
// runs outside the container lock, so builders may resolve their own
// dependencies through Get; concurrent callers of the same name wait for
// the one build in flight. A failed build is not cached and the next call
// retries it.
func (c *Container) Get(name string) (interface{}, error) {
	c.mu.RLock()
	service, exists := c.services[name]
	c.mu.RUnlock()

	if exists {
		return service, nil
	}

	c.mu.Lock()
	// Another caller may have built it while we waited for the lock.
	if service, exists := c.services[name]; exists {
		c.mu.Unlock()
		return service, nil
	}
	if flight, exists := c.pending[name]; exists {
		c.mu.Unlock()
		<-flight.done
		return flight.service, flight.err
	}
	builder, hasBuilder := c.builders[name]
	if !hasBuilder {
		c.mu.Unlock()
		return nil, errors.New("service not found: " + name)
	}
	flight := &inflight{done: make(chan struct{})}
	c.pending[name] = flight
	c.mu.Unlock()

	flight.service, flight.err = builder(c)

	c.mu.Lock()
	delete(c.pending, name)
	if flight.err == nil {
		c.services[name] = flight.service
	}
	c.mu.Unlock()
	close(flight.done)

	return flight.service, flight.err
}

// MustGet returns the named service or panics. For wiring paths where a
// missing service is a programming error, not a runtime condition.
func (c *Container) MustGet(name string) interface{} {
	service, err := c.Get(name)
	if err != nil {
		panic(err)
	}
	return service
}

// Has reports whether a service or builder is registered under name.
func (c *Container) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, exists := c.services[name]; exists {
		return true
	}
	_, exists := c.builders[name]
	return exists
}

// ServiceNames returns every registered name, built or not.
func (c *Container) ServiceNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make(map[string]bool)
	for name := range c.services {
		names[name] = true
	}
	for name := range c.builders {
		names[name] = true
	}

	result := make([]string, 0, len(names))
	for name := range names {
		result = append(result, name)
	}
	return result
}

// Clear removes all services and builders.
func (c *Container) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services = make(map[string]interface{})
	c.builders = make(map[string]Builder)
	c.pending = make(map[string]*inflight)
}

// Service names for type-safe access.
const (
	ServiceConfig      = "config"
	ServiceClock       = "clock"
	ServiceIDs         = "ids"
	ServiceKV          = "kv"
	ServiceRelational  = "relational"
	ServiceLocks       = "locks"
	ServiceIdempotency = "idempotency"
	ServiceBank        = "bank"
	ServiceOracle      = "oracle"
	ServiceInventory   = "inventory"
	ServiceOrders      = "orders"
	ServiceEscrow      = "escrow"
	ServiceMatcher     = "matcher"
	ServiceTrust       = "trust"
	ServiceStates      = "protocol.states"
	ServiceBPP         = "coordinator.bpp"
	ServiceBAP         = "coordinator.bap"
	ServiceVerifier    = "verifier"
	ServiceAgents      = "agents"
	ServiceFeedHub     = "feed.hub"
	ServiceFeed        = "feed"
	ServiceHTTPServer  = "httpserver"
)
