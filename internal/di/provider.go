package di

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/wattex/wattexd/internal/agent"
	"github.com/wattex/wattexd/internal/bank"
	"github.com/wattex/wattexd/internal/clock"
	"github.com/wattex/wattexd/internal/config"
	"github.com/wattex/wattexd/internal/coordinator"
	"github.com/wattex/wattexd/internal/escrow"
	"github.com/wattex/wattexd/internal/feed"
	"github.com/wattex/wattexd/internal/idempotency"
	"github.com/wattex/wattexd/internal/inventory"
	"github.com/wattex/wattexd/internal/lock"
	"github.com/wattex/wattexd/internal/match"
	"github.com/wattex/wattexd/internal/oracle"
	"github.com/wattex/wattexd/internal/order"
	"github.com/wattex/wattexd/internal/protocol"
	"github.com/wattex/wattexd/internal/server"
	"github.com/wattex/wattexd/internal/storage/kv"
	"github.com/wattex/wattexd/internal/storage/kv/pebblestore"
	"github.com/wattex/wattexd/internal/storage/kv/redisstore"
	"github.com/wattex/wattexd/internal/storage/relational"
	"github.com/wattex/wattexd/internal/storage/relational/sqlstore"
	"github.com/wattex/wattexd/internal/trust"
	"github.com/wattex/wattexd/internal/verifier"
)

// Provider registers every service builder against one configuration.
// Resources opened along the way (stores, connections) are tracked and
// released by Close in reverse order.
type Provider struct {
	container *Container
	cfg       *config.Config
	log       zerolog.Logger

	closers []func(ctx context.Context) error
}

// NewProvider wraps the container with builders bound to cfg.
func NewProvider(container *Container, cfg *config.Config, log zerolog.Logger) *Provider {
	return &Provider{container: container, cfg: cfg, log: log}
}

// RegisterAll registers the whole service graph. Nothing is built yet;
// construction happens on first Get.
func (p *Provider) RegisterAll() {
	p.container.Register(ServiceConfig, p.cfg)
	p.container.Register(ServiceClock, clock.SystemClock{})
	p.container.Register(ServiceIDs, clock.UUIDGenerator{})

	p.registerStorageBuilders()
	p.registerEngineBuilders()
	p.registerTradeBuilders()
	p.registerSurfaceBuilders()
}

// Close releases opened resources, most recent first.
func (p *Provider) Close(ctx context.Context) error {
	var firstErr error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.closers = nil
	return firstErr
}

func (p *Provider) onClose(fn func(ctx context.Context) error) {
	p.closers = append(p.closers, fn)
}

func (p *Provider) registerStorageBuilders() {
	p.container.RegisterBuilder(ServiceKV, func(c *Container) (interface{}, error) {
		switch p.cfg.KV.Backend {
		case config.KVBackendRedis:
			st, err := redisstore.New(context.Background(), redisstore.Options{
				Addr:     p.cfg.KV.Addr,
				Password: p.cfg.KV.Password,
				DB:       p.cfg.KV.DB,
			})
			if err != nil {
				return nil, fmt.Errorf("open redis kv store: %w", err)
			}
			p.onClose(func(context.Context) error { return st.Close() })
			return st, nil
		default:
			st, err := pebblestore.Open(p.cfg.KV.Path, clock.SystemClock{})
			if err != nil {
				return nil, fmt.Errorf("open pebble kv store at %s: %w", p.cfg.KV.Path, err)
			}
			p.onClose(func(context.Context) error { return st.Close() })
			return st, nil
		}
	})

	p.container.RegisterBuilder(ServiceRelational, func(c *Container) (interface{}, error) {
		st := sqlstore.New(p.cfg.Database)
		if err := st.Open(context.Background()); err != nil {
			return nil, fmt.Errorf("open relational store: %w", err)
		}
		p.onClose(st.Close)
		return st, nil
	})
}

func (p *Provider) registerEngineBuilders() {
	p.container.RegisterBuilder(ServiceLocks, func(c *Container) (interface{}, error) {
		kvStore, err := p.KV()
		if err != nil {
			return nil, err
		}
		return lock.NewManager(kvStore, p.ids(), p.cfg.Locks, p.log), nil
	})

	p.container.RegisterBuilder(ServiceIdempotency, func(c *Container) (interface{}, error) {
		kvStore, err := p.KV()
		if err != nil {
			return nil, err
		}
		return idempotency.NewCache(kvStore, p.cfg.Idempotency, p.log), nil
	})

	// The rail is in-memory: real payment integration terminates at the
	// bank.Rail interface.
	p.container.RegisterBuilder(ServiceBank, func(c *Container) (interface{}, error) {
		return bank.NewMock(p.clock()), nil
	})

	p.container.RegisterBuilder(ServiceOracle, func(c *Container) (interface{}, error) {
		seed := p.cfg.Oracle.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		return oracle.NewSimulated(p.cfg.Oracle.Simulated, seed), nil
	})

	p.container.RegisterBuilder(ServiceMatcher, func(c *Container) (interface{}, error) {
		return match.New(p.cfg.Matching), nil
	})

	p.container.RegisterBuilder(ServiceTrust, func(c *Container) (interface{}, error) {
		return trust.NewEngine(p.cfg.Trust), nil
	})

	p.container.RegisterBuilder(ServiceFeedHub, func(c *Container) (interface{}, error) {
		if !p.cfg.Feed.Enabled {
			return nil, nil
		}
		return feed.NewHub(p.log), nil
	})

	p.container.RegisterBuilder(ServiceFeed, func(c *Container) (interface{}, error) {
		if !p.cfg.Feed.Enabled {
			return feed.Nop{}, nil
		}
		hub, err := p.FeedHub()
		if err != nil {
			return nil, err
		}
		out := feed.Fanout{hub}
		if p.cfg.KV.Backend == config.KVBackendRedis {
			kvStore, err := p.KV()
			if err != nil {
				return nil, err
			}
			if rs, ok := kvStore.(*redisstore.Store); ok {
				out = append(out, feed.NewRedisSink(rs.Client(), p.cfg.Feed.Channel, p.log))
			}
		}
		return out, nil
	})
}

func (p *Provider) registerTradeBuilders() {
	p.container.RegisterBuilder(ServiceInventory, func(c *Container) (interface{}, error) {
		store, locks, err := p.storeAndLocks()
		if err != nil {
			return nil, err
		}
		return inventory.New(store, locks, p.clock(), p.ids(), p.cfg.Inventory), nil
	})

	p.container.RegisterBuilder(ServiceOrders, func(c *Container) (interface{}, error) {
		store, locks, err := p.storeAndLocks()
		if err != nil {
			return nil, err
		}
		return order.NewService(store, locks, p.clock(), p.cfg.Orders), nil
	})

	p.container.RegisterBuilder(ServiceEscrow, func(c *Container) (interface{}, error) {
		store, err := p.Store()
		if err != nil {
			return nil, err
		}
		rail, err := p.Bank()
		if err != nil {
			return nil, err
		}
		return escrow.New(store, rail, p.clock(), p.ids(), p.cfg.Escrow), nil
	})

	p.container.RegisterBuilder(ServiceStates, func(c *Container) (interface{}, error) {
		kvStore, err := p.KV()
		if err != nil {
			return nil, err
		}
		store, err := p.Store()
		if err != nil {
			return nil, err
		}
		return coordinator.NewStateCache(kvStore, store, p.cfg.Protocol.Cache, p.log)
	})

	p.container.RegisterBuilder(ServiceBPP, func(c *Container) (interface{}, error) {
		store, locks, err := p.storeAndLocks()
		if err != nil {
			return nil, err
		}
		inv, err := p.Inventory()
		if err != nil {
			return nil, err
		}
		orders, err := p.Orders()
		if err != nil {
			return nil, err
		}
		esc, err := p.Escrow()
		if err != nil {
			return nil, err
		}
		matcher, err := p.Matcher()
		if err != nil {
			return nil, err
		}
		states, err := p.States()
		if err != nil {
			return nil, err
		}
		pub, err := p.Feed()
		if err != nil {
			return nil, err
		}
		builder := protocol.NewBuilder(
			protocol.Identity{SubscriberID: p.cfg.Protocol.BppID, URI: p.cfg.Protocol.BppURI},
			protocol.BuilderConfig{Domain: p.cfg.Protocol.Domain, TTL: p.cfg.Protocol.TTL},
			p.clock(), p.ids())
		return coordinator.NewBPP(coordinator.BPPDeps{
			Store:     store,
			Locks:     locks,
			Inventory: inv,
			Orders:    orders,
			Escrow:    esc,
			Matcher:   matcher,
			States:    states,
			Builder:   builder,
			Feed:      pub,
			Clock:     p.clock(),
		}, p.cfg.Protocol.Bpp), nil
	})

	p.container.RegisterBuilder(ServiceBAP, func(c *Container) (interface{}, error) {
		store, err := p.Store()
		if err != nil {
			return nil, err
		}
		states, err := p.States()
		if err != nil {
			return nil, err
		}

		var transport protocol.Transport
		if p.cfg.Protocol.Mode == config.ProtocolModeHTTP {
			transport = protocol.NewHTTP(protocol.DefaultHTTPConfig(), nil, p.log)
		} else {
			bpp, err := p.BPP()
			if err != nil {
				return nil, err
			}
			transport = protocol.NewLocal(bpp)
		}

		builder := protocol.NewBuilder(
			protocol.Identity{SubscriberID: p.cfg.Protocol.BapID, URI: p.cfg.Protocol.BapURI},
			protocol.BuilderConfig{Domain: p.cfg.Protocol.Domain, TTL: p.cfg.Protocol.TTL},
			p.clock(), p.ids())

		bapCfg := p.cfg.Protocol.Bap
		bapCfg.BppURI = p.cfg.Protocol.BppURI
		return coordinator.NewBAP(transport, builder, store, states, p.clock(), bapCfg), nil
	})

	p.container.RegisterBuilder(ServiceVerifier, func(c *Container) (interface{}, error) {
		store, locks, err := p.storeAndLocks()
		if err != nil {
			return nil, err
		}
		orders, err := p.Orders()
		if err != nil {
			return nil, err
		}
		esc, err := p.Escrow()
		if err != nil {
			return nil, err
		}
		orc, err := p.Oracle()
		if err != nil {
			return nil, err
		}
		tr, err := p.Trust()
		if err != nil {
			return nil, err
		}
		pub, err := p.Feed()
		if err != nil {
			return nil, err
		}
		return verifier.New(verifier.Deps{
			Store:  store,
			Locks:  locks,
			Orders: orders,
			Escrow: esc,
			Oracle: orc,
			Trust:  tr,
			Feed:   pub,
			Clock:  p.clock(),
		}, p.cfg.Verifier), nil
	})

	p.container.RegisterBuilder(ServiceAgents, func(c *Container) (interface{}, error) {
		if !p.cfg.Agents.Enabled {
			return nil, nil
		}
		store, locks, err := p.storeAndLocks()
		if err != nil {
			return nil, err
		}
		kvStore, err := p.KV()
		if err != nil {
			return nil, err
		}
		bap, err := p.BAP()
		if err != nil {
			return nil, err
		}
		pub, err := p.Feed()
		if err != nil {
			return nil, err
		}
		return agent.New(agent.Deps{
			Store:  store,
			KV:     kvStore,
			Locks:  locks,
			Trader: bap,
			Feed:   pub,
			Clock:  p.clock(),
			IDs:    p.ids(),
		}, p.cfg.Agents.Runtime), nil
	})
}

func (p *Provider) registerSurfaceBuilders() {
	p.container.RegisterBuilder(ServiceHTTPServer, func(c *Container) (interface{}, error) {
		bap, err := p.BAP()
		if err != nil {
			return nil, err
		}
		bpp, err := p.BPP()
		if err != nil {
			return nil, err
		}
		agents, err := p.Agents()
		if err != nil {
			return nil, err
		}
		store, err := p.Store()
		if err != nil {
			return nil, err
		}
		kvStore, err := p.KV()
		if err != nil {
			return nil, err
		}
		idem, err := p.Idempotency()
		if err != nil {
			return nil, err
		}
		hub, err := p.FeedHub()
		if err != nil {
			return nil, err
		}
		return server.New(server.Deps{
			BAP:    bap,
			BPP:    bpp,
			Agents: agents,
			Store:  store,
			KV:     kvStore,
			Idem:   idem,
			Hub:    hub,
			Clock:  p.clock(),
		}, p.cfg.Server, p.log), nil
	})
}

// Typed getters. Each resolves through the container so every caller shares
// one instance.

func (p *Provider) clock() clock.Clock {
	return p.container.MustGet(ServiceClock).(clock.Clock)
}

func (p *Provider) ids() clock.IDGenerator {
	return p.container.MustGet(ServiceIDs).(clock.IDGenerator)
}

func (p *Provider) storeAndLocks() (relational.Manager, *lock.Manager, error) {
	store, err := p.Store()
	if err != nil {
		return nil, nil, err
	}
	locks, err := p.Locks()
	if err != nil {
		return nil, nil, err
	}
	return store, locks, nil
}

// Config returns the configuration the provider was built with.
func (p *Provider) Config() *config.Config { return p.cfg }

// KV returns the key-value store behind locks, idempotency and state cache.
func (p *Provider) KV() (kv.Store, error) {
	v, err := p.container.Get(ServiceKV)
	if err != nil {
		return nil, err
	}
	return v.(kv.Store), nil
}

// Store returns the relational store.
func (p *Provider) Store() (relational.Manager, error) {
	v, err := p.container.Get(ServiceRelational)
	if err != nil {
		return nil, err
	}
	return v.(relational.Manager), nil
}

// Locks returns the distributed lock manager.
func (p *Provider) Locks() (*lock.Manager, error) {
	v, err := p.container.Get(ServiceLocks)
	if err != nil {
		return nil, err
	}
	return v.(*lock.Manager), nil
}

// Idempotency returns the response replay cache.
func (p *Provider) Idempotency() (*idempotency.Cache, error) {
	v, err := p.container.Get(ServiceIdempotency)
	if err != nil {
		return nil, err
	}
	return v.(*idempotency.Cache), nil
}

// Bank returns the funds rail.
func (p *Provider) Bank() (bank.Rail, error) {
	v, err := p.container.Get(ServiceBank)
	if err != nil {
		return nil, err
	}
	return v.(bank.Rail), nil
}

// Oracle returns the delivery oracle.
func (p *Provider) Oracle() (oracle.Verifier, error) {
	v, err := p.container.Get(ServiceOracle)
	if err != nil {
		return nil, err
	}
	return v.(oracle.Verifier), nil
}

// Inventory returns the block reservation engine.
func (p *Provider) Inventory() (*inventory.Engine, error) {
	v, err := p.container.Get(ServiceInventory)
	if err != nil {
		return nil, err
	}
	return v.(*inventory.Engine), nil
}

// Orders returns the order lifecycle service.
func (p *Provider) Orders() (*order.Service, error) {
	v, err := p.container.Get(ServiceOrders)
	if err != nil {
		return nil, err
	}
	return v.(*order.Service), nil
}

// Escrow returns the escrow orchestrator.
func (p *Provider) Escrow() (*escrow.Orchestrator, error) {
	v, err := p.container.Get(ServiceEscrow)
	if err != nil {
		return nil, err
	}
	return v.(*escrow.Orchestrator), nil
}

// Matcher returns the offer ranking engine.
func (p *Provider) Matcher() (*match.Engine, error) {
	v, err := p.container.Get(ServiceMatcher)
	if err != nil {
		return nil, err
	}
	return v.(*match.Engine), nil
}

// Trust returns the trust scoring engine.
func (p *Provider) Trust() (*trust.Engine, error) {
	v, err := p.container.Get(ServiceTrust)
	if err != nil {
		return nil, err
	}
	return v.(*trust.Engine), nil
}

// States returns the transaction-state cache.
func (p *Provider) States() (*coordinator.StateCache, error) {
	v, err := p.container.Get(ServiceStates)
	if err != nil {
		return nil, err
	}
	return v.(*coordinator.StateCache), nil
}

// BPP returns the provider platform.
func (p *Provider) BPP() (*coordinator.BPP, error) {
	v, err := p.container.Get(ServiceBPP)
	if err != nil {
		return nil, err
	}
	return v.(*coordinator.BPP), nil
}

// BAP returns the buyer application.
func (p *Provider) BAP() (*coordinator.BAP, error) {
	v, err := p.container.Get(ServiceBAP)
	if err != nil {
		return nil, err
	}
	return v.(*coordinator.BAP), nil
}

// Verifier returns the delivery verifier.
func (p *Provider) Verifier() (*verifier.Service, error) {
	v, err := p.container.Get(ServiceVerifier)
	if err != nil {
		return nil, err
	}
	return v.(*verifier.Service), nil
}

// Agents returns the agent runtime, nil when agents are disabled.
func (p *Provider) Agents() (*agent.Runtime, error) {
	v, err := p.container.Get(ServiceAgents)
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*agent.Runtime), nil
}

// FeedHub returns the WebSocket hub, nil when the feed is disabled.
func (p *Provider) FeedHub() (*feed.Hub, error) {
	v, err := p.container.Get(ServiceFeedHub)
	if err != nil || v == nil {
		return nil, err
	}
	return v.(*feed.Hub), nil
}

// Feed returns the event publisher; a no-op when the feed is disabled.
func (p *Provider) Feed() (feed.Publisher, error) {
	v, err := p.container.Get(ServiceFeed)
	if err != nil {
		return nil, err
	}
	return v.(feed.Publisher), nil
}

// HTTPServer returns the API server.
func (p *Provider) HTTPServer() (*server.Server, error) {
	v, err := p.container.Get(ServiceHTTPServer)
	if err != nil {
		return nil, err
	}
	return v.(*server.Server), nil
}
