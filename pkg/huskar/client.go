package huskar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/ocx/huskar/internal/audit"
	"github.com/ocx/huskar/internal/config"
	"github.com/ocx/huskar/internal/eventsink"
	"github.com/ocx/huskar/internal/filecache"
	"github.com/ocx/huskar/internal/identity"
	"github.com/ocx/huskar/internal/ioloop"
	"github.com/ocx/huskar/internal/longpoll"
	"github.com/ocx/huskar/internal/telemetry"
	"github.com/ocx/huskar/internal/treewatch"
	"github.com/ocx/huskar/internal/watch"
)

// ClientConfig is the set of options NewClient accepts. Settings left
// zero are resolved from environment variables by config.Load, the same
// two-stage precedence internal/config documents.
type ClientConfig struct {
	// Loaded, if set, is used verbatim instead of calling config.Load —
	// for callers that already centralize YAML+env loading themselves.
	Loaded *config.Config
	// ConfigPath is passed to config.Load when Loaded is nil.
	ConfigPath string

	// Metrics, Events, and Audit are optional observability sinks; a nil
	// field simply disables that concern.
	Metrics *telemetry.Collector
	Events  eventsink.Sink
	Audit   *audit.Log

	HTTPClient *http.Client
}

// Client is the huskar code drop: it resolves this process's backend
// (tree-watch if TreeWatchURL is set, otherwise long-poll with automatic
// file-cache fallback), and hands out the Config/Switch/ServiceConsumer
// facades over it. Grounded on huskar_sdk_v2's bootstrap/client.py, which
// plays the same "one object wires every component" role.
type Client struct {
	cfg *config.Config

	manager   *ioloop.Manager    // set when running the long-poll/file-cache engine
	treewatch *treewatch.Backend // set when running the tree-watch engine

	tokenSource longpoll.TokenSource
	httpClient  *http.Client

	poller *telemetry.Poller
	events eventsink.Sink
	audit  *audit.Log
}

// NewClient resolves configuration, builds the selected backend, and
// starts it. Close must be called to release the cache directory's host
// writer lock (long-poll/file-cache engine) or stop the persistent
// session (tree-watch engine).
func NewClient(opts ClientConfig) (*Client, error) {
	cfg := opts.Loaded
	if cfg == nil {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("huskar: load configuration: %w", err)
		}
		cfg = loaded
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	tokenSource, err := resolveTokenSource(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:         cfg,
		tokenSource: tokenSource,
		httpClient:  httpClient,
		events:      opts.Events,
		audit:       opts.Audit,
	}

	var pollingHook func(error)
	if opts.Events != nil {
		hooks := eventsink.NewHooks(opts.Events, "huskar-client")
		label := backendLabel(cfg)
		pollingHook = func(err error) { hooks.PollingError(label, err) }
	}

	if cfg.Backend.TreeWatchURL != "" {
		backend, err := treewatch.NewBackend(treewatch.Config{
			URL:     cfg.Backend.TreeWatchURL,
			Cluster: cfg.Backend.Cluster,
		})
		if err != nil {
			return nil, fmt.Errorf("huskar: start tree-watch backend: %w", err)
		}
		backend.Run()
		c.treewatch = backend
	} else {
		manager, err := ioloop.NewManager(ioloop.Config{
			CacheDir: CacheDirPath(cfg),
			LongPoll: longpoll.Config{
				BaseURL:     cfg.Backend.BaseURL,
				TokenSource: tokenSource,
				SOAMode:     longpoll.SOAMode(cfg.Routing.SOAMode),
				SOACluster:  cfg.Routing.SOACluster,
				HTTPClient:  httpClient,
			},
			FileCache:        filecache.Config{},
			PollingErrorHook: pollingHook,
		})
		if err != nil {
			return nil, fmt.Errorf("huskar: start ioloop manager: %w", err)
		}
		c.manager = manager
	}

	if opts.Metrics != nil {
		c.poller = telemetry.NewPoller(opts.Metrics, 15*time.Second, c.observable)
		c.poller.Start()
	}

	return c, nil
}

// observable adapts Client's two mutually-exclusive engines to
// telemetry.Observable without exposing either engine type publicly.
func (c *Client) observable() telemetry.Observable { return clientObservable{c} }

type clientObservable struct{ c *Client }

func (o clientObservable) Configs() *watch.Entity  { return o.c.configsEntity() }
func (o clientObservable) Switches() *watch.Entity { return o.c.switchesEntity() }
func (o clientObservable) Services() *watch.Entity { return o.c.servicesEntity() }

func (o clientObservable) IsConnected() bool {
	if o.c.treewatch != nil {
		return o.c.treewatch.IsConnected()
	}
	return o.c.manager.Current() != nil && o.c.manager.Current().IsConnected()
}

func (o clientObservable) IsRunning() bool {
	if o.c.treewatch != nil {
		return o.c.treewatch.IsRunning()
	}
	return o.c.manager.Current() != nil
}

func (c *Client) configsEntity() *watch.Entity {
	if c.treewatch != nil {
		return c.treewatch.Configs()
	}
	return c.manager.Configs()
}

func (c *Client) switchesEntity() *watch.Entity {
	if c.treewatch != nil {
		return c.treewatch.Switches()
	}
	return c.manager.Switches()
}

func (c *Client) servicesEntity() *watch.Entity {
	if c.treewatch != nil {
		return c.treewatch.Services()
	}
	return c.manager.Services()
}

// Config returns the configuration facade for app.
func (c *Client) Config(app string) *Config {
	return newConfig(c.configsEntity, app)
}

// Switch returns the feature-switch facade for app.
func (c *Client) Switch(app string) *Switch {
	return newSwitch(c.switchesEntity, app)
}

// Services returns the service-discovery read facade for app.
func (c *Client) Services(app string) *ServiceConsumer {
	return newServiceConsumer(c.servicesEntity, app)
}

// Registry returns a write-side facade for registering this process as
// an instance of service in cluster.
func (c *Client) Registry(service, cluster string) *ServiceRegistry {
	return newServiceRegistry(c.cfg.Backend.BaseURL, service, cluster, c.tokenSource, c.cfg.Routing.SOAMode, c.httpClient)
}

// ObserveChanges registers a listener on the given kind's entity for
// (app, cluster) that best-effort records every update/delete to the
// configured audit.Log and emits an eventsink.TypeWatchChanged event —
// wiring for callers that want a durable trail of what changed without
// writing their own watch.Callback. A no-op if neither Audit nor Events
// was configured. Returns the listener handle for RemoveListener.
func (c *Client) ObserveChanges(kind watch.Kind, app, cluster string) watch.Handle {
	if c.audit == nil && c.events == nil {
		return 0
	}

	var hooks *eventsink.Hooks
	if c.events != nil {
		hooks = eventsink.NewHooks(c.events, "huskar-client")
	}

	entity := c.entityByKind(kind)
	entity.AddWatch(context.Background(), app, cluster, 0)

	return entity.AddListener(app, cluster, func(ev watch.Event) {
		deleted := ev.Kind == watch.EventDelete
		if c.audit != nil {
			event := "update"
			if deleted {
				event = "delete"
			}
			c.audit.Append(audit.Entry{
				Kind: string(kind), App: ev.AppID, Cluster: ev.Cluster, Key: ev.Key, Event: event,
			})
		}
		if hooks != nil {
			hooks.WatchChanged(string(kind), ev.AppID, ev.Cluster, ev.Key, deleted)
		}
	})
}

func (c *Client) entityByKind(kind watch.Kind) *watch.Entity {
	switch kind {
	case watch.KindConfig:
		return c.configsEntity()
	case watch.KindSwitch:
		return c.switchesEntity()
	default:
		return c.servicesEntity()
	}
}

// Close stops the active backend and, for the long-poll/file-cache
// engine, releases the host writer lock if this process held it.
func (c *Client) Close() {
	if c.poller != nil {
		c.poller.Stop()
	}
	if c.treewatch != nil {
		c.treewatch.Stop(5*time.Second, true)
		return
	}
	if c.manager != nil {
		c.manager.Close()
	}
}

func backendLabel(cfg *config.Config) string {
	if cfg.Backend.TreeWatchURL != "" {
		return "treewatch"
	}
	return "longpoll"
}

func resolveTokenSource(cfg *config.Config) (longpoll.TokenSource, error) {
	if cfg.Identity.SPIFFESocketPath != "" {
		source, err := identity.NewSPIFFESource(cfg.Identity.SPIFFESocketPath, cfg.Identity.SPIFFEAudience)
		if err != nil {
			return nil, fmt.Errorf("huskar: set up SPIFFE token source: %w", err)
		}
		return source, nil
	}
	return longpoll.StaticToken(cfg.Backend.Token), nil
}

// CacheDirPath implements spec.md's cache directory layout:
// {root}/{namespace}@{app_id}@{cluster}@{token_sha256[:6]}.
func CacheDirPath(cfg *config.Config) string {
	sum := sha256.Sum256([]byte(cfg.Backend.Token))
	tokenPrefix := hex.EncodeToString(sum[:])[:6]
	return fmt.Sprintf("%s/%s@%s@%s@%s",
		cfg.Cache.Root, cfg.Cache.Namespace, cfg.Backend.AppID, cfg.Backend.Cluster, tokenPrefix)
}
