// Package lifecycle drives cache versions through install, activation and
// garbage collection, and hands out leases on the namespaces being read.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/fetch"
	"github.com/always-cache/swcache/manifest"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateInstalled   State = "installed"
	StateActivating  State = "activating"
	StateActive      State = "active"
	StateSuperseded  State = "superseded"
)

// Policy decides when an installed version becomes active.
type Policy string

const (
	// Activate as soon as the install succeeds.
	ActivationEager Policy = "eager"
	// Activate immediately only if nothing is active yet;
	// otherwise wait for SkipWaiting.
	ActivationWait Policy = "wait"
)

var ErrClearedDuringInstall = errors.New("cache cleared during install")

type Config struct {
	// Storage for all namespaces.
	Store cache.Provider
	// Network used to populate static namespaces.
	Network fetch.Network
	// Origin that relative manifest resources are resolved against.
	Origin *url.URL
	// Namespace prefix, e.g. "quran-tracker".
	Prefix string
	// Activation policy. Defaults to eager.
	Activation Policy
	// Maximum number of parallel fetches during install. Defaults to 4.
	InstallConcurrency int
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Controller struct {
	store       cache.Provider
	network     fetch.Network
	origin      *url.URL
	prefix      string
	policy      Policy
	concurrency int
	log         zerolog.Logger

	// install deduplication by version
	group singleflight.Group

	// storeMu orders namespace deletion against population:
	// deletes hold it exclusively, PutAll and adoption checks share it.
	storeMu sync.RWMutex

	mu      sync.Mutex
	drained *sync.Cond
	active  string
	pending string
	states  map[string]State
	// static namespaces currently being populated
	installing map[string]bool
	// leases per static namespace
	leases map[string]int
	// leases per epoch, waited on by Clear
	epochLeases map[uint64]int
	// namespaces to delete once their last lease is released
	deferred map[string]bool
	epoch    uint64
	clearing int

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

func New(config Config) *Controller {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	if config.Prefix == "" {
		config.Prefix = "swcache"
	}
	if config.Activation == "" {
		config.Activation = ActivationEager
	}
	if config.InstallConcurrency <= 0 {
		config.InstallConcurrency = 4
	}
	c := &Controller{
		store:       config.Store,
		network:     config.Network,
		origin:      config.Origin,
		prefix:      config.Prefix,
		policy:      config.Activation,
		concurrency: config.InstallConcurrency,
		log: logger.With().
			Str("component", "lifecycle").
			Str("prefix", config.Prefix).
			Logger(),
		states:      make(map[string]State),
		installing:  make(map[string]bool),
		leases:      make(map[string]int),
		epochLeases: make(map[uint64]int),
		deferred:    make(map[string]bool),
		subs:        make(map[int]chan Event),
	}
	c.drained = sync.NewCond(&c.mu)
	return c
}

// StaticNamespace returns the name of the static namespace of a version.
func (c *Controller) StaticNamespace(version string) string {
	return c.prefix + "-static-" + version
}

// RuntimeNamespace returns the name of the runtime namespace.
func (c *Controller) RuntimeNamespace() string {
	return c.prefix + "-runtime"
}

// Active returns the active version, empty when uninstalled.
func (c *Controller) Active() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Pending returns the installed version waiting for activation, if any.
func (c *Controller) Pending() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// State returns the state of a version.
func (c *Controller) State(version string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[version]; ok {
		return s
	}
	return StateUninstalled
}

// Install populates the static namespace of the manifest's version.
// Installing the active or an already installed version is a no-op.
// Concurrent installs of the same version share one population run.
func (c *Controller) Install(ctx context.Context, m manifest.Manifest) error {
	if err := m.Validate(); err != nil {
		return c.installFailed(m.Version, err)
	}
	if c.isInstalled(m.Version) {
		c.log.Trace().Str("version", m.Version).Msg("Version already installed")
		return nil
	}
	_, err, _ := c.group.Do(m.Version, func() (interface{}, error) {
		return nil, c.install(ctx, m)
	})
	return err
}

func (c *Controller) isInstalled(version string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return version == c.active || version == c.pending
}

func (c *Controller) install(ctx context.Context, m manifest.Manifest) error {
	version := m.Version
	ns := c.StaticNamespace(version)
	log := c.log.With().Str("version", version).Str("namespace", ns).Logger()

	c.mu.Lock()
	if version == c.active || version == c.pending {
		c.mu.Unlock()
		return nil
	}
	epoch := c.epoch
	c.states[version] = StateInstalling
	c.installing[ns] = true
	c.mu.Unlock()
	c.emit(Event{Type: EventInstalling, Version: version, Namespace: ns})
	log.Info().Int("resources", len(m.Resources)).Msg("Installing version")

	err := c.populate(ctx, m, ns, epoch)

	c.mu.Lock()
	delete(c.installing, ns)
	if err == nil && c.epoch != epoch {
		err = ErrClearedDuringInstall
	}
	if err != nil {
		if c.epoch == epoch {
			c.states[version] = StateUninstalled
		}
		c.mu.Unlock()
		return c.installFailed(version, err)
	}
	c.states[version] = StateInstalled
	if c.pending != "" {
		c.states[c.pending] = StateSuperseded
		log.Debug().Str("superseded", c.pending).Msg("Replacing pending version")
	}
	c.pending = version
	activate := c.policy == ActivationEager || c.active == ""
	c.mu.Unlock()

	c.emit(Event{Type: EventInstalled, Version: version, Namespace: ns})
	log.Info().Msg("Version installed")
	if activate {
		if err := c.Activate(ctx, version); err != nil {
			// a newer install replaced this version in the meantime
			log.Debug().Err(err).Msg("Skipping activation")
		}
		return nil
	}
	log.Info().Msg("Version waiting for skip-waiting")
	c.emit(Event{Type: EventUpdateAvailable, Version: version, Namespace: ns})
	return nil
}

func (c *Controller) installFailed(version string, cause error) error {
	err := &InstallError{Version: version, Cause: cause}
	c.log.Error().Err(err).Str("version", version).Msg("Install failed")
	c.emit(Event{Type: EventInstallFailed, Version: version, Error: err.Error()})
	return err
}

// populate fetches every resource and writes them all at once.
// A namespace that already exists was written by an earlier complete
// population and is adopted as is.
func (c *Controller) populate(ctx context.Context, m manifest.Manifest, ns string, epoch uint64) error {
	c.storeMu.RLock()
	exists, err := c.store.HasNamespace(ns)
	c.storeMu.RUnlock()
	if err != nil {
		return err
	}
	if exists {
		c.log.Info().Str("namespace", ns).Msg("Adopting existing namespace")
		return nil
	}

	urls, err := m.Resolve(c.origin)
	if err != nil {
		return err
	}
	entries := make([]cache.Entry, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, u := range urls {
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return err
			}
			res, err := c.network.Fetch(gctx, req)
			if err != nil {
				return &fetch.Error{URL: u.String(), Err: err}
			}
			if !fetch.Success(res.StatusCode) {
				return &fetch.Error{URL: u.String(), StatusCode: res.StatusCode}
			}
			entries[i] = cache.Entry{
				Key:      cachekey.Key(http.MethodGet, u),
				Method:   http.MethodGet,
				URL:      cachekey.Normalize(u),
				StoredAt: time.Now(),
				Response: res,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.storeMu.RLock()
	defer c.storeMu.RUnlock()
	c.mu.Lock()
	cleared := c.epoch != epoch
	c.mu.Unlock()
	if cleared {
		return ErrClearedDuringInstall
	}
	if err := c.store.PutAll(ns, entries); err != nil {
		return fmt.Errorf("write %s: %w", ns, err)
	}
	return nil
}

// Activate makes an installed version the active one and collects
// every namespace no longer needed.
func (c *Controller) Activate(ctx context.Context, version string) error {
	c.mu.Lock()
	if version == c.active {
		c.mu.Unlock()
		return nil
	}
	if version != c.pending {
		c.mu.Unlock()
		return fmt.Errorf("version %s is not installed", version)
	}
	c.states[version] = StateActivating
	prev := c.active
	c.active = version
	c.pending = ""
	if prev != "" {
		c.states[prev] = StateSuperseded
	}
	c.states[version] = StateActive
	c.mu.Unlock()

	c.log.Info().Str("version", version).Str("previous", prev).Msg("Version activated")
	c.emit(Event{Type: EventActivated, Version: version, Namespace: c.StaticNamespace(version)})
	c.collect(ctx)
	return nil
}

// SkipWaiting activates the pending version, if any.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	pending := c.Pending()
	if pending == "" {
		c.log.Debug().Msg("Nothing to activate")
		return nil
	}
	return c.Activate(ctx, pending)
}

// protected reports whether the namespace must be kept regardless of leases.
// The caller must hold c.mu.
func (c *Controller) protected(ns string) bool {
	if ns == c.RuntimeNamespace() || c.installing[ns] {
		return true
	}
	if c.active != "" && ns == c.StaticNamespace(c.active) {
		return true
	}
	return c.pending != "" && ns == c.StaticNamespace(c.pending)
}

// collect deletes every unprotected namespace. Namespaces with leases are
// deleted when their last lease is released.
func (c *Controller) collect(ctx context.Context) {
	names, err := c.store.Namespaces()
	if err != nil {
		c.gcFailed("", err)
		return
	}
	for _, ns := range names {
		if ctx.Err() != nil {
			return
		}
		c.deleteNamespace(ns)
	}
}

// deleteNamespace deletes the namespace unless it is protected or leased.
// A leased namespace is deferred to its last release.
func (c *Controller) deleteNamespace(ns string) {
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.mu.Lock()
	if c.protected(ns) {
		delete(c.deferred, ns)
		c.mu.Unlock()
		return
	}
	if c.leases[ns] > 0 {
		c.deferred[ns] = true
		c.mu.Unlock()
		c.log.Debug().Str("namespace", ns).Msg("Namespace in use, deferring deletion")
		return
	}
	delete(c.deferred, ns)
	c.mu.Unlock()

	if err := c.store.Delete(ns); err != nil {
		c.gcFailed(ns, err)
		return
	}
	c.log.Info().Str("namespace", ns).Msg("Deleted namespace")
}

func (c *Controller) gcFailed(ns string, cause error) {
	err := &GCError{Namespace: ns, Cause: cause}
	c.log.Warn().Err(err).Str("namespace", ns).Msg("Could not collect namespace")
	c.emit(Event{Type: EventGCFailed, Namespace: ns, Error: err.Error()})
}

// Clear reverts to uninstalled and deletes every namespace once the leases
// taken before the call are released.
// While clearing, new leases name no namespace at all.
func (c *Controller) Clear(ctx context.Context) error {
	c.mu.Lock()
	before := c.epoch
	c.epoch++
	c.clearing++
	c.active = ""
	c.pending = ""
	c.states = make(map[string]State)
	c.deferred = make(map[string]bool)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.clearing--
		c.mu.Unlock()
	}()
	c.log.Info().Msg("Clearing all namespaces")

	drained := make(chan struct{})
	go func() {
		c.mu.Lock()
		for c.leasesUpTo(before) > 0 {
			c.drained.Wait()
		}
		c.mu.Unlock()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return fmt.Errorf("waiting for leases: %w", ctx.Err())
	}

	c.storeMu.Lock()
	names, err := c.store.Namespaces()
	if err != nil {
		c.storeMu.Unlock()
		return err
	}
	var errs []error
	for _, ns := range names {
		if err := c.store.Delete(ns); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", ns, err))
		}
	}
	c.storeMu.Unlock()

	if err := errors.Join(errs...); err != nil {
		c.log.Error().Err(err).Msg("Could not clear every namespace")
		return err
	}
	c.emit(Event{Type: EventCleared})
	c.log.Info().Int("namespaces", len(names)).Msg("Cleared all namespaces")
	return nil
}

// leasesUpTo counts the outstanding leases taken in or before the epoch.
// The caller must hold c.mu.
func (c *Controller) leasesUpTo(epoch uint64) int {
	n := 0
	for e, count := range c.epochLeases {
		if e <= epoch {
			n += count
		}
	}
	return n
}

// Status is a snapshot of the controller.
type Status struct {
	Active   string           `json:"active"`
	Pending  string           `json:"pending,omitempty"`
	States   map[string]State `json:"states"`
	Leases   map[string]int   `json:"leases"`
	Deferred []string         `json:"deferred"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Status{
		Active:   c.active,
		Pending:  c.pending,
		States:   make(map[string]State, len(c.states)),
		Leases:   make(map[string]int, len(c.leases)),
		Deferred: make([]string, 0, len(c.deferred)),
	}
	for v, st := range c.states {
		s.States[v] = st
	}
	for ns, n := range c.leases {
		s.Leases[ns] = n
	}
	for ns := range c.deferred {
		s.Deferred = append(s.Deferred, ns)
	}
	sort.Strings(s.Deferred)
	return s
}
