package offlineshell

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	serializer "github.com/always-cache/offline-shell/pkg/response-serializer"
	responsetransformer "github.com/always-cache/offline-shell/pkg/response-transformer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// State of a worker version.
type State string

const (
	StateInstalling State = "installing"
	// Installed and waiting to activate.
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// Failed to install or replaced by a newer version.
	StateRedundant State = "redundant"
)

// SyncTagBackgroundSync repopulates the static partition.
const SyncTagBackgroundSync = "background-sync"

var (
	// ErrNotHandled is returned by Fetch for requests the worker does not intercept.
	ErrNotHandled = errors.New("request not handled")
	// ErrInstallFailed wraps every install failure.
	ErrInstallFailed = errors.New("install failed")
)

// EventHandler receives the events raised by the host.
type EventHandler interface {
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
	Fetch(ctx context.Context, r *http.Request) (Result, error)
	Message(ctx context.Context, msg Message) (Reply, error)
	Sync(ctx context.Context, tag string) error
	Push(ctx context.Context, payload []byte) error
}

// Platform is what a worker needs from its host.
type Platform interface {
	// SkipWaiting activates the worker as soon as it is installed.
	SkipWaiting(ctx context.Context, w *Worker) error
	Clients() *Clients
}

// Worker is one version of the offline cache.
type Worker struct {
	version          string
	partitions       Partitions
	staticResources  []string
	manualActivation bool

	store    *CacheStore
	router   Router
	executor *Executor
	platform Platform
	metrics  *Metrics
	log      zerolog.Logger

	mu          sync.RWMutex
	state       State
	skipWaiting atomic.Bool
}

var _ EventHandler = (*Worker)(nil)

type workerConfig struct {
	Version          string
	Prefix           string
	AppName          string
	StaticResources  []string
	ManualActivation bool
}

func newWorker(wc workerConfig, store *CacheStore, network Network, rules responsetransformer.Rules, platform Platform, metrics *Metrics, logger zerolog.Logger) *Worker {
	partitions := NewPartitions(wc.Prefix, wc.Version)
	logger = logger.With().Str("version", wc.Version).Logger()
	return &Worker{
		version:          wc.Version,
		partitions:       partitions,
		staticResources:  wc.StaticResources,
		manualActivation: wc.ManualActivation,
		store:            store,
		router:           NewRouter(wc.StaticResources),
		executor:         NewExecutor(store, network, partitions, wc.AppName, rules, metrics, logger),
		platform:         platform,
		metrics:          metrics,
		log:              logger,
		state:            StateInstalling,
	}
}

func (w *Worker) Version() string {
	return w.version
}

func (w *Worker) Partitions() Partitions {
	return w.partitions
}

func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
	w.metrics.transition(state)
	w.log.Debug().Str("state", string(state)).Msg("Worker state changed")
}

// Install pre-caches the static resources. Either all of them are stored
// or the static partition is left empty and the worker becomes redundant.
// Unless activation is manual, the worker asks to skip waiting.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	w.log.Info().Msg("Installing")

	if err := w.store.Open(w.partitions.Static); err != nil {
		w.setState(StateRedundant)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	w.log.Debug().Int("resources", len(w.staticResources)).Msg("Caching static resources")
	if err := w.precache(ctx); err != nil {
		w.log.Error().Err(err).Msg("Failed to cache static resources")
		// leave no partial shell behind
		if _, delErr := w.store.Delete(w.partitions.Static); delErr != nil {
			w.log.Error().Err(delErr).Msg("Could not remove static partition")
		}
		w.setState(StateRedundant)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	w.log.Info().Msg("Static resources cached")
	w.setState(StateInstalled)

	if !w.manualActivation {
		if err := w.platform.SkipWaiting(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

// precache fetches every static resource in parallel and stores them once
// all fetches succeeded with a 2xx status. Nothing is stored if any fetch
// fails.
func (w *Worker) precache(ctx context.Context) error {
	requests := make([]*http.Request, len(w.staticResources))
	responses := make([]*serializer.Captured, len(w.staticResources))

	g, gctx := errgroup.WithContext(ctx)
	for i, resource := range w.staticResources {
		i, resource := i, resource
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, resource, nil)
			if err != nil {
				return fmt.Errorf("create request for %s: %w", resource, err)
			}
			res, err := w.executor.fetch(gctx, req)
			if err != nil {
				return err
			}
			if !res.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", resource, res.StatusCode)
			}
			requests[i] = req
			responses[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, res := range responses {
		stored, err := res.Handoff()
		if err == nil {
			err = w.store.Put(w.partitions.Static, requests[i], stored)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Activate deletes every partition not named by this version and takes
// control of all pages. Partitions that fail to delete are reported but
// do not stop activation.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)
	w.log.Info().Msg("Activating")

	var errs []error
	names, err := w.store.Keys()
	if err != nil {
		w.log.Error().Err(err).Msg("Could not list partitions")
		errs = append(errs, fmt.Errorf("list partitions: %w", err))
	}
	for _, name := range names {
		if w.partitions.Current(name) {
			continue
		}
		w.log.Info().Str("partition", name).Msg("Deleting old partition")
		if _, err := w.store.Delete(name); err != nil {
			w.log.Error().Err(err).Str("partition", name).Msg("Could not delete old partition")
			errs = append(errs, err)
			continue
		}
		w.metrics.purged()
	}

	claimed := w.platform.Clients().Claim(w.version)
	w.log.Debug().Int("clients", claimed).Msg("Claimed clients")
	w.setState(StateActivated)
	return errors.Join(errs...)
}

// Fetch routes the request and runs the chosen strategy.
// ErrNotHandled means the request must go to the network untouched.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (Result, error) {
	strategy, ok := w.router.Route(r)
	if !ok {
		return Result{}, ErrNotHandled
	}
	return w.executor.Execute(ctx, strategy, r)
}

// Message answers a message posted by a page.
func (w *Worker) Message(ctx context.Context, msg Message) (Reply, error) {
	w.log.Debug().Str("type", string(msg.Type)).Msg("Received message")
	switch msg.Type {
	case MessageSkipWaiting:
		if err := w.platform.SkipWaiting(ctx, w); err != nil {
			return Reply{}, err
		}
		return Reply{Version: w.version, Cache: w.partitions.Static, State: w.State()}, nil
	case MessageGetVersion:
		return Reply{Version: w.version, Cache: w.partitions.Static, State: w.State()}, nil
	default:
		return Reply{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// Sync handles a background sync. The background-sync tag pre-caches the
// static resources again; other tags are ignored.
func (w *Worker) Sync(ctx context.Context, tag string) error {
	if tag != SyncTagBackgroundSync {
		w.log.Debug().Str("tag", tag).Msg("Ignoring sync")
		return nil
	}
	w.log.Info().Msg("Background sync triggered")
	if err := w.precache(ctx); err != nil {
		w.log.Error().Err(err).Msg("Failed to update caches")
		return err
	}
	w.log.Info().Msg("Caches updated")
	return nil
}

// Push only logs the payload.
func (w *Worker) Push(ctx context.Context, payload []byte) error {
	w.log.Info().Int("bytes", len(payload)).Str("payload", string(payload)).Msg("Push notification received")
	return nil
}
