package offlineshell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/offline-shell/cache"
	cachestatus "github.com/always-cache/offline-shell/pkg/cache-status"
	responsetransformer "github.com/always-cache/offline-shell/pkg/response-transformer"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const maxPushPayload = 64 << 10

// Host is the platform the workers run on. It installs and activates
// worker versions, polls the origin for new versions and hands every
// intercepted request to the active worker.
type Host struct {
	store          *CacheStore
	network        Network
	clients        *Clients
	notifier       Notifier
	metrics        *Metrics
	log            zerolog.Logger
	handler        http.Handler
	workerConfig   workerConfig
	rules          responsetransformer.Rules
	updateInterval time.Duration
	versionPath    string

	mu         sync.RWMutex
	installing *Worker
	waiting    *Worker
	active     *Worker
}

// New creates the host. No worker is installed until Start or Register
// is called; until then every request goes straight to the origin.
func New(config Config) (*Host, error) {
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("app", config.CachePrefix).Logger()

	network := config.Network
	if network == nil {
		network = NewOriginNetwork(config.OriginURL, config.OriginHost)
	}
	notifier := config.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	updateInterval := config.UpdateInterval
	if updateInterval == 0 {
		updateInterval = DefaultUpdateInterval
	}
	versionPath := config.VersionPath
	if versionPath == "" {
		versionPath = DefaultVersionPath
	}
	appName := config.AppName
	if appName == "" {
		appName = config.CachePrefix
	}

	h := &Host{
		store:    NewCacheStore(config.Cache, logger),
		network:  network,
		clients:  NewClients(),
		notifier: notifier,
		metrics:  NewMetrics(config.Registerer),
		log:      logger,
		workerConfig: workerConfig{
			Version:          config.Version,
			Prefix:           config.CachePrefix,
			AppName:          appName,
			StaticResources:  config.StaticResources,
			ManualActivation: config.ManualActivation,
		},
		rules:          config.Rules,
		updateInterval: updateInterval,
		versionPath:    versionPath,
	}
	h.handler = h.routes()
	return h, nil
}

// Start installs the configured version and starts the update check loop,
// which runs until the context is cancelled. An install error is returned
// but the loop is started anyway, so a later check can retry.
func (h *Host) Start(ctx context.Context) error {
	_, err := h.Register(ctx, h.workerConfig.Version)
	if h.updateInterval > 0 {
		go h.updateLoop(ctx)
	}
	return err
}

// Register installs a worker for the version. The first worker to install
// activates immediately; later ones wait unless they skip waiting.
// Registering a version that is already present is a no-op.
func (h *Host) Register(ctx context.Context, version string) (*Worker, error) {
	h.mu.Lock()
	for _, existing := range []*Worker{h.installing, h.waiting, h.active} {
		if existing != nil && existing.version == version {
			h.mu.Unlock()
			return existing, nil
		}
	}
	wc := h.workerConfig
	wc.Version = version
	w := newWorker(wc, h.store, h.network, h.rules, h, h.metrics, h.log)
	h.installing = w
	h.mu.Unlock()

	if err := w.Install(ctx); err != nil {
		h.mu.Lock()
		if h.installing == w {
			h.installing = nil
		}
		h.mu.Unlock()
		return nil, err
	}

	h.mu.Lock()
	if h.installing == w {
		h.installing = nil
	}
	if h.waiting != nil {
		h.waiting.setState(StateRedundant)
	}
	h.waiting = w
	active := h.active
	h.mu.Unlock()

	if active != nil {
		if n := h.clients.ControlledBy(active.version); n > 0 {
			h.notifier.UpdateReady(UpdateEvent{Current: active.version, Next: w.version, Clients: n})
		}
	}
	if active == nil || w.skipWaiting.Load() {
		h.activate(ctx, w)
	}
	return w, nil
}

// SkipWaiting lets the worker activate as soon as it is installed,
// or right away when it is already waiting.
func (h *Host) SkipWaiting(ctx context.Context, w *Worker) error {
	w.skipWaiting.Store(true)
	if h.Waiting() == w {
		h.activate(ctx, w)
	}
	return nil
}

func (h *Host) activate(ctx context.Context, w *Worker) {
	h.mu.Lock()
	if h.active == w {
		h.mu.Unlock()
		return
	}
	prev := h.active
	h.active = w
	if h.waiting == w {
		h.waiting = nil
	}
	h.mu.Unlock()

	if prev != nil {
		prev.setState(StateRedundant)
	}
	if err := w.Activate(ctx); err != nil {
		h.log.Error().Err(err).Str("version", w.version).Msg("Activation did not complete cleanly")
	}
}

// Clients returns the registry of controlled pages.
func (h *Host) Clients() *Clients {
	return h.clients
}

func (h *Host) Active() *Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

func (h *Host) Waiting() *Worker {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.waiting
}

// Store returns the partitions shared by all workers.
func (h *Host) Store() *CacheStore {
	return h.store
}

// Message delivers a page message. SKIP_WAITING goes to the waiting worker,
// everything else to the active one.
func (h *Host) Message(ctx context.Context, msg Message) (Reply, error) {
	if msg.Type == MessageSkipWaiting {
		w := h.Waiting()
		if w == nil {
			return Reply{}, ErrNoWaitingWorker
		}
		return w.Message(ctx, msg)
	}
	w := h.Active()
	if w == nil {
		return Reply{}, ErrNoActiveWorker
	}
	reply, err := w.Message(ctx, msg)
	if err != nil {
		return reply, err
	}
	if waiting := h.Waiting(); waiting != nil {
		reply.Waiting = waiting.version
	}
	return reply, nil
}

type versionDocument struct {
	Version string `json:"version"`
}

// CheckForUpdate fetches the version document from the origin and installs
// the version it names when it differs from the newest known one.
// It reports whether a new worker was installed.
func (h *Host) CheckForUpdate(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.versionPath, nil)
	if err != nil {
		return false, fmt.Errorf("create version request: %w", err)
	}
	res, err := h.network.Fetch(ctx, req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return false, fmt.Errorf("fetch %s: unexpected status %d", h.versionPath, res.StatusCode)
	}
	var doc versionDocument
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return false, fmt.Errorf("decode %s: %w", h.versionPath, err)
	}
	if doc.Version == "" {
		return false, fmt.Errorf("%s names no version", h.versionPath)
	}

	h.mu.RLock()
	newest := h.installing
	if newest == nil {
		newest = h.waiting
	}
	if newest == nil {
		newest = h.active
	}
	h.mu.RUnlock()
	if newest != nil && newest.version == doc.Version {
		h.log.Trace().Str("version", doc.Version).Msg("No update")
		return false, nil
	}

	h.log.Info().Str("version", doc.Version).Msg("New version found")
	if _, err := h.Register(ctx, doc.Version); err != nil {
		return false, err
	}
	return true, nil
}

func (h *Host) updateLoop(ctx context.Context) {
	h.log.Info().Msgf("Starting update check loop with interval %s", h.updateInterval)
	ticker := time.NewTicker(h.updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.clients.Prune()
			if _, err := h.CheckForUpdate(ctx); err != nil {
				h.log.Error().Err(err).Msg("Update check failed")
			}
		}
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

func (h *Host) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Post("/message", h.handleMessage)
		r.Post("/sync", h.handleSync)
		r.Post("/push", h.handlePush)
		r.Post("/update", h.handleUpdate)
		r.Get("/partitions", h.handlePartitions)
		r.Get("/partitions/{name}", h.handlePartition)
	})
	r.Handle("/*", http.HandlerFunc(h.intercept))
	return r
}

// intercept offers the request to the active worker.
func (h *Host) intercept(w http.ResponseWriter, r *http.Request) {
	worker := h.Active()
	if worker == nil {
		// escape hatch: nothing installed yet, act as a plain proxy
		h.passthrough(w, r, cachestatus.FwdBypass)
		return
	}

	id := h.clients.Identify(w, r)
	if isNavigation(r) {
		h.clients.Control(id, worker.version)
	}

	result, err := worker.Fetch(r.Context(), r)
	if errors.Is(err, ErrNotHandled) {
		h.passthrough(w, r, cachestatus.FwdMethod)
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Str("url", r.URL.String()).Str("strategy", string(result.Strategy)).Msg("No response available")
		w.Header().Set(cachestatus.HeaderName, result.Status.String())
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		logRequest(h.log, r, result.Strategy, result.Status)
		return
	}
	h.send(w, r, result)
}

func (h *Host) send(w http.ResponseWriter, r *http.Request, result Result) {
	body, err := result.Response.ReadBody()
	if err != nil {
		h.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not read response body")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	copyHeader(w.Header(), result.Response.Header)
	w.Header().Set(cachestatus.HeaderName, result.Status.String())
	w.WriteHeader(result.Response.StatusCode)
	if _, err := w.Write(body); err != nil {
		h.log.Error().Err(err).Msg("Could not write response body to client")
	}
	logRequest(h.log, r, result.Strategy, result.Status)
	h.log.Trace().Msgf("Wrote body (%d bytes)", len(body))
}

// passthrough sends the request to the origin untouched and streams the
// response back. Nothing is stored.
func (h *Host) passthrough(w http.ResponseWriter, r *http.Request, reason cachestatus.FwdReason) {
	h.log.Trace().Msgf("proxying %s", r.URL.String())
	cs := cachestatus.CacheStatus{}
	cs.Forward(reason)

	res, err := h.network.Fetch(r.Context(), r)
	if err != nil {
		h.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not reach origin")
		cs.Detail = cachestatus.DetailNetworkError
		w.Header().Set(cachestatus.HeaderName, cs.String())
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		logRequest(h.log, r, "", cs)
		return
	}
	defer res.Body.Close()

	cs.FwdStatus = res.StatusCode
	copyHeader(w.Header(), res.Header)
	w.Header().Set(cachestatus.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		h.log.Error().Err(err).Msg("Could not write response body to client")
	}
	logRequest(h.log, r, "", cs)
}

func (h *Host) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid message: "+err.Error(), http.StatusBadRequest)
		return
	}
	reply, err := h.Message(r.Context(), msg)
	switch {
	case errors.Is(err, ErrUnknownMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNoWaitingWorker), errors.Is(err, ErrNoActiveWorker):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		h.log.Error().Err(err).Str("type", string(msg.Type)).Msg("Message failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		h.writeJSON(w, reply)
	}
}

func (h *Host) handleSync(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		http.Error(w, "missing sync tag", http.StatusBadRequest)
		return
	}
	worker := h.Active()
	if worker == nil {
		http.Error(w, ErrNoActiveWorker.Error(), http.StatusConflict)
		return
	}
	if err := worker.Sync(r.Context(), tag); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Host) handlePush(w http.ResponseWriter, r *http.Request) {
	worker := h.Active()
	if worker == nil {
		http.Error(w, ErrNoActiveWorker.Error(), http.StatusConflict)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := worker.Push(r.Context(), payload); err != nil {
		h.log.Error().Err(err).Msg("Push failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Host) handleUpdate(w http.ResponseWriter, r *http.Request) {
	updated, err := h.CheckForUpdate(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Update check failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	res := struct {
		Updated bool   `json:"updated"`
		Active  string `json:"active,omitempty"`
		Waiting string `json:"waiting,omitempty"`
	}{Updated: updated}
	if active := h.Active(); active != nil {
		res.Active = active.version
	}
	if waiting := h.Waiting(); waiting != nil {
		res.Waiting = waiting.version
	}
	h.writeJSON(w, res)
}

func (h *Host) handlePartitions(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.Keys()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, struct {
		Partitions []string `json:"partitions"`
	}{names})
}

func (h *Host) handlePartition(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	requests, err := h.store.Requests(name)
	if errors.Is(err, cache.ErrPartitionNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	urls := make([]string, 0, len(requests))
	for _, req := range requests {
		urls = append(urls, req.URL.String())
	}
	h.writeJSON(w, struct {
		Name string   `json:"name"`
		URLs []string `json:"urls"`
	}{name, urls})
}

func (h *Host) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("Could not write JSON response")
	}
}
