package offlineshell

import (
	"context"
	"fmt"
	"net/http"

	cachestatus "github.com/always-cache/offline-shell/pkg/cache-status"
	"github.com/always-cache/offline-shell/pkg/fallback"
	serializer "github.com/always-cache/offline-shell/pkg/response-serializer"
	responsetransformer "github.com/always-cache/offline-shell/pkg/response-transformer"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/always-cache/offline-shell"

// Result is the outcome of a strategy.
// Response is nil only when the strategy returned an error.
type Result struct {
	Response *serializer.Captured
	Status   cachestatus.CacheStatus
	Strategy Strategy
}

// Executor runs the fetch strategies of one worker version.
type Executor struct {
	store      *CacheStore
	network    Network
	rules      responsetransformer.Rules
	partitions Partitions
	appName    string
	metrics    *Metrics
	tracer     trace.Tracer
	log        zerolog.Logger
}

func NewExecutor(store *CacheStore, network Network, partitions Partitions, appName string, rules responsetransformer.Rules, metrics *Metrics, logger zerolog.Logger) *Executor {
	return &Executor{
		store:      store,
		network:    network,
		rules:      rules,
		partitions: partitions,
		appName:    appName,
		metrics:    metrics,
		tracer:     otel.Tracer(tracerName),
		log:        logger,
	}
}

// Execute runs the given strategy for the request.
func (e *Executor) Execute(ctx context.Context, strategy Strategy, r *http.Request) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "strategy."+string(strategy),
		trace.WithAttributes(
			attribute.String("http.url", r.URL.String()),
			attribute.String("offline.strategy", string(strategy)),
		))
	defer span.End()

	var (
		res Result
		err error
	)
	switch strategy {
	case StrategyStatic:
		res, err = e.Static(ctx, r)
	case StrategyDynamic:
		res, err = e.Dynamic(ctx, r)
	case StrategyImage:
		res = e.Image(ctx, r)
	default:
		err = fmt.Errorf("unknown strategy %q", strategy)
	}

	span.SetAttributes(attribute.String("offline.cache_status", res.Status.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.fetch(strategy, sourceError)
	}
	return res, err
}

// Static answers from the static partition and goes to the network only
// on a miss. When the network is unreachable, document requests get the
// offline page and everything else fails.
func (e *Executor) Static(ctx context.Context, r *http.Request) (Result, error) {
	result := Result{Strategy: StrategyStatic}

	cached, ok, err := e.store.Match(e.partitions.Static, r)
	if err != nil {
		e.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not read static partition")
	}
	if ok {
		result.Response = cached
		result.Status.Hit()
		e.metrics.fetch(StrategyStatic, sourceCache)
		return result, nil
	}

	result.Status.Forward(cachestatus.FwdUriMiss)
	fetched, err := e.fetch(ctx, r)
	if err != nil {
		if isDocument(r) {
			e.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Serving offline page")
			result.Response = fallback.OfflineResponse(e.appName)
			result.Status.Detail = cachestatus.DetailOfflinePage
			e.metrics.fetch(StrategyStatic, sourceFallback)
			return result, nil
		}
		result.Status.Detail = cachestatus.DetailNetworkError
		return result, err
	}

	result.Response = fetched
	result.Status.FwdStatus = fetched.StatusCode
	// error pages are returned but never become part of the shell
	if fetched.OK() {
		result.Status.Stored = e.storeDuplicate(e.partitions.Static, r, fetched, &result.Status)
	}
	e.metrics.fetch(StrategyStatic, sourceNetwork)
	return result, nil
}

// Dynamic goes to the network first. Successful responses are stored in
// the dynamic partition. When the network is unreachable, any partition
// may answer.
func (e *Executor) Dynamic(ctx context.Context, r *http.Request) (Result, error) {
	result := Result{Strategy: StrategyDynamic}
	result.Status.Forward(cachestatus.FwdRequest)

	fetched, err := e.fetch(ctx, r)
	if err != nil {
		cached, partition, ok, matchErr := e.store.MatchAny(r)
		if matchErr != nil {
			e.log.Warn().Err(matchErr).Str("url", r.URL.String()).Msg("Could not read partitions")
		}
		if ok {
			e.log.Debug().Str("url", r.URL.String()).Str("partition", partition).Msg("Network failed, serving cached response")
			result.Response = cached
			result.Status.Hit()
			result.Status.Detail = cachestatus.DetailCacheFallback
			e.metrics.fetch(StrategyDynamic, sourceCache)
			return result, nil
		}
		result.Status.Forward(cachestatus.FwdUriMiss)
		result.Status.Detail = cachestatus.DetailNetworkError
		return result, err
	}

	result.Response = fetched
	result.Status.FwdStatus = fetched.StatusCode
	if fetched.OK() {
		result.Status.Stored = e.storeDuplicate(e.partitions.Dynamic, r, fetched, &result.Status)
	}
	e.metrics.fetch(StrategyDynamic, sourceNetwork)
	return result, nil
}

// Image answers from any partition, then from the network, and finally
// with a placeholder drawn from the file name. It always has a response.
func (e *Executor) Image(ctx context.Context, r *http.Request) Result {
	result := Result{Strategy: StrategyImage}

	cached, _, ok, err := e.store.MatchAny(r)
	if err != nil {
		e.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not read partitions")
	}
	if ok {
		result.Response = cached
		result.Status.Hit()
		e.metrics.fetch(StrategyImage, sourceCache)
		return result
	}

	result.Status.Forward(cachestatus.FwdUriMiss)
	fetched, err := e.fetch(ctx, r)
	if err == nil && fetched.OK() {
		result.Response = fetched
		result.Status.FwdStatus = fetched.StatusCode
		result.Status.Stored = e.storeDuplicate(e.partitions.Dynamic, r, fetched, &result.Status)
		e.metrics.fetch(StrategyImage, sourceNetwork)
		return result
	}

	if err != nil {
		e.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Image unreachable, serving placeholder")
	} else {
		result.Status.FwdStatus = fetched.StatusCode
		e.log.Debug().Int("status", fetched.StatusCode).Str("url", r.URL.String()).Msg("Image not available, serving placeholder")
	}
	result.Response = fallback.PlaceholderResponse(requestURL(r))
	result.Status.Detail = cachestatus.DetailPlaceholder
	e.metrics.fetch(StrategyImage, sourceFallback)
	return result
}

// fetch gets the request from the network and buffers the response,
// with the response rules applied.
func (e *Executor) fetch(ctx context.Context, r *http.Request) (*serializer.Captured, error) {
	ctx, span := e.tracer.Start(ctx, "network.fetch")
	defer span.End()

	res, err := e.network.Fetch(ctx, r)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if res.Request == nil {
		res.Request = r
	}
	e.rules.Apply(res)
	span.SetAttributes(attribute.Int("http.status_code", res.StatusCode))

	captured, err := serializer.Capture(res)
	if err != nil {
		return nil, &FetchError{URL: r.URL.String(), Err: err}
	}
	return captured, nil
}

// storeDuplicate puts an independent copy of the response into the
// partition. The original stays readable for the caller.
// Failures are logged and reported in the cache status only.
func (e *Executor) storeDuplicate(partition string, r *http.Request, res *serializer.Captured, cs *cachestatus.CacheStatus) bool {
	dup, err := res.Tee()
	if err == nil {
		err = e.store.Put(partition, r, dup)
	}
	if err != nil {
		e.log.Error().Err(err).Str("partition", partition).Str("url", r.URL.String()).Msg("Could not write to cache")
		e.metrics.storeError(partition)
		cs.Detail = cachestatus.DetailStoreFailed
		return false
	}
	return true
}
