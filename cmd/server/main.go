// Warden coordinates AI-assisted triage of security cases through a fixed
// pipeline of ingestion, triage, investigation, containment and review.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/caseapi"
	"github.com/linnemanlabs/warden/internal/casesource"
	wc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/ingest"
	"github.com/linnemanlabs/warden/internal/llm/claude"
	"github.com/linnemanlabs/warden/internal/notify"
	"github.com/linnemanlabs/warden/internal/notify/slack"
	"github.com/linnemanlabs/warden/internal/pipeline"
	"github.com/linnemanlabs/warden/internal/pipeline/memstore"
	"github.com/linnemanlabs/warden/internal/pipeline/pgstore"
	"github.com/linnemanlabs/warden/internal/pipeline/sqlitestore"
	"github.com/linnemanlabs/warden/internal/postgres"
	"github.com/linnemanlabs/warden/internal/registry"
	"github.com/linnemanlabs/warden/internal/scheduler"
	"github.com/linnemanlabs/warden/internal/stages"
	"github.com/linnemanlabs/warden/internal/supervisor"
)

const appName = "warden"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    wc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix WARDEN_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "WARDEN_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// stage overrides are read before anything starts so a bad file fails fast
	var stageOverrides map[pipeline.Stage]pipeline.StageConfig
	if appCfg.StageConfigFile != "" {
		var err error
		stageOverrides, err = pipeline.LoadStageFile(appCfg.StageConfigFile)
		if err != nil {
			return fmt.Errorf("stage config: %w", err)
		}
	}
	configs, err := pipeline.NewConfigTable(stageOverrides)
	if err != nil {
		return fmt.Errorf("stage config: %w", err)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	storeKind, storePath := appCfg.Store()
	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
		"store", storeKind,
		"workers", appCfg.Workers,
		"ingest_concurrency", appCfg.IngestConcurrency,
		"stage_config_file", appCfg.StageConfigFile,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// Tag spans with pyroscope profile ids so traces link to profiles
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"origin", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, origin, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(origin, route, outcome).Observe(dur.Seconds())
		},
	))

	// Initialize the persistence layer
	var store pipeline.Store
	switch storeKind {
	case wc.StorePostgres:
		pool, err := postgres.NewPool(ctx, storePath, postgres.PoolOptions{SlowQuery: 500 * time.Millisecond})
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres store")
	case wc.StoreSQLite:
		sqStore, err := sqlitestore.Open(storePath)
		if err != nil {
			return fmt.Errorf("sqlite store: %w", err)
		}
		defer func() { _ = sqStore.Close() }()
		store = sqStore
		L.Info(ctx, "using sqlite store", "path", storePath)
	default:
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	// Engine metrics on the shared Prometheus registry.
	pipelineMetrics := pipeline.NewMetrics(m.Registry())
	hooks := pipelineMetrics.Hooks()

	reg := registry.New()
	stats := pipeline.NewStats()
	thresholds := pipeline.NewThresholds(appCfg.ExecutionTimeThreshold, appCfg.SuccessRateThreshold, appCfg.ErrorThreshold)

	// Initialize Claude. Without a key every case takes the conservative path
	// to a human and stuck workflows get the built-in diagnosis.
	var (
		analyzer stages.Analyzer
		advisor  pipeline.Advisor
	)
	if appCfg.ClaudeAPIKey != "" {
		claudeClient := claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel, claude.BreakerConfig{}, L)
		analyzer = claudeClient
		advisor = claudeClient
		L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)
	} else {
		L.Warn(ctx, "no claude api key configured, cases will be routed to humans")
	}

	// Initialize the case source client
	var (
		source     stages.CaseSource
		caseClient *casesource.Client
	)
	if appCfg.CaseSourceURL != "" {
		caseClient, err = casesource.New(casesource.Options{
			BaseURL:           appCfg.CaseSourceURL,
			Token:             appCfg.CaseSourceToken,
			RequestsPerSecond: appCfg.CaseSourceRPS,
		})
		if err != nil {
			return fmt.Errorf("case source: %w", err)
		}
		source = caseClient
		L.Info(ctx, "case source enabled", "url", appCfg.CaseSourceURL)
	}

	// Bounded fan-out shared by every collection
	limiter := ingest.NewLimiter(appCfg.IngestConcurrency)
	limiter.OnChange(func(n int) { pipelineMetrics.IngestInFlight.Set(float64(n)) })
	collector := ingest.NewCollector(limiter, L)
	collector.PageSize = appCfg.IngestPageSize
	collector.PageDelay = appCfg.IngestPageDelay

	// Stage agents register their capabilities and come under supervision
	agents := stages.New(stages.Deps{
		Registry:  reg,
		Store:     store,
		Source:    source,
		Analyzer:  analyzer,
		Collector: collector,
		Logger:    L,
	})
	if err := stages.RegisterAll(reg, agents); err != nil {
		return fmt.Errorf("register stage agents: %w", err)
	}
	sup := supervisor.New(reg, store, L)
	for _, a := range agents {
		sup.Watch(a.ID(), a)
	}
	if n, err := sup.LoadSnapshots(ctx); err != nil {
		L.Error(ctx, err, "failed to load agent snapshots")
	} else if n > 0 {
		L.Info(ctx, "loaded agent snapshots", "count", n)
	}

	coordinator := pipeline.NewCoordinator(reg, configs, stats, store, advisor, L, hooks, pipeline.Options{
		Workers:     appCfg.Workers,
		QueueSize:   appCfg.QueueSize,
		BackoffBase: appCfg.BackoffBase,
		MaxBackoff:  appCfg.MaxBackoff,
		Thresholds:  thresholds,
	})
	if n, err := coordinator.Reconcile(ctx); err != nil {
		L.Error(ctx, err, "failed to reconcile persisted workflows")
	} else if n > 0 {
		L.Info(ctx, "reconciled persisted workflows", "count", n)
	}

	reaper := pipeline.NewReaper(coordinator.Workflows(), store, advisor, reg, appCfg.StuckCeiling, L, hooks)
	for _, o := range pipeline.StuckCeilingOverruns(configs, appCfg.BackoffBase, appCfg.MaxBackoff, appCfg.MaxRetriesCeiling, appCfg.StuckCeiling) {
		L.Warn(ctx, "stage retry budget reaches the stuck ceiling, the reaper may evict workflows that are still retrying",
			"stage", o.Stage,
			"budget", o.Budget.String(),
			"after_optimizer_growth", o.Grown,
			"stuck_ceiling", appCfg.StuckCeiling.String(),
		)
	}
	optimizer := pipeline.NewOptimizer(stats, configs, thresholds, store, reg, L, hooks)
	optimizer.MaxRetriesCeiling = appCfg.MaxRetriesCeiling
	optimizer.Advisor = advisor

	// Notifications: slack when configured, otherwise the log
	var sink notify.Sink = notify.LogSink{Logger: L}
	slackNotifier := slack.New(slack.Options{
		WebhookURL: appCfg.SlackWebhookURL,
		Token:      appCfg.SlackToken,
		Channel:    appCfg.SlackChannel,
	}, L)
	if slackNotifier.Enabled() {
		sink = slackNotifier
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	dispatcher := notify.NewDispatcher(reg, sink, nil, L)
	dispatcher.OnFailure = func(string) { pipelineMetrics.NotificationsFailed.Inc() }

	// Background work outlives the signal context so in-flight workflows can
	// finish during drain; it is cancelled in the shutdown sequence.
	bgCtx, bgCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer bgCancel()

	// subscribed before the coordinator can publish
	dispatcherDone := dispatcher.Start(bgCtx)

	coordinatorDone := make(chan struct{})
	go func() {
		defer close(coordinatorDone)
		if err := coordinator.Run(postgres.WithJob(bgCtx, "coordinator")); err != nil && !errors.Is(err, context.Canceled) {
			L.Error(bgCtx, err, "coordinator stopped")
		}
	}()

	sched := scheduler.New(L)
	jobs := []struct {
		name     string
		interval time.Duration
		fn       scheduler.Job
	}{
		{"reap", appCfg.ReapInterval, func(ctx context.Context) error { reaper.Sweep(ctx); return nil }},
		{"optimize", appCfg.OptimizeInterval, func(ctx context.Context) error { optimizer.Optimize(ctx); return nil }},
		{"health", appCfg.HealthInterval, func(ctx context.Context) error { sup.CheckHealth(ctx); return nil }},
		{"backup", appCfg.BackupInterval, func(ctx context.Context) error { sup.Backup(ctx); return nil }},
	}
	if caseClient != nil && appCfg.PollInterval > 0 {
		poller := casesource.NewPoller(caseClient, func(ctx context.Context, caseID string, data map[string]any) (string, error) {
			wf, err := coordinator.Enqueue(ctx, caseID, data)
			if err != nil {
				return "", err
			}
			return wf.ID, nil
		}, casesource.MaxPageSize, casesource.DefaultLookback, L)
		jobs = append(jobs, struct {
			name     string
			interval time.Duration
			fn       scheduler.Job
		}{"poll", appCfg.PollInterval, func(ctx context.Context) error {
			_, err := poller.Poll(ctx)
			return err
		}})
	}
	for _, j := range jobs {
		// label DB queries issued by the job for the query histogram
		job := func(ctx context.Context) error { return j.fn(postgres.WithJob(ctx, j.name)) }
		if err := sched.Every(j.name, j.interval, job); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	sched.Start(bgCtx)

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling, and
	// collect per-request DB totals so slow or failing requests can be logged with them.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			rctx := postgres.NewReqDBStatsContext(postgres.WithHTTPMethod(req.Context(), req.Method))
			next.ServeHTTP(w, req.WithContext(rctx))
			if st, ok := postgres.ReqDBStatsFromContext(rctx); ok {
				if n, total, errs := st.Snapshot(); errs > 0 || total > 250*time.Millisecond {
					L.Warn(rctx, "request db totals", "db_queries", n, "db_time", total.String(), "db_errors", errs)
				}
			}
		})
	})

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 256)) // cases can carry a full alert payload

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes
	caseapiHTTP := caseapi.New(L, caseapi.Deps{
		Coordinator: coordinator,
		Configs:     configs,
		Reporter:    optimizer,
		Agents:      sup,
		Token:       appCfg.APIToken,
	})
	caseapiHTTP.RegisterRoutes(r)

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	caseapiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start caseapi HTTP server with middleware and handlers
	caseapiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, caseapiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start caseapi http listener")
		return err
	}
	defer func() {
		err := caseapiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop caseapi http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"caseapi http server", caseapiHTTPStop},
		{"scheduler", sched.Stop},
		{"coordinator", func(ctx context.Context) error {
			// cancelling stops intake; workers finish their current attempt
			bgCancel()
			return waitDone(ctx, coordinatorDone, dispatcherDone)
		}},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	delivered, failed := dispatcher.Counts()
	L.Info(context.Background(), "notification totals", "delivered", delivered, "failed", failed)

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// waitDone blocks until every channel is closed or ctx ends.
func waitDone(ctx context.Context, chs ...<-chan struct{}) error {
	for _, ch := range chs {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
