package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"turnstile/internal/csrf"
	gqlgateway "turnstile/internal/gateway/graphql"
	wsgateway "turnstile/internal/gateway/websocket"
	"turnstile/internal/platform/config"
	"turnstile/internal/platform/database"
	"turnstile/internal/platform/health"
	"turnstile/internal/platform/kafka/producer"
	redisclient "turnstile/internal/platform/redis"
	"turnstile/internal/platform/tracer"
	"turnstile/internal/ratelimit/admin"
	"turnstile/internal/ratelimit/classifier"
	rlconfig "turnstile/internal/ratelimit/config"
	"turnstile/internal/ratelimit/engine"
	"turnstile/internal/ratelimit/handler"
	"turnstile/internal/ratelimit/limiter"
	"turnstile/internal/ratelimit/metrics"
	"turnstile/internal/ratelimit/middleware"
	"turnstile/internal/ratelimit/observability"
	"turnstile/internal/ratelimit/ports"
	"turnstile/internal/ratelimit/resolver"
	"turnstile/internal/ratelimit/store/counter"
	"turnstile/internal/ratelimit/store/eventlog"
	"turnstile/internal/ratelimit/store/ippolicy"
	"turnstile/internal/ratelimit/workers/cleanup"
	"turnstile/pkg/platform/circuit"
	adminmw "turnstile/pkg/platform/middleware/admin"
	request "turnstile/pkg/platform/middleware/request"
)

// app holds every long-lived dependency built at startup.
type app struct {
	registry   *prometheus.Registry
	reqMetrics *request.Metrics
	redis      *redisclient.Client
	db         *database.Pool
	kafka      *producer.Producer

	health    *health.Handler
	rateLimit *middleware.Middleware
	csrf      *csrf.Middleware
	admin     *handler.Handler
	websocket *wsgateway.Gateway
	graphql   *gqlgateway.Plugin
	cleanup   *cleanup.Service
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{
		registry: prometheus.NewRegistry(),
		health:   health.New(cfg.Environment),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)
	a.reqMetrics = request.NewMetrics(a.registry)

	rlcfg, err := rlconfig.Load(cfg.RateLimit.PolicyFile)
	if err != nil {
		return nil, err
	}
	policies, err := rlcfg.PolicySet()
	if err != nil {
		return nil, fmt.Errorf("rate limit policies: %w", err)
	}

	if err := a.connect(ctx, cfg, log); err != nil {
		a.close(log)
		return nil, err
	}

	counters, sweeper := a.counterStore(cfg, log, m)
	lim, err := limiter.New(counters)
	if err != nil {
		a.close(log)
		return nil, err
	}

	ipStore, err := ippolicy.New(a.policyBackend(),
		ippolicy.WithCacheTTL(cfg.RateLimit.PolicyCacheTTL),
		ippolicy.WithLogger(log),
	)
	if err != nil {
		a.close(log)
		return nil, err
	}

	events, audit := a.eventLog(cfg, log)

	escalatorOpts := []classifier.EscalatorOption{
		classifier.WithEscalatorLogger(log),
		classifier.WithEscalatorMetrics(m),
		classifier.WithAuditPublisher(audit),
	}
	if cfg.RateLimit.AutoBlock {
		escalatorOpts = append(escalatorOpts, classifier.WithAutoBlock(cfg.RateLimit.AutoBlockTTL))
	}
	cls, err := classifier.New(events, rlcfg.Classifier,
		classifier.WithEscalator(classifier.NewPolicyEscalator(ipStore, escalatorOpts...)),
		classifier.WithMetrics(m),
		classifier.WithLogger(log),
	)
	if err != nil {
		a.close(log)
		return nil, err
	}

	httpResolver := resolver.HTTP{}
	wsResolver := resolver.NewWebSocket(rlcfg.WebSocket.MessageUnitBytes)
	gqlResolver := resolver.NewGraphQL(resolver.GraphQLConfig{
		MaxComplexity:   rlcfg.GraphQL.MaxComplexity,
		FieldWeights:    rlcfg.GraphQL.FieldWeights,
		ExpensiveFields: rlcfg.GraphQL.ExpensiveFields,
	})

	eng, err := engine.New(lim, policies, ipStore, events,
		engine.WithClassifier(cls),
		engine.WithMetrics(m),
		engine.WithTracer(tracer.NewOTel()),
		engine.WithLogger(log),
		engine.WithCheckTimeout(cfg.RateLimit.CheckTimeout),
		engine.WithResolvers(httpResolver, wsResolver, gqlResolver),
	)
	if err != nil {
		a.close(log)
		return nil, err
	}

	bypass := adminmw.NewOperatorBypass(cfg.Admin.BypassIP, cfg.Admin.APIKeyHash)
	a.rateLimit = middleware.New(eng, log, middleware.WithOperatorBypass(bypass))
	a.websocket = wsgateway.New(eng, wsResolver,
		wsgateway.WithLogger(log),
		wsgateway.WithMaxMessageBytes(rlcfg.WebSocket.MaxMessageBytes),
	)
	a.graphql = gqlgateway.New(eng, gqlResolver, gqlgateway.WithLogger(log))

	csrfService, err := csrf.New(cfg.CSRF.Secret, csrf.WithTTL(cfg.CSRF.TTL))
	if err != nil {
		a.close(log)
		return nil, err
	}
	a.csrf = csrf.NewMiddleware(csrfService, csrf.MiddlewareConfig{
		CookieName:   cfg.CSRF.CookieName,
		HeaderName:   cfg.CSRF.HeaderName,
		SecureCookie: cfg.CSRF.SecureCookie,
	}, log, m)

	adminService, err := admin.New(ipStore, events, policies,
		admin.WithLogger(log),
		admin.WithAuditPublisher(audit),
		admin.WithMetrics(m),
	)
	if err != nil {
		a.close(log)
		return nil, err
	}
	a.admin = handler.New(adminService, log)

	cleanupOpts := []cleanup.Option{
		cleanup.WithLogger(log),
		cleanup.WithInterval(cfg.EventLog.CleanupInterval),
		cleanup.WithRetention(cfg.EventLog.Retention),
		cleanup.WithMetrics(m),
	}
	if sweeper != nil {
		cleanupOpts = append(cleanupOpts, cleanup.WithCounterSweeper(sweeper))
	}
	a.cleanup, err = cleanup.New(events, ipStore, cleanupOpts...)
	if err != nil {
		a.close(log)
		return nil, err
	}

	return a, nil
}

// connect opens the optional backing services and registers their health checks.
func (a *app) connect(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var err error
	a.redis, err = redisclient.New(ctx, cfg.Redis, redisclient.NewPoolMetrics(a.registry))
	if err != nil {
		return err
	}
	if a.redis != nil {
		a.health.RegisterCheck("redis", a.redis.Health)
	} else {
		log.Warn("REDIS_URL not set, using in-process stores; limits are not shared across instances")
	}

	a.db, err = database.New(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if a.db != nil {
		a.health.RegisterCheck("postgres", a.db.Health)
	}

	if cfg.Kafka.Brokers != "" {
		a.kafka, err = producer.New(cfg.Kafka, log)
		if err != nil {
			return err
		}
		a.health.RegisterCheck("kafka", a.kafka.Health)
	}
	return nil
}

// counterStore returns the shared Redis store behind a circuit breaker, or an
// in-process store plus the sweeper the cleanup worker must run for it.
func (a *app) counterStore(cfg *config.Config, log *slog.Logger, m *metrics.Metrics) (ports.CounterStore, cleanup.CounterSweeper) {
	if a.redis == nil {
		mem := counter.NewInMemoryStore()
		return mem, mem
	}
	breaker := circuit.New("redis-counters",
		circuit.WithFailureThreshold(cfg.RateLimit.BreakerThreshold),
		circuit.WithCooldown(cfg.RateLimit.BreakerCooldown),
	)
	return counter.NewGuardedStore(counter.NewRedisStore(a.redis.Client), breaker,
		counter.WithGuardLogger(log),
		counter.WithBreakerObserver(m),
	), nil
}

// policyBackend prefers Postgres for durability, then Redis, then memory.
func (a *app) policyBackend() ports.IPPolicyBackend {
	switch {
	case a.db != nil:
		return ippolicy.NewPostgresBackend(a.db.DB())
	case a.redis != nil:
		return ippolicy.NewRedisBackend(a.redis.Client)
	default:
		return ippolicy.NewInMemoryBackend()
	}
}

// eventLog builds the event log and, when Kafka is configured, fans events
// and audit records out to it.
func (a *app) eventLog(cfg *config.Config, log *slog.Logger) (ports.EventLog, observability.AuditPublisher) {
	var events ports.EventLog
	if a.redis != nil {
		events = eventlog.NewRedisStore(a.redis.Client, cfg.EventLog.Retention, cfg.EventLog.MaxEvents)
	} else {
		events = eventlog.NewInMemoryStore(cfg.EventLog.MaxEvents)
	}
	if a.kafka == nil {
		return events, nil
	}
	events = eventlog.NewFanoutLog(events, eventlog.NewKafkaPublisher(a.kafka, cfg.Kafka.EventsTopic), log)
	return events, observability.NewKafkaAuditPublisher(a.kafka, cfg.Kafka.AuditTopic)
}

func (a *app) close(log *slog.Logger) {
	if a.kafka != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.kafka.Close(ctx); err != nil {
			log.Warn("kafka close failed", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Warn("database close failed", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn("redis close failed", "error", err)
		}
	}
}
