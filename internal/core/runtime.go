package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cwatcher/backend/internal/collector"
	"github.com/cwatcher/backend/internal/config"
	"github.com/cwatcher/backend/internal/database"
	"github.com/cwatcher/backend/internal/events"
	"github.com/cwatcher/backend/internal/logging"
	"github.com/cwatcher/backend/internal/models"
	"github.com/cwatcher/backend/internal/monitoring"
	"github.com/cwatcher/backend/internal/probe"
	"github.com/cwatcher/backend/internal/sshx"
	"github.com/cwatcher/backend/internal/sshx/pool"
	"github.com/cwatcher/backend/internal/status"
	"github.com/cwatcher/backend/internal/store"
	"github.com/cwatcher/backend/internal/vault"
	"github.com/cwatcher/backend/internal/ws"
)

// ErrStorageUnavailable means the configured database or sink could not be
// reached during startup. The process maps it to its own exit code.
var ErrStorageUnavailable = errors.New("core: storage unavailable")

// startupTimeout bounds the schema checks and registry load at boot.
const startupTimeout = 15 * time.Second

// Deps are the replaceable edges of the runtime. Zero values select the
// production implementation built from config; tests inject fakes.
type Deps struct {
	Log     zerolog.Logger
	Clock   clockwork.Clock
	Repo    database.ServerRepository
	Runner  probe.Runner
	Sink    store.Sink
	PromReg *prometheus.Registry
}

// Runtime owns every pipeline component and their start and stop order.
type Runtime struct {
	cfg      *config.Config
	log      zerolog.Logger
	clock    clockwork.Clock
	vault    *vault.Vault
	repo     database.ServerRepository
	registry *Registry
	bus      *events.Bus
	metrics  *monitoring.Metrics
	promReg  *prometheus.Registry
	dialer   *sshx.Dialer
	pool     *pool.Manager
	exec     *probe.Executor
	store    *store.Store
	eval     *status.Evaluator
	sched    *collector.Scheduler
	hub      *ws.Hub
	watcher  *monitoring.SelfWatcher

	stopOnce sync.Once
}

// New assembles the pipeline: vault, repository, SSH pool, executor, sample
// store, evaluator, scheduler, and fabric. Nothing starts collecting until
// Start. A missing master key fails here with vault.ErrMasterKeyMissing; an
// unreachable database or sink fails wrapping ErrStorageUnavailable.
func New(cfg *config.Config, deps Deps) (*Runtime, error) {
	if cfg.MasterKey == "" {
		return nil, fmt.Errorf("credential vault: %w", vault.ErrMasterKeyMissing)
	}

	log := deps.Log
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	promReg := deps.PromReg
	if promReg == nil {
		promReg = prometheus.NewRegistry()
	}

	rt := &Runtime{
		cfg:      cfg,
		log:      log,
		clock:    clock,
		vault:    vault.New(cfg.MasterKey),
		registry: NewRegistry(),
		bus:      events.NewBus(),
		metrics:  monitoring.NewMetrics(promReg),
		promReg:  promReg,
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	repo := deps.Repo
	if repo == nil {
		var err error
		repo, err = buildRepo(ctx, cfg, logging.Component(log, "database"))
		if err != nil {
			return nil, err
		}
	}
	rt.repo = repo

	runner := deps.Runner
	if runner == nil {
		hostKeys, err := sshx.NewHostKeys(cfg.KnownHostsPath, cfg.AllowTOFU, logging.Component(log, "sshx"))
		if err != nil {
			return nil, fmt.Errorf("host keys: %w", err)
		}
		breakers := sshx.NewBreakerSet(clock, nil)
		rt.dialer = sshx.NewDialer(rt.vault, hostKeys, breakers, rt.metrics, cfg.SSHConnectTimeout(), logging.Component(log, "sshx"))
		dial := func(ctx context.Context, srv *models.Server) (pool.Transport, error) {
			client, err := rt.dialer.Dial(ctx, srv)
			if err != nil {
				return nil, err
			}
			return pool.NewSSHTransport(client), nil
		}
		rt.pool = pool.NewManager(dial, pool.Options{
			MaxSessions: cfg.SSHMaxPerServer,
			IdleTTL:     cfg.SSHIdleTTL(),
		}, rt.metrics, logging.Component(log, "pool"))
		runner = rt.pool
	}

	rt.exec = probe.NewExecutor(runner, rt.metrics, func(k probe.Key) time.Duration {
		return cfg.CommandTimeout(string(k))
	}, logging.Component(log, "probe"))

	sink := deps.Sink
	if sink == nil {
		var err error
		sink, err = buildSink(ctx, cfg, logging.Component(log, "store"))
		if err != nil {
			return nil, err
		}
	}
	rt.store = store.New(sink, store.Options{
		Capacity:   cfg.SampleRingCapacity,
		FlushBatch: cfg.SinkBatchSize,
		FlushEvery: cfg.SinkFlushInterval(),
		Retention:  time.Duration(cfg.RetentionDays) * 24 * time.Hour,
	}, rt.bus, rt.metrics, clock, logging.Component(log, "store"))

	policy := cfg.ThresholdDefaults
	if cfg.OfflineDebounce > 0 {
		policy.OfflineDebounce = cfg.OfflineDebounce
	}
	rt.eval = status.New(policy, rt.bus, rt.metrics, logging.Component(log, "status"))

	rt.sched = collector.New(rt.exec, rt.eval, rt.store, rt.bus, collector.Options{
		Period:           cfg.CollectionPeriod(),
		AutoDisableAfter: cfg.AutoDisableFailures,
		SpreadStart:      true,
	}, rt.metrics, clock, logging.Component(log, "collector"))

	rt.hub = ws.New(ws.Options{
		SendQueue:         cfg.WSSendQueue,
		MaxConnections:    cfg.WSMaxConnections,
		MaxPerIP:          cfg.WSMaxPerIP,
		MaxMessageBytes:   int64(cfg.WSMaxMessageBytes),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		HeartbeatMisses:   cfg.HeartbeatTimeoutMisses,
		CompressMinBytes:  cfg.WSCompressMinBytes,
		BatchWindow:       cfg.WSBatchWindow(),
		HandshakePerIP:    rate.Limit(cfg.WSHandshakePerIPPerS),
	}, rt.bus, rt.store, rt.eval, rt.sched, rt.metrics, clock, logging.Component(log, "ws"))

	rt.watcher = monitoring.NewSelfWatcher(rt.metrics, logging.Component(log, "monitoring"))
	return rt, nil
}

func buildRepo(ctx context.Context, cfg *config.Config, log zerolog.Logger) (database.ServerRepository, error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("no database_url configured; server records live in memory only")
		return database.NewMemoryRepo(), nil
	}
	repo, err := database.NewPostgresRepo(cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return repo, nil
}

func buildSink(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Sink, error) {
	switch cfg.Sink {
	case config.SinkPostgres:
		sink, err := store.NewPostgresSink(cfg.DatabaseURL, log)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if err := sink.EnsureSchema(ctx); err != nil {
			sink.Close()
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return sink, nil
	case config.SinkRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("%w: redis url: %v", ErrStorageUnavailable, err)
		}
		sink := store.NewRedisSink(redis.NewClient(opts), log)
		if err := sink.Ping(ctx); err != nil {
			sink.Close()
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return sink, nil
	default:
		return nil, nil
	}
}

// Start loads the registry from the repository and brings the pipeline up:
// store flusher, fabric, self-watcher, then one collection loop per enabled
// server.
func (rt *Runtime) Start(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	records, err := rt.repo.Load(loadCtx)
	if err != nil {
		return fmt.Errorf("%w: load servers: %v", ErrStorageUnavailable, err)
	}
	rt.registry.Replace(records)

	rt.store.Start()
	rt.hub.Start()
	rt.watcher.Start()

	for _, srv := range records {
		if srv.Thresholds != nil {
			rt.eval.SetOverride(srv.ID, *srv.Thresholds)
		}
		rt.sched.Add(srv)
	}

	rt.log.Info().
		Int("servers", len(records)).
		Str("sink", rt.cfg.Sink).
		Dur("period", rt.cfg.CollectionPeriod()).
		Msg("pipeline started")
	return nil
}

// Shutdown stops the pipeline in dependency order: collection loops first
// so nothing new is produced, then the fabric with its SHUTDOWN broadcast,
// then the SSH pool, and last the store so the final flush sees everything.
// Idempotent.
func (rt *Runtime) Shutdown() {
	rt.stopOnce.Do(func() {
		rt.sched.Close()
		rt.hub.Close()
		if rt.pool != nil {
			rt.pool.Close()
		}
		rt.store.Close()
		rt.watcher.Stop()
		rt.bus.Close()
		if err := rt.repo.Close(); err != nil {
			rt.log.Warn().Err(err).Msg("repository close failed")
		}
		rt.log.Info().Msg("pipeline stopped")
	})
}

// Hub exposes the fabric for the HTTP layer's /ws route.
func (rt *Runtime) Hub() *ws.Hub { return rt.hub }

// PromRegistry exposes the metrics registry for the /metrics handler.
func (rt *Runtime) PromRegistry() *prometheus.Registry { return rt.promReg }
