package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"validator-gateway/internal/absorber"
	"validator-gateway/internal/client"
	"validator-gateway/internal/config"
	"validator-gateway/internal/firewall"
	"validator-gateway/internal/gateway"
	"validator-gateway/internal/handler"
	"validator-gateway/internal/ratelimit"
	"validator-gateway/internal/store"
	"validator-gateway/internal/tlsconf"
	"validator-gateway/internal/util"
)

// Factory manages the lifecycle of all gateway dependencies.
type Factory struct {
	config     *config.Config
	tlsManager *tlsconf.Manager

	redisClient   *client.RedisClient
	kafkaProducer *client.AttackEventProducer
	counterStore  store.CounterStore
	fwController  firewall.Controller

	limiter  *ratelimit.Limiter
	absorber *absorber.Absorber
	gateway  *gateway.Gateway
	ops      *handler.OpsHandler

	bgCancel  context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads config and wires every component. Configuration errors
// are the only fatal condition; degraded collaborators (redis down, no
// firewall privilege) fall back with a warning so the gateway keeps serving.
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tlsconf.NewManager(cfg.Server)
	}

	f.initCounterStore()
	f.initFirewall()
	if err := f.initKafka(); err != nil {
		util.Warn("Kafka producer initialization failed - attack audit stream disabled", util.ErrorField(err))
	}

	f.limiter = ratelimit.NewLimiter(cfg.RateLimit, f.counterStore)

	var publisher absorber.EventPublisher
	if f.kafkaProducer != nil {
		publisher = f.kafkaProducer
	}
	f.absorber, err = absorber.New(cfg.Absorber, f.counterStore, f.fwController, publisher)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize absorber: %w", err)
	}

	f.gateway, err = gateway.New(cfg, f.limiter, f.absorber, f.counterStore)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gateway: %w", err)
	}
	f.ops = handler.NewOpsHandler(f.limiter, f.absorber, util.Get())

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.String("firewall_driver", cfg.Absorber.FirewallDriver),
		util.Int("http_backends", len(cfg.Backends.HTTPEndpoints)),
	)

	return f, nil
}

func (f *Factory) initCounterStore() {
	redisClient, err := client.NewRedisClient(f.config, util.Get())
	if err != nil {
		// Blocks won't survive a restart without the external store; keep
		// serving on the in-memory fallback rather than refusing to start.
		util.Warn("Redis unavailable - falling back to in-memory counter store", util.ErrorField(err))
		f.counterStore = store.NewMemoryStore()
		return
	}
	f.redisClient = redisClient
	f.counterStore = store.NewRedisStore(redisClient)
}

func (f *Factory) initFirewall() {
	if f.config.Absorber.FirewallDriver == "memory" {
		f.fwController = firewall.NewMemoryController()
		return
	}
	controller, err := firewall.NewIptablesController()
	if err != nil {
		util.Warn("iptables unavailable - falling back to in-memory firewall", util.ErrorField(err))
		f.fwController = firewall.NewMemoryController()
		return
	}
	f.fwController = controller
}

func (f *Factory) initKafka() error {
	if !f.config.KafkaEnabled() {
		return nil
	}
	producer, err := client.NewAttackEventProducer(f.config, util.Get())
	if err != nil {
		return err
	}
	f.kafkaProducer = producer
	return nil
}

// Start reconciles persisted blocks and launches the background tasks:
// absorber cycle, limiter sweep and the adaptive load sampler.
func (f *Factory) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	f.bgCancel = cancel

	reconcileCtx, rcancel := context.WithTimeout(ctx, 30*time.Second)
	defer rcancel()
	if err := f.absorber.Reconcile(reconcileCtx); err != nil {
		// Reconciliation failure is degraded, not fatal: new escalations
		// still block, only pre-restart blocks are lost until retry.
		util.Error("block reconciliation failed", util.ErrorField(err))
	}

	go f.absorber.Run(ctx)
	go f.limiter.RunSweeper(ctx)
	go ratelimit.RunLoadSampler(ctx, f.limiter.LoadFactor(),
		f.config.RateLimit.AdaptiveCPUPercent,
		f.config.RateLimit.AdaptiveMemPercent,
		f.config.RateLimit.AdaptiveReduction,
		f.config.Absorber.CycleInterval)

	util.Info("Background tasks started")
	return nil
}

func (f *Factory) Config() *config.Config       { return f.config }
func (f *Factory) TLSManager() *tlsconf.Manager { return f.tlsManager }
func (f *Factory) Gateway() *gateway.Gateway    { return f.gateway }
func (f *Factory) OpsHandler() *handler.OpsHandler {
	return f.ops
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)
	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	return healthErrors
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.bgCancel != nil {
			f.bgCancel()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}
