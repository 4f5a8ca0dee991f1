package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	contractx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/contract"
	credentialx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/credential"
	gatewayx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/gateway"
	healthx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/health"
	integrationx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/integration"
	llmx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/llm"
	orchestratorx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/orchestrator"
	reasonerx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/reasoner"
	runlockx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/runlock"
	storagex "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/agent/storage"
	configx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/pkg/config"
	_ "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/pkg/logger/autoload"
	openrouterx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/pkg/openrouter"
	qstashx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/pkg/qstash"
	serverx "github.com/tanpawarit/Leadflow-Autonomous-Sales-Pipeline/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence.
	storageCfg := configx.MustNew[storagex.Config]("POSTGRES")
	db, err := storagex.Connect(ctx, *storageCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer db.Close()

	stores, err := storagex.BuildStores(db, *storageCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build stores")
	}
	defer stores.Close()

	// Run lock: Upstash Redis when configured, process-local otherwise.
	var locker runlockx.Locker
	if redisCfg, err := configx.New[runlockx.RedisConfig]("UPSTASH_REDIS"); err == nil {
		redisLocker, lerr := runlockx.NewRedisLocker(*redisCfg)
		if lerr != nil {
			log.Fatal().Err(lerr).Msg("create redis locker")
		}
		locker = redisLocker
	} else {
		log.Warn().Msg("upstash redis not configured, using in-process run lock")
		locker = runlockx.NewMemoryLocker()
	}

	// Notifications.
	var publisher contractx.Publisher
	if qstashCfg, err := configx.New[qstashx.Config]("QSTASH"); err == nil {
		publisher = qstashx.MustNew(*qstashCfg)
	} else {
		log.Warn().Msg("qstash not configured, escalations stay local")
	}

	// Credentials and integrations.
	var creds contractx.CredentialProvider
	if oauthCfg, err := configx.New[credentialx.Config]("OAUTH"); err == nil {
		provider, perr := credentialx.NewOAuthProvider(*oauthCfg)
		if perr != nil {
			log.Fatal().Err(perr).Msg("create credential provider")
		}
		creds = provider
	} else {
		log.Warn().Msg("oauth not configured, using static credentials")
		creds = credentialx.Static{Token: os.Getenv("INTEGRATION_API_KEY")}
	}

	llmCfg := configx.MustNew[llmx.Config]("OPENROUTER")
	integrations, err := buildIntegrations(*llmCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build integrations")
	}

	gatewayCfg := configx.MustNew[gatewayx.Config]("GATEWAY")
	gateway, err := gatewayx.New(*gatewayCfg, creds, stores.Invocations, integrations...)
	if err != nil {
		log.Fatal().Err(err).Msg("create gateway")
	}

	// Health monitor shares the gateway so probes repair circuit state.
	healthCfg := configx.MustNew[healthx.Config]("HEALTH")
	monitor := healthx.NewMonitor(*healthCfg, gateway, publisher)

	// Reasoning.
	registry, err := reasonerx.NewRegistry(ctx, *llmCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create reasoner registry")
	}

	// Core.
	orchCfg := configx.MustNew[orchestratorx.Config]("ORCHESTRATOR")
	opts := []orchestratorx.Option{orchestratorx.WithHealthChecker(monitor)}
	if publisher != nil {
		opts = append(opts, orchestratorx.WithPublisher(publisher))
	}
	orchestrator, err := orchestratorx.New(*orchCfg, stores.Leads, stores.Memory, stores.Handoffs, registry, gateway, locker, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("create orchestrator")
	}

	// Outward surface.
	serverCfg := configx.MustNew[serverx.Config]("SERVER")
	handlers := serverx.NewHandlers(orchestrator, stores.Leads, monitor, stores.Invocations)
	httpServer := serverx.New(*serverCfg, handlers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := monitor.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info().Str("addr", serverCfg.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverCfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("pipeline terminated")
	}
	log.Info().Msg("pipeline stopped")
}

// buildIntegrations wires every external service the agents may call. The
// llm probe integration reuses the OpenRouter credentials.
func buildIntegrations(llmCfg llmx.Config) ([]contractx.Integration, error) {
	var out []contractx.Integration

	restBuilders := []struct {
		prefix string
		build  func(integrationx.RESTConfig) (*integrationx.REST, error)
	}{
		{"CRM", integrationx.NewCRM},
		{"CALENDAR", integrationx.NewCalendar},
		{"EMAIL", integrationx.NewEmail},
		{"SOCIAL", integrationx.NewSocial},
	}
	for _, b := range restBuilders {
		cfg, err := configx.New[integrationx.RESTConfig](b.prefix)
		if err != nil {
			log.Warn().Str("integration", b.prefix).Msg("integration not configured, skipping")
			continue
		}
		integ, err := b.build(*cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, integ)
	}

	if client := openrouterx.NewClient(llmCfg.OpenRouterFor("")); client != nil {
		llmInteg, err := integrationx.NewLLM(client)
		if err != nil {
			return nil, err
		}
		out = append(out, llmInteg)
	}
	return out, nil
}
