package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"butlerd/internal/adapter/httpapi"
	"butlerd/internal/adapter/mcpclient"
	"butlerd/internal/adapter/mcptool"
	"butlerd/internal/adapter/provider"
	"butlerd/internal/domain"
	"butlerd/internal/infra/config"
	"butlerd/internal/infra/logger"
	"butlerd/internal/infra/tracer"
	"butlerd/internal/repository"
	"butlerd/internal/usecase/approval"
	"butlerd/internal/usecase/butler"
	"butlerd/internal/usecase/classify"
	"butlerd/internal/usecase/delivery"
	"butlerd/internal/usecase/education"
	"butlerd/internal/usecase/eligibility"
	"butlerd/internal/usecase/entity"
	"butlerd/internal/usecase/ingest"
	"butlerd/internal/usecase/notify"
	"butlerd/internal/usecase/route"
	"butlerd/internal/usecase/scheduler"
	"butlerd/internal/usecase/session"
	"butlerd/internal/usecase/triage"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "butlerd.yaml", "path to the butler config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger, cfg.Butler.Name)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer setup: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	pool, err := repository.Connect(ctx, cfg.Database.DSN, cfg.Database.Schema)
	if err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	defer pool.Close()
	if err := repository.EnsureSchema(ctx, pool, cfg.Database.Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	// Shared stores.
	inboxStore := repository.NewInboxStore(pool)
	stateStore := repository.NewStateStore(pool)
	registryStore := repository.NewRegistryStore(pool)
	sessionStore := repository.NewSessionStore(pool)
	taskStore := repository.NewTaskStore(pool)
	routeInbox := repository.NewRouteInboxStore(pool)
	notifStore := repository.NewNotificationStore(pool)

	router := mcpclient.NewRouter(cfg.Peers, log)
	defer router.Close()

	// The agent runtime attaches over MCP stdio; there is no in-process LLM.
	// Sessions spawned before a runtime is wired report spawner-not-ready; the
	// route worker releases those entries back to accepted and retries them on
	// a later drain.
	spawner := session.NewSpawner(nil, sessionStore, log)

	mgr := scheduler.NewManager(taskStore, log)
	loop := scheduler.NewLoop(cfg.Butler.Name,
		taskStore, spawner, time.Duration(cfg.Scheduler.TickIntervalSeconds)*time.Second, log)
	loop.SetReady(spawner.Ready)

	d := butler.NewDaemon(cfg.Butler.Name, log)
	mcpSrv := mcptool.NewServer(cfg.Butler.Name, version, log)

	tools := []domain.Tool{
		mcptool.NewScheduleTool(cfg.Butler.Name, mgr, log),
		mcptool.NewRegistryTool(cfg.Butler.Name, registryStore, log),
		mcptool.NewSessionsRecentTool(cfg.Butler.Name, sessionStore, log),
		mcptool.NewNotificationsRecentTool(cfg.Butler.Name, notifStore, log),
		mcptool.NewStateTool(cfg.Butler.Name, stateStore, log),
		mcptool.NewModuleFlagTool(cfg.Butler.Name, stateStore, log),
	}

	// Approval gate, for butlers that declare gated tools.
	if len(cfg.Approval.GatedTools) > 0 {
		gate := approval.NewGate(
			repository.NewApprovalStore(pool),
			repository.NewContactResolver(pool),
			gatedTools(cfg.Approval.GatedTools),
			log)
		tools = append(tools,
			mcptool.NewApproveActionTool(cfg.Butler.Name, gate, log),
			mcptool.NewRejectActionTool(cfg.Butler.Name, gate, log))
		loop.RegisterJob("approval.expire", func(ctx context.Context, _ json.RawMessage) error {
			_, err := gate.ExpireSweep(ctx)
			return err
		})
		if err := ensureCronTask(ctx, mgr, "system::approval_expire", "*/10 * * * *", "approval.expire"); err != nil {
			return err
		}
	}

	// Education module.
	if hasModule(cfg.Butler.Modules, domain.ModuleEducation) {
		eduStore := repository.NewEducationStore(pool)
		eduSvc := education.NewService(eduStore, mgr, log)
		tools = append(tools, mcptool.NewEducationTool(cfg.Butler.Name, eduSvc, log))
		registerEducationJobs(loop, eduStore, spawner)
	}

	// Route plane: the messenger processes synchronously, everyone else
	// queues into the route inbox and drains it with a worker.
	var routeHandler *route.Handler
	if hasModule(cfg.Butler.Modules, domain.ModuleMessenger) {
		providers, err := buildProviders(cfg.Providers, log)
		if err != nil {
			return err
		}
		engine := delivery.NewEngine(repository.NewDeliveryStore(pool), providers, log)
		proc := notify.NewMessengerProcessor(engine, inboxStore, notifStore, log)
		routeHandler = route.NewSyncHandler(cfg.Butler.Name, cfg.Route.TrustedCallers, proc, log)
	} else {
		routeHandler = route.NewHandler(cfg.Butler.Name, cfg.Route.TrustedCallers, routeInbox, log)
		worker := route.NewWorker(routeInbox, session.NewRouteProcessor(spawner),
			5*time.Second, cfg.StaleBound(), log)
		routeHandler.OnAccept(worker.Wake)
		d.Add("route-worker", func(ctx context.Context) {
			if err := worker.Recover(ctx); err != nil {
				log.Error("route recovery failed", "error", err)
			}
			worker.Run(ctx)
		})
	}
	tools = append(tools, mcptool.NewRouteExecuteTool(cfg.Butler.Name, routeHandler, log))

	// Switchboard surfaces: ingest HTTP, triage/classify dispatch, deliver,
	// entity resolution, eligibility sweep.
	if cfg.Switchboard != nil {
		sb := cfg.Switchboard
		affinity := triage.NewAffinityLookup(
			repository.NewAffinityStore(pool), stateStore,
			[]string{domain.ChannelTelegram, domain.ChannelEmail},
			domain.AffinitySettings{Enabled: true, TTLDays: sb.ThreadAffinityTTLDays},
			log)
		engine := triage.NewEngine(affinity, triageRules(sb.TriageRules), log)
		classifier := classify.NewClassifier(registryStore, nil, log)
		dispatcher := butler.NewDispatcher(inboxStore, engine, classifier, affinity, router, log)

		pipeline, err := ingest.NewPipeline(inboxStore, dispatcher, sourcePairs(sb.AllowedSources), log)
		if err != nil {
			return err
		}
		api := httpapi.NewServer(sb.HTTPListen, pipeline, log)
		d.Add("http", func(ctx context.Context) {
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := api.Shutdown(shutdownCtx); err != nil {
					log.Warn("http shutdown failed", "error", err)
				}
			}()
			if err := api.ListenAndServe(); err != nil {
				log.Error("http server failed", "error", err)
			}
		})

		notifySvc := notify.NewService(registryStore, router, log)
		resolver := entity.NewResolver(repository.NewEntityStore(pool), log)
		tools = append(tools,
			mcptool.NewDeliverTool(cfg.Butler.Name, notifySvc, log),
			mcptool.NewEntityTool(cfg.Butler.Name, resolver, log))

		sweeper := eligibility.NewSweeper(registryStore, log)
		loop.RegisterJob("eligibility.sweep", func(ctx context.Context, _ json.RawMessage) error {
			_, err := sweeper.Sweep(ctx)
			return err
		})
		if err := ensureCronTask(ctx, mgr, "system::eligibility_sweep", "*/5 * * * *", "eligibility.sweep"); err != nil {
			return err
		}
	}

	// Registry presence.
	hb := butler.NewHeartbeat(registryStore, domain.ButlerRegistration{
		Name:               cfg.Butler.Name,
		Modules:            cfg.Butler.Modules,
		EligibilityState:   domain.EligibilityActive,
		LivenessTTLSeconds: cfg.Butler.LivenessTTLSeconds,
	}, log)
	if err := hb.Register(ctx); err != nil {
		return err
	}
	d.Add("heartbeat", hb.Run)
	d.Add("scheduler", loop.Run)

	mcpSrv.RegisterAll(tools)

	daemonDone := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(daemonDone)
	}()

	// The stdio MCP transport serves the attached agent runtime; when the
	// client disconnects the whole process winds down.
	serveErr := make(chan error, 1)
	go func() { serveErr <- mcpSrv.Serve() }()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("mcp server exited", "error", err)
		}
		stop()
	}
	<-daemonDone
	return nil
}

func hasModule(modules []string, name string) bool {
	for _, m := range modules {
		if m == name {
			return true
		}
	}
	return false
}

func gatedTools(confs []config.GatedToolConfig) []domain.GatedTool {
	out := make([]domain.GatedTool, 0, len(confs))
	for _, g := range confs {
		out = append(out, domain.GatedTool{
			Name:           g.Name,
			RiskTier:       g.RiskTier,
			ExpiryHours:    g.ExpiryHours,
			RulePrecedence: g.RulePrecedence,
		})
	}
	return out
}

func triageRules(confs []config.TriageRuleConf) []triage.Rule {
	out := make([]triage.Rule, 0, len(confs))
	for _, r := range confs {
		out = append(out, triage.Rule{
			Priority:     r.Priority,
			SenderDomain: r.SenderDomain,
			Channel:      r.Channel,
			Keyword:      r.Keyword,
			TargetButler: r.TargetButler,
		})
	}
	return out
}

func sourcePairs(confs []config.SourcePair) [][2]string {
	out := make([][2]string, 0, len(confs))
	for _, s := range confs {
		out = append(out, [2]string{s.Channel, s.Provider})
	}
	return out
}

func buildProviders(cfg config.ProvidersConfig, log *slog.Logger) ([]domain.Provider, error) {
	var out []domain.Provider
	if cfg.Telegram != nil {
		out = append(out, provider.NewTelegramProvider(*cfg.Telegram, log))
	}
	if cfg.Email != nil {
		out = append(out, provider.NewEmailProvider(*cfg.Email, log))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("messenger module enabled but no providers configured")
	}
	return out, nil
}

// ensureCronTask seeds a recurring system job task, leaving any existing row
// (and operator edits to it) alone.
func ensureCronTask(ctx context.Context, mgr *scheduler.Manager, name, cronExpr, jobName string) error {
	_, err := mgr.Create(ctx, domain.ScheduledTask{
		Name:         name,
		CronExpr:     cronExpr,
		DispatchMode: domain.DispatchJob,
		JobName:      jobName,
		Enabled:      true,
	})
	if err != nil && domain.ClassOf(err) != domain.ClassDuplicate {
		return fmt.Errorf("seed task %s: %w", name, err)
	}
	return nil
}

// registerEducationJobs binds the one-shot review schedules the education
// module creates to session spawns that quiz the user.
func registerEducationJobs(loop *scheduler.Loop, store domain.EducationStore, spawner *session.Spawner) {
	loop.RegisterJob(scheduler.JobEducationReview, func(ctx context.Context, args json.RawMessage) error {
		var a struct {
			MapID  string `json:"map_id"`
			NodeID string `json:"node_id"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return err
		}
		node, err := store.GetNode(ctx, a.NodeID)
		if err != nil {
			return err
		}
		prompt := fmt.Sprintf(
			"A spaced-repetition review of %q is due. Quiz the user on it and record the result with the education tool (node_id %s).",
			node.Label, a.NodeID)
		_, err = spawner.Spawn(ctx, prompt, domain.ScheduleTrigger("review"))
		return err
	})
	loop.RegisterJob(scheduler.JobEducationBatchReview, func(ctx context.Context, args json.RawMessage) error {
		var a struct {
			MapID string `json:"map_id"`
		}
		if err := json.Unmarshal(args, &a); err != nil {
			return err
		}
		if _, err := store.GetMap(ctx, a.MapID); err != nil {
			return err
		}
		prompt := fmt.Sprintf(
			"A batch review is due for curriculum map %s. Run through every due node and record results with the education tool.",
			a.MapID)
		_, err := spawner.Spawn(ctx, prompt, domain.ScheduleTrigger("review_batch"))
		return err
	})
}
