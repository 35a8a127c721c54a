// Package scheduler reconciles worker associations into running loops.
// The manager discovers tenants from the association table, resolves
// each tenant's runtime configuration, opens its handles, and keeps one
// worker loop alive per eligible tenant-process pair. Singleton
// background jobs run on the elected leader only.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tokenworks/token-processor/pkg/archive"
	"github.com/tokenworks/token-processor/pkg/cache"
	"github.com/tokenworks/token-processor/pkg/datastore"
	"github.com/tokenworks/token-processor/pkg/leaderelection"
	"github.com/tokenworks/token-processor/pkg/scheduler/assoc"
	"github.com/tokenworks/token-processor/pkg/scheduler/claim"
	"github.com/tokenworks/token-processor/pkg/scheduler/command"
	"github.com/tokenworks/token-processor/pkg/scheduler/worker"
	"github.com/tokenworks/token-processor/pkg/strategy"
	"github.com/tokenworks/token-processor/pkg/tenant"
)

type loopKey struct {
	tenantID  int64
	processID int64
}

// Manager owns the scheduling control loop.
type Manager struct {
	log        logrus.FieldLogger
	config     *Config
	resolver   *strategy.Resolver
	associator *assoc.Associator
	commands   *command.Processor
	dispatcher *command.Dispatcher
	processor  worker.RowProcessor
	elector    leaderelection.Elector

	asynqClient *asynq.Client
	asynqServer *asynq.Server
	cron        *gocron.Scheduler

	mu          sync.Mutex
	providers   map[int64]*tenant.Provider
	loops       map[loopKey]*worker.Loop
	reapers     map[int64]*claim.Reaper
	archivers   map[int64]*archive.Archiver
	archiveSink archive.Sink
	started     bool
}

// NewManager wires the scheduler. redisClient carries the command queue
// and may be nil when no command transport is configured; elector may be
// nil for single-instance deployments, in which case this instance runs
// the background jobs unconditionally.
func NewManager(log logrus.FieldLogger, config *Config, adminStore datastore.Store,
	workerState cache.Cache, resolver *strategy.Resolver, processor worker.RowProcessor,
	redisClient *redis.Client, elector leaderelection.Elector,
) *Manager {
	m := &Manager{
		log:        log.WithField("component", "scheduler"),
		config:     config,
		resolver:   resolver,
		associator: assoc.NewAssociator(log, adminStore, config.AssociationsTable),
		commands:   command.NewProcessor(log, workerState),
		processor:  processor,
		elector:    elector,
		providers:  make(map[int64]*tenant.Provider),
		loops:      make(map[loopKey]*worker.Loop),
		reapers:    make(map[int64]*claim.Reaper),
		archivers:  make(map[int64]*archive.Archiver),
	}

	if redisClient != nil {
		opt := redisClient.Options()
		asynqOpt := asynq.RedisClientOpt{
			Addr:     opt.Addr,
			Password: opt.Password,
			DB:       opt.DB,
		}

		m.asynqClient = asynq.NewClient(asynqOpt)
		m.asynqServer = asynq.NewServer(asynqOpt, asynq.Config{
			Concurrency: config.Concurrency,
			Queues:      map[string]int{config.CommandQueue: 1},
			LogLevel:    asynq.InfoLevel,
			Logger:      log,
		})
		m.dispatcher = command.NewDispatcher(log, m.asynqClient, config.CommandQueue)
	}

	return m
}

// Associator exposes the binding surface for the API and CLI.
func (m *Manager) Associator() *assoc.Associator {
	return m.associator
}

// Resolver exposes configuration resolution for the API.
func (m *Manager) Resolver() *strategy.Resolver {
	return m.resolver
}

// Commands exposes the control-command state machine.
func (m *Manager) Commands() *command.Processor {
	return m.commands
}

// Dispatch enqueues a control command, or applies it directly when no
// command transport is configured.
func (m *Manager) Dispatch(ctx context.Context, msg *command.Message) error {
	if m.dispatcher != nil {
		return m.dispatcher.Dispatch(ctx, msg)
	}

	if disposition := m.commands.Handle(ctx, msg); disposition == command.Nack {
		return fmt.Errorf("command %s rejected", msg.Kind)
	}

	return nil
}

// Start begins the reconcile loop, the command consumer and the leader
// election.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()

	if m.started {
		m.mu.Unlock()

		return nil
	}

	m.started = true
	m.mu.Unlock()

	m.log.Info("Starting scheduler")

	if m.elector != nil {
		m.elector.OnLeadershipChange(func(cbCtx context.Context, isLeader bool) {
			if !isLeader {
				go m.stopBackgroundJobs(context.Background())
			}
		})

		if err := m.elector.Start(ctx); err != nil {
			return fmt.Errorf("failed to start leader election: %w", err)
		}
	}

	if m.asynqServer != nil {
		mux := asynq.NewServeMux()
		mux.HandleFunc(command.TaskTypeCommand, command.HandlerFunc(m.commands))

		go func() {
			if err := m.asynqServer.Run(mux); err != nil {
				m.log.WithError(err).Error("Command server exited")
			}
		}()
	}

	if err := m.SyncOnce(ctx); err != nil {
		m.log.WithError(err).Warn("Initial association sync failed")
	}

	m.cron = gocron.NewScheduler(time.Local)

	if _, err := m.cron.Every(m.config.SyncInterval).Do(func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), m.config.SyncInterval)
		defer cancel()

		if err := m.SyncOnce(syncCtx); err != nil {
			m.log.WithError(err).Warn("Association sync failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule association sync: %w", err)
	}

	m.cron.StartAsync()

	return nil
}

// Stop winds everything down: loops finish their in-flight batch, the
// archive buffer flushes, leadership is released.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()

	if !m.started {
		m.mu.Unlock()

		return nil
	}

	m.started = false
	m.mu.Unlock()

	m.log.Info("Stopping scheduler")

	if m.cron != nil {
		m.cron.Stop()
	}

	if m.asynqServer != nil {
		m.asynqServer.Shutdown()
	}

	m.mu.Lock()

	for key, loop := range m.loops {
		if err := loop.Stop(ctx); err != nil {
			m.log.WithError(err).Warn("Failed to stop worker loop")
		}

		delete(m.loops, key)
	}

	m.mu.Unlock()

	m.stopBackgroundJobs(ctx)

	m.mu.Lock()

	for tenantID, provider := range m.providers {
		provider.Close(ctx)
		delete(m.providers, tenantID)
	}

	if m.archiveSink != nil {
		if err := m.archiveSink.Close(); err != nil {
			m.log.WithError(err).Warn("Failed to close archive sink")
		}
	}

	m.mu.Unlock()

	if m.elector != nil {
		if err := m.elector.Stop(ctx); err != nil {
			m.log.WithError(err).Warn("Failed to stop leader election")
		}
	}

	if m.asynqClient != nil {
		if err := m.asynqClient.Close(); err != nil {
			m.log.WithError(err).Warn("Failed to close command client")
		}
	}

	return nil
}

// SyncOnce reconciles running loops against the association table.
func (m *Manager) SyncOnce(ctx context.Context) error {
	tenants, err := m.associator.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover tenants: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	desired := make(map[loopKey]struct{})

	for _, tenantID := range tenants {
		provider, err := m.providerLocked(ctx, tenantID)
		if err != nil {
			m.log.WithError(err).WithField("tenant", tenantID).Warn("Skipping tenant, handles unavailable")

			continue
		}

		processes, err := m.associator.EligibleProcesses(ctx, tenantID)
		if err != nil {
			m.log.WithError(err).WithField("tenant", tenantID).Warn("Skipping tenant, associations unreadable")

			continue
		}

		for _, processID := range processes {
			key := loopKey{tenantID: tenantID, processID: processID}
			desired[key] = struct{}{}

			if _, running := m.loops[key]; running {
				continue
			}

			if err := m.startLoopLocked(ctx, provider, key); err != nil {
				m.log.WithError(err).WithFields(logrus.Fields{
					"tenant":  tenantID,
					"process": processID,
				}).Warn("Failed to start worker loop")
			}
		}

		m.syncBackgroundJobsLocked(ctx, provider)
	}

	// Loops whose association went away stop after their current batch.
	for key, loop := range m.loops {
		if _, keep := desired[key]; keep {
			continue
		}

		if err := loop.Stop(ctx); err != nil {
			m.log.WithError(err).Warn("Failed to stop worker loop")
		}

		delete(m.loops, key)
	}

	// Providers for tenants with no bindings left are closed.
	active := make(map[int64]struct{}, len(tenants))
	for _, tenantID := range tenants {
		active[tenantID] = struct{}{}
	}

	for tenantID, provider := range m.providers {
		if _, keep := active[tenantID]; keep {
			continue
		}

		m.stopTenantJobsLocked(ctx, tenantID)
		provider.Close(ctx)
		delete(m.providers, tenantID)
	}

	return nil
}

// providerLocked returns the tenant's open handles, resolving its
// configuration on first use.
func (m *Manager) providerLocked(ctx context.Context, tenantID int64) (*tenant.Provider, error) {
	if provider, ok := m.providers[tenantID]; ok {
		return provider, nil
	}

	resolved, err := m.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tenant config: %w", err)
	}

	provider, err := tenant.Open(ctx, m.log, resolved)
	if err != nil {
		return nil, err
	}

	m.providers[tenantID] = provider

	return provider, nil
}

func (m *Manager) startLoopLocked(ctx context.Context, provider *tenant.Provider, key loopKey) error {
	// Re-association resets a drained worker.
	if err := m.commands.SetState(ctx, key.tenantID, key.processID, command.StateRunning); err != nil {
		return err
	}

	// Release must undo the claim's status transition, or a released row
	// could never match the claim filter again.
	claimer := claim.NewRowClaimer(m.log, provider.Store, key.tenantID, m.config.Worker.Table,
		datastore.Filter{datastore.Eq("status", "pending")},
		datastore.Row{"status": "processing"},
		datastore.Filter{},
		datastore.Row{"status": "pending"},
	)

	loop := worker.NewLoop(m.log, &m.config.Worker, key.tenantID, key.processID,
		provider.Store, claimer, m.commands, m.processor, provider.Broker)

	if err := loop.Start(ctx); err != nil {
		return err
	}

	m.loops[key] = loop

	return nil
}

// syncBackgroundJobsLocked keeps the reaper and archiver for one tenant
// running on the leader and stopped elsewhere.
func (m *Manager) syncBackgroundJobsLocked(ctx context.Context, provider *tenant.Provider) {
	if !m.isLeader() {
		m.stopTenantJobsLocked(ctx, provider.TenantID)

		return
	}

	if m.config.Reaper.Enabled {
		if _, running := m.reapers[provider.TenantID]; !running {
			reaper := claim.NewReaper(m.log, provider.Store, m.config.Worker.Table,
				datastore.Row{"status": "pending"}, &m.config.Reaper)

			if err := reaper.Start(ctx); err != nil {
				m.log.WithError(err).Warn("Failed to start lock reaper")
			} else {
				m.reapers[provider.TenantID] = reaper
			}
		}
	}

	if m.config.Archive.Enabled {
		if _, running := m.archivers[provider.TenantID]; !running {
			sink, err := m.sinkLocked()
			if err != nil {
				m.log.WithError(err).Warn("Archive sink unavailable")

				return
			}

			archiver := archive.NewArchiver(m.log, &m.config.Archive, provider.Store,
				provider.TenantID, m.config.Worker.Table, sink)

			if err := archiver.Start(ctx); err != nil {
				m.log.WithError(err).Warn("Failed to start archiver")
			} else {
				m.archivers[provider.TenantID] = archiver
			}
		}
	}
}

func (m *Manager) sinkLocked() (archive.Sink, error) {
	if m.archiveSink != nil {
		return m.archiveSink, nil
	}

	sink, err := archive.NewClickHouseSink(m.log, &m.config.Archive)
	if err != nil {
		return nil, err
	}

	m.archiveSink = sink

	return sink, nil
}

func (m *Manager) stopTenantJobsLocked(ctx context.Context, tenantID int64) {
	if reaper, ok := m.reapers[tenantID]; ok {
		if err := reaper.Stop(ctx); err != nil {
			m.log.WithError(err).Warn("Failed to stop lock reaper")
		}

		delete(m.reapers, tenantID)
	}

	if archiver, ok := m.archivers[tenantID]; ok {
		if err := archiver.Stop(ctx); err != nil {
			m.log.WithError(err).Warn("Failed to stop archiver")
		}

		delete(m.archivers, tenantID)
	}
}

func (m *Manager) stopBackgroundJobs(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for tenantID := range m.providers {
		m.stopTenantJobsLocked(ctx, tenantID)
	}
}

func (m *Manager) isLeader() bool {
	if m.elector == nil {
		return true
	}

	return m.elector.IsLeader()
}

// LoopCount reports running worker loops, for health reporting.
func (m *Manager) LoopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.loops)
}
