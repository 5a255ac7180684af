// Package engine runs the synchronization loop: discovering datasets,
// working the queue source by source and escalating sources that keep
// failing.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"qharbor/sync-agent/api"
	"qharbor/sync-agent/config"
	"qharbor/sync-agent/db"
	"qharbor/sync-agent/detect"
	"qharbor/sync-agent/record"
	"qharbor/sync-agent/source"
)

// State represents the engine state.
type State int32

const (
	StateStopped State = iota
	StateIdle
	StateSyncing
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// sourceUpdate is a detector finding tagged with its source.
type sourceUpdate struct {
	sourceID int64
	update   detect.Update
}

// Engine coordinates detection, queueing and synchronization.
type Engine struct {
	cfg      *config.Config
	database *db.Database
	client   *api.Client
	registry *source.Registry
	metrics  *Metrics
	logger   zerolog.Logger

	state atomic.Int32

	// OnStateChange is called when the engine state changes.
	OnStateChange func(State)
	// OnSourceChange is called when a source's status changes.
	OnSourceChange func(sourceID int64, status db.SourceStatus)

	updates   chan sourceUpdate
	detectors map[int64]func() // stop funcs keyed by source id
	detectMu  sync.Mutex

	// cacheDir holds the live-dataset markers.
	cacheDir string

	cron *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates an engine.
func New(cfg *config.Config, database *db.Database, client *api.Client, registry *source.Registry, logger zerolog.Logger) *Engine {
	cacheDir, _ := config.GetCacheDir()
	return &Engine{
		cfg:       cfg,
		database:  database,
		client:    client,
		registry:  registry,
		metrics:   NewMetrics(prometheus.DefaultRegisterer),
		logger:    logger.With().Str("component", "engine").Logger(),
		updates:   make(chan sourceUpdate, 1000),
		detectors: make(map[int64]func()),
		cacheDir:  cacheDir,
	}
}

// State returns the current engine state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	old := State(e.state.Swap(int32(s)))
	if old != s && e.OnStateChange != nil {
		e.OnStateChange(s)
	}
}

// Start launches the sync loop, the detectors and the maintenance jobs.
func (e *Engine) Start(ctx context.Context) error {
	if e.State() != StateStopped {
		return fmt.Errorf("engine already started")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.group, e.ctx = errgroup.WithContext(e.ctx)
	e.setState(StateIdle)

	if err := e.startDetectors(); err != nil {
		e.logger.Warn().Err(err).Msg("failed to start some detectors")
	}

	e.cron = cron.New()
	e.cron.AddFunc("@every 5m", e.refreshStatistics)
	e.cron.AddFunc("@daily", func() {
		if err := e.database.PruneSourceErrors(30 * 24 * time.Hour); err != nil {
			e.logger.Warn().Err(err).Msg("failed to prune source errors")
		}
	})
	e.cron.Start()

	e.group.Go(func() error {
		e.syncLoop()
		return nil
	})

	e.logger.Info().Msg("sync engine started")
	return nil
}

// Stop shuts the engine down and waits for the loop to finish.
func (e *Engine) Stop() {
	if e.State() == StateStopped {
		return
	}
	e.cancel()
	if e.cron != nil {
		e.cron.Stop()
	}
	e.stopDetectors()
	e.group.Wait()
	e.setState(StateStopped)
	e.logger.Info().Msg("sync engine stopped")
}

// Pause disables synchronization process-wide. Detectors keep running so
// the queue stays current.
func (e *Engine) Pause() error {
	if err := e.database.SetSyncing(false); err != nil {
		return err
	}
	e.setState(StatePaused)
	return nil
}

// Resume re-enables synchronization.
func (e *Engine) Resume() error {
	if err := e.database.SetSyncing(true); err != nil {
		return err
	}
	e.setState(StateIdle)
	return nil
}

// syncLoop is the outer iteration loop. The process-wide switch is polled
// between iterations; each enabled iteration gets a fresh iteration number
// and visits every active source.
func (e *Engine) syncLoop() {
	lastScan := time.Time{}

	for {
		if e.ctx.Err() != nil {
			return
		}

		status, err := e.database.Status()
		if err != nil {
			e.logger.Error().Err(err).Msg("failed to read agent status")
			e.sleep(time.Duration(e.cfg.StatusCheckSecs) * time.Second)
			continue
		}
		if !status.Syncing {
			e.setState(StatePaused)
			e.sleep(time.Duration(e.cfg.StatusCheckSecs) * time.Second)
			continue
		}

		e.drainUpdates()

		if time.Since(lastScan) > time.Duration(e.cfg.SourceScanSecs)*time.Second {
			e.discoverAll()
			lastScan = time.Now()
		}

		iteration, err := e.database.NextIteration()
		if err != nil {
			e.logger.Error().Err(err).Msg("failed to advance iteration counter")
			e.sleep(time.Duration(e.cfg.IdleDelaySecs) * time.Second)
			continue
		}
		e.metrics.Iterations.Inc()

		didWork := e.runIteration(iteration)

		if !didWork {
			e.setState(StateIdle)
			e.sleep(time.Duration(e.cfg.IdleDelaySecs) * time.Second)
		}
	}
}

// runIteration visits every non-paused source once. Returns true when any
// dataset was processed.
func (e *Engine) runIteration(iteration int64) bool {
	sources, err := e.database.ListSources()
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list sources")
		return false
	}

	didWork := false
	for i := range sources {
		src := &sources[i]
		if src.Status == db.StatusPaused {
			continue
		}
		if e.ctx.Err() != nil {
			return didWork
		}

		worked, err := e.processSource(src, iteration)
		didWork = didWork || worked
		if err == nil {
			continue
		}

		e.metrics.SourceErrors.WithLabelValues(src.Name).Inc()
		e.logger.Error().Err(err).Str("source", src.Name).Int64("iteration", iteration).Msg("source iteration failed")
		if dbErr := e.database.AddSourceError(src.ID, iteration, err.Error(), src.Name, ""); dbErr != nil {
			e.logger.Error().Err(dbErr).Msg("failed to record source error")
		}
		e.escalate(src)

		if api.IsConnectionError(err) {
			e.metrics.ConnectionDown.Set(1)
			e.sleep(time.Duration(e.cfg.ConnectionRetrySecs) * time.Second)
		}
	}
	if didWork {
		e.metrics.ConnectionDown.Set(0)
	}
	return didWork
}

// escalate flips a source to error once its recent failures cover enough
// strictly consecutive iterations. A success in between resets the chain.
func (e *Engine) escalate(src *db.Source) {
	count, err := e.database.ConsecutiveErrorCount(src.ID, e.cfg.MaxConsecutiveErrors)
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to count consecutive errors")
		return
	}
	if count < e.cfg.MaxConsecutiveErrors {
		return
	}
	e.logger.Warn().Str("source", src.Name).Int("consecutive_errors", count).Msg("source entering error state")
	e.setSourceStatus(src.ID, db.StatusError)
}

// processSource works the queue of one source until it runs dry or a
// connection-class error aborts the iteration.
func (e *Engine) processSource(src *db.Source, iteration int64) (bool, error) {
	backend, ok := e.registry.Get(src.Type)
	if !ok {
		return false, fmt.Errorf("unknown source type %q", src.Type)
	}
	cfg := json.RawMessage(src.ConfigData)

	didWork := false
	offset := 0
	for {
		if e.ctx.Err() != nil {
			return didWork, nil
		}

		item, err := e.database.NextDue(src.ID, offset)
		if err != nil {
			return didWork, fmt.Errorf("failed to read queue: %w", err)
		}
		if item == nil {
			if offset == 0 && src.Status != db.StatusSynchronized {
				e.setSourceStatus(src.ID, db.StatusSynchronized)
			}
			return didWork, nil
		}

		if src.Status != db.StatusSynchronizing {
			e.setSourceStatus(src.ID, db.StatusSynchronizing)
			src.Status = db.StatusSynchronizing
		}
		e.setState(StateSyncing)
		didWork = true

		if item.ScopeID == uuid.Nil {
			item.ScopeID = src.DefaultScope
			if err := e.database.SetItemScope(item.ID, src.DefaultScope); err != nil {
				return didWork, fmt.Errorf("failed to set item scope: %w", err)
			}
		}

		last, err := e.database.LastItem(src.ID)
		if err != nil {
			return didWork, fmt.Errorf("failed to read last item: %w", err)
		}
		maxPriority := last != nil && last.ID == item.ID

		live, err := backend.CheckLiveDataset(e.ctx, cfg, item, maxPriority)
		if err != nil {
			if api.IsConnectionError(err) {
				return didWork, err
			}
			e.logger.Warn().Err(err).Str("dataset", item.DataIdentifier).Msg("live check failed, treating as final")
			live = false
		}

		if live && e.liveAlreadyTried(item) {
			// The still-live dataset was already pushed once; step past it.
			// The offset grows per skipped item so a run of live datasets
			// cannot pin the loop on one queue position.
			offset++
			continue
		}
		offset = 0

		err = e.syncItem(backend, cfg, src, item, live)
		if err == nil && live {
			// A live push is followed by a normal pass so the item
			// completes in one visit instead of lingering unsynchronized.
			e.markLiveTried(item)
			err = e.syncItem(backend, cfg, src, item, false)
		}
		if err != nil {
			if api.IsConnectionError(err) {
				return didWork, err
			}
			e.metrics.ItemsFailed.WithLabelValues(src.Name).Inc()
			if dbErr := e.database.MarkFailed(item.ID, err.Error(), ""); dbErr != nil {
				return didWork, fmt.Errorf("failed to mark item failed: %w", dbErr)
			}
			continue
		}

		e.metrics.ItemsSynced.WithLabelValues(src.Name).Inc()
		e.clearLiveMarker(item)
		if err := e.database.MarkSynchronized(item.ID); err != nil {
			return didWork, fmt.Errorf("failed to mark item synchronized: %w", err)
		}
	}
}

// syncItem runs one dataset synchronization and persists its run record.
func (e *Engine) syncItem(backend source.Backend, cfg json.RawMessage, src *db.Source, item *db.SyncItem, live bool) error {
	start := time.Now()
	rec := record.New()

	err := backend.SyncDataset(e.ctx, cfg, item, rec, live)

	if serialized, serr := rec.Serialize(); serr == nil {
		if dbErr := e.database.SetItemManifest(item.ID, serialized); dbErr != nil {
			e.logger.Warn().Err(dbErr).Msg("failed to store run record")
		}
	}
	e.metrics.SyncDuration.Observe(time.Since(start).Seconds())

	logEvent := e.logger.Info()
	if err != nil {
		logEvent = e.logger.Warn().Err(err)
	}
	logEvent.Str("source", src.Name).
		Str("dataset", item.DataIdentifier).
		Bool("live", live).
		Dur("took", time.Since(start)).
		Msg("dataset sync finished")
	return err
}

// liveMarkerPath is the marker left after a live dataset was pushed, so the
// loop does not spin on a dataset that stays live.
func (e *Engine) liveMarkerPath(item *db.SyncItem) string {
	if e.cacheDir == "" {
		return ""
	}
	return filepath.Join(e.cacheDir, "live-"+item.DatasetID.String())
}

func (e *Engine) liveAlreadyTried(item *db.SyncItem) bool {
	path := e.liveMarkerPath(item)
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func (e *Engine) markLiveTried(item *db.SyncItem) {
	path := e.liveMarkerPath(item)
	if path == "" {
		return
	}
	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0600); err != nil {
		e.logger.Warn().Err(err).Msg("failed to write live marker")
	}
}

func (e *Engine) clearLiveMarker(item *db.SyncItem) {
	if path := e.liveMarkerPath(item); path != "" {
		os.Remove(path)
	}
}

// drainUpdates enqueues everything the detectors found since the last pass.
func (e *Engine) drainUpdates() {
	pending := make(map[int64][]db.NewItem)
	for {
		select {
		case u := <-e.updates:
			pending[u.sourceID] = append(pending[u.sourceID], db.NewItem{
				DataIdentifier: u.update.Identifier,
				Priority:       u.update.Priority,
			})
		default:
			for sourceID, items := range pending {
				if err := e.enqueue(sourceID, items); err != nil {
					e.logger.Error().Err(err).Int64("source_id", sourceID).Msg("failed to enqueue detected datasets")
				}
			}
			return
		}
	}
}

// discoverAll runs every source's scan-based discovery.
func (e *Engine) discoverAll() {
	sources, err := e.database.ListSources()
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list sources")
		return
	}

	for i := range sources {
		src := &sources[i]
		if src.Status == db.StatusPaused {
			continue
		}
		backend, ok := e.registry.Get(src.Type)
		if !ok {
			continue
		}
		known, err := e.database.ReadManifest(src.ID)
		if err != nil {
			e.logger.Error().Err(err).Str("source", src.Name).Msg("failed to read known datasets")
			continue
		}
		items, err := backend.Discover(e.ctx, json.RawMessage(src.ConfigData), known)
		if err != nil {
			e.logger.Warn().Err(err).Str("source", src.Name).Msg("discovery failed")
			continue
		}
		if len(items) == 0 {
			continue
		}
		if err := e.enqueue(src.ID, items); err != nil {
			e.logger.Error().Err(err).Str("source", src.Name).Msg("failed to enqueue discovered datasets")
		}
	}
}

// enqueue inserts detected items with the source's default scope.
func (e *Engine) enqueue(sourceID int64, items []db.NewItem) error {
	src, err := e.database.GetSource(sourceID)
	if err != nil {
		return err
	}
	for i := range items {
		items[i].ScopeID = src.DefaultScope
	}
	if err := e.database.EnqueueItems(sourceID, items); err != nil {
		return err
	}
	e.metrics.ItemsDetected.WithLabelValues(src.Name).Add(float64(len(items)))
	e.logger.Debug().Str("source", src.Name).Int("count", len(items)).Msg("datasets enqueued")
	return nil
}

// startDetectors launches a watcher or poller per file-tree source.
func (e *Engine) startDetectors() error {
	sources, err := e.database.ListSources()
	if err != nil {
		return err
	}
	for i := range sources {
		if err := e.startDetector(&sources[i]); err != nil {
			e.logger.Warn().Err(err).Str("source", sources[i].Name).Msg("detector not started")
		}
	}
	return nil
}

func (e *Engine) startDetector(src *db.Source) error {
	backend, ok := e.registry.Get(src.Type)
	if !ok {
		return fmt.Errorf("unknown source type %q", src.Type)
	}
	cfg := json.RawMessage(src.ConfigData)
	root, err := backend.RootPath(cfg)
	if err != nil || root == "" {
		return err
	}

	known, err := e.database.ReadManifest(src.ID)
	if err != nil {
		return err
	}
	reg := detect.NewRegistry(known)

	updates := make(chan detect.Update, 100)
	sourceID := src.ID
	e.group.Go(func() error {
		for {
			select {
			case <-e.ctx.Done():
				return nil
			case u := <-updates:
				select {
				case e.updates <- sourceUpdate{sourceID: sourceID, update: u}:
				case <-e.ctx.Done():
					return nil
				}
			}
		}
	})

	var cfgData struct {
		NetworkDrive bool `json:"network_drive"`
	}
	json.Unmarshal(cfg, &cfgData)

	e.detectMu.Lock()
	defer e.detectMu.Unlock()

	if cfgData.NetworkDrive {
		poller := detect.NewPoller(root, reg, e.logger)
		pollCtx, stop := context.WithCancel(e.ctx)
		e.group.Go(func() error {
			poller.Run(pollCtx, updates)
			return nil
		})
		e.detectors[src.ID] = stop
		return nil
	}

	watcher, err := detect.NewWatcher(root, reg, updates, e.logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	e.detectors[src.ID] = func() { watcher.Stop() }
	return nil
}

func (e *Engine) stopDetectors() {
	e.detectMu.Lock()
	defer e.detectMu.Unlock()
	for _, stop := range e.detectors {
		stop()
	}
	e.detectors = make(map[int64]func())
}

// RestartDetector rebuilds the detector of a source after its config
// changed.
func (e *Engine) RestartDetector(sourceID int64) error {
	e.detectMu.Lock()
	if stop, ok := e.detectors[sourceID]; ok {
		stop()
		delete(e.detectors, sourceID)
	}
	e.detectMu.Unlock()

	src, err := e.database.GetSource(sourceID)
	if err != nil {
		return err
	}
	return e.startDetector(src)
}

func (e *Engine) refreshStatistics() {
	sources, err := e.database.ListSources()
	if err != nil {
		return
	}
	for i := range sources {
		src := &sources[i]
		if err := e.database.RefreshSourceStatistics(src.ID); err != nil {
			e.logger.Warn().Err(err).Str("source", src.Name).Msg("failed to refresh statistics")
			continue
		}
		if updated, err := e.database.GetSource(src.ID); err == nil {
			e.metrics.QueueDepth.WithLabelValues(src.Name).
				Set(float64(updated.ItemsTotal - updated.ItemsSynchronized))
		}
	}
}

func (e *Engine) setSourceStatus(sourceID int64, status db.SourceStatus) {
	if err := e.database.SetSourceStatus(sourceID, status); err != nil {
		e.logger.Error().Err(err).Int64("source_id", sourceID).Msg("failed to update source status")
		return
	}
	if e.OnSourceChange != nil {
		e.OnSourceChange(sourceID, status)
	}
}

func (e *Engine) sleep(d time.Duration) {
	select {
	case <-e.ctx.Done():
	case <-time.After(d):
	}
}
