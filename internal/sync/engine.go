package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/quizapp/offlinesync/internal/config"
	"github.com/quizapp/offlinesync/internal/db"
	apperrors "github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/logging"
	"github.com/quizapp/offlinesync/internal/metrics"
	"github.com/quizapp/offlinesync/internal/models"
	"github.com/quizapp/offlinesync/internal/network"
	"github.com/quizapp/offlinesync/internal/sync/conflict"
	"github.com/quizapp/offlinesync/internal/sync/queue"
)

// Mode selects the engine variant.
type Mode string

const (
	// ModeBaseline dispatches FIFO on a fixed interval.
	ModeBaseline Mode = "baseline"
	// ModeOptimized adds priorities, dependency gating and an adaptive interval.
	ModeOptimized Mode = "optimized"
)

// ParseMode parses "baseline" or "optimized".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeBaseline, ModeOptimized:
		return Mode(s), nil
	case "":
		return ModeOptimized, nil
	}
	return "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown sync engine %q", s))
}

// QueueTable returns the queue table each engine owns.
func QueueTable(mode Mode) string {
	if mode == ModeBaseline {
		return models.QueuedOperation{}.TableName()
	}
	return models.QueuedOperation{}.OptimizedTableName()
}

// Trigger names what started a sync pass.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerPeriodic  Trigger = "periodic"
	TriggerReconnect Trigger = "reconnect"
	TriggerCritical  Trigger = "critical"
	TriggerRetry     Trigger = "retry"
)

// Reasons a pass was skipped.
const (
	ReasonOffline    = "offline"
	ReasonInProgress = "sync already in progress"
)

// Options holds the sync policy.
type Options struct {
	BaseInterval       time.Duration
	MinInterval        time.Duration
	MaxInterval        time.Duration
	MaxRetries         int
	RetryDelays        []time.Duration
	BatchMaxOps        int
	BatchMaxBytes      int
	MaxConcurrency     int
	Retention          time.Duration
	CriticalDebounce   time.Duration
	ReconnectDelay     time.Duration
	PoorReconnectDelay time.Duration
	ConflictStrategy   conflict.ResolutionStrategy
	// PullConflictCheck routes pulled records that have a PENDING local
	// operation through conflict resolution instead of overwriting them.
	PullConflictCheck bool
}

// OptionsFromConfig converts the sync config section.
func OptionsFromConfig(cfg config.SyncConfig) (Options, error) {
	strategy, err := conflict.ParseStrategy(cfg.ConflictStrategy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		BaseInterval:       cfg.BaseInterval,
		MinInterval:        cfg.MinInterval,
		MaxInterval:        cfg.MaxInterval,
		MaxRetries:         cfg.MaxRetries,
		RetryDelays:        cfg.RetryDelays,
		BatchMaxOps:        cfg.BatchMaxOps,
		BatchMaxBytes:      cfg.BatchMaxBytes,
		MaxConcurrency:     cfg.MaxConcurrency,
		Retention:          cfg.Retention,
		CriticalDebounce:   cfg.CriticalDebounce,
		ReconnectDelay:     cfg.ReconnectDelay,
		PoorReconnectDelay: cfg.PoorReconnectDelay,
		ConflictStrategy:   strategy,
		PullConflictCheck:  cfg.PullConflictCheck,
	}, nil
}

// DefaultOptions returns the built-in policy.
func DefaultOptions() Options {
	opts, _ := OptionsFromConfig(config.Default().Sync)
	return opts
}

func (o *Options) fillDefaults() {
	d := DefaultOptions()
	if o.BaseInterval <= 0 {
		o.BaseInterval = d.BaseInterval
	}
	if o.MinInterval <= 0 {
		o.MinInterval = d.MinInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = d.MaxInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if len(o.RetryDelays) == 0 {
		o.RetryDelays = d.RetryDelays
	}
	if o.BatchMaxOps <= 0 {
		o.BatchMaxOps = d.BatchMaxOps
	}
	if o.BatchMaxBytes <= 0 {
		o.BatchMaxBytes = d.BatchMaxBytes
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = d.MaxConcurrency
	}
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	if o.CriticalDebounce <= 0 {
		o.CriticalDebounce = d.CriticalDebounce
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = d.ReconnectDelay
	}
	if o.PoorReconnectDelay <= 0 {
		o.PoorReconnectDelay = d.PoorReconnectDelay
	}
	if o.ConflictStrategy == "" {
		o.ConflictStrategy = d.ConflictStrategy
	}
}

// NetworkMonitor is the connectivity signal the engines gate on.
type NetworkMonitor interface {
	IsOnline() bool
	ConnectionQuality() models.ConnectionQuality
	IsConnectionStable() bool
	AddListener(cb network.Listener) (unsubscribe func())
}

// LastSyncStore persists the last successful sync time in epoch ms.
type LastSyncStore interface {
	LastSync(ctx context.Context) (int64, error)
	SetLastSync(ctx context.Context, ms int64) error
}

// SubmissionStore flags delivered submissions.
type SubmissionStore interface {
	MarkSynced(ctx context.Context, id string) error
	CountUnsynced(ctx context.Context) (int, error)
}

// DraftStore clears answer drafts once their submission is delivered.
type DraftStore interface {
	DeleteForQuiz(ctx context.Context, quizID, userID string) (int64, error)
}

// Deps are the collaborators an engine is built from. Queue, Remote and
// Monitor are required.
type Deps struct {
	Queue       db.OperationQueue
	Submissions SubmissionStore
	Drafts      DraftStore
	Records     db.RecordStore
	Entities    db.EntityStore
	Conflicts   *conflict.Service
	Remote      Remote
	Monitor     NetworkMonitor
	Metrics     *metrics.Collector
	State       LastSyncStore
}

// SyncResult represents the result of a sync pass.
type SyncResult struct {
	Trigger     Trigger       `json:"trigger"`
	Skipped     bool          `json:"skipped"`
	Reason      string        `json:"reason,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`
	Uploaded    int           `json:"uploaded"`
	Retrying    int           `json:"retrying"`
	Failed      int           `json:"failed"`
	AuthExpired int           `json:"authExpired"`
	Gated       int           `json:"gated"`
	Downloaded  int           `json:"downloaded"`
	Conflicts   int           `json:"conflicts"`
	Collected   int64         `json:"collected"`
	PullError   string        `json:"pullError,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// HousekeepingReport summarizes a Housekeep run.
type HousekeepingReport struct {
	Collected        int64             `json:"collected"`
	ExpiredConflicts int               `json:"expiredConflicts"`
	Anomalies        []metrics.Anomaly `json:"anomalies"`
}

// EnqueueOption adjusts an operation before it is persisted.
type EnqueueOption func(*models.QueuedOperation)

// WithPriority overrides the default priority of the entity kind.
func WithPriority(p models.Priority) EnqueueOption {
	return func(op *models.QueuedOperation) { op.Priority = p }
}

// WithDependencies lists operations that must reach SYNCED first.
func WithDependencies(ids ...string) EnqueueOption {
	return func(op *models.QueuedOperation) { op.Dependencies = append(op.Dependencies, ids...) }
}

// WithVersion records the entity version the operation carries.
func WithVersion(v int) EnqueueOption {
	return func(op *models.QueuedOperation) { op.Version = v }
}

// DefaultPriority returns the priority class of an entity kind.
func DefaultPriority(kind models.EntityKind) models.Priority {
	switch kind {
	case models.EntitySubmission:
		return models.PriorityCritical
	case models.EntityUserProfile:
		return models.PriorityHigh
	case models.EntityAnswer:
		return models.PriorityLow
	default:
		return models.PriorityNormal
	}
}

// Engine owns the operation queue lifecycle. The baseline and optimized
// variants share this type and differ by Mode.
type Engine struct {
	mode       Mode
	opts       Options
	deps       Deps
	queue      *queue.Queue
	dispatcher *Dispatcher
	log        *logging.Logger
	now        func() time.Time

	// passMu is held for a whole pass; requests that cannot take it are dropped.
	passMu sync.Mutex

	mu             sync.Mutex
	syncing        bool
	running        bool
	online         bool
	missed         bool
	interval       time.Duration
	lastSync       int64
	lastErr        error
	baseCtx        context.Context
	retryTimer     *time.Timer
	criticalTimer  *time.Timer
	reconnectTimer *time.Timer
	unsubscribe    func()
	handler        SyncEventHandler
	passes         sync.WaitGroup
}

// NewEngine creates the baseline engine.
func NewEngine(deps Deps, opts Options) *Engine {
	return newEngine(ModeBaseline, deps, opts)
}

// NewOptimizedEngine creates the optimized engine.
func NewOptimizedEngine(deps Deps, opts Options) *Engine {
	return newEngine(ModeOptimized, deps, opts)
}

// New creates the engine variant named by mode.
func New(mode Mode, deps Deps, opts Options) *Engine {
	return newEngine(mode, deps, opts)
}

func newEngine(mode Mode, deps Deps, opts Options) *Engine {
	opts.fillDefaults()
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector(metrics.DefaultCapacity)
	}
	e := &Engine{
		mode: mode,
		opts: opts,
		deps: deps,
		queue: queue.New(deps.Queue, queue.Policy{
			MaxRetries:  opts.MaxRetries,
			RetryDelays: opts.RetryDelays,
			Retention:   opts.Retention,
			ByPriority:  mode == ModeOptimized,
		}),
		dispatcher: NewDispatcher(deps.Remote),
		log:        logging.Named("sync-engine").With("engine", string(mode)),
		now:        time.Now,
		interval:   opts.BaseInterval,
	}
	return e
}

// Mode returns the engine variant.
func (e *Engine) Mode() Mode {
	return e.mode
}

// Queue returns the engine's queue for diagnostics.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Metrics returns the collector every attempt is recorded in.
func (e *Engine) Metrics() *metrics.Collector {
	return e.deps.Metrics
}

// Enqueue persists a new PENDING operation. The baseline engine ignores
// dependencies. In the optimized engine a CRITICAL operation enqueued while
// online schedules a debounced pass.
func (e *Engine) Enqueue(ctx context.Context, entity models.EntityKind, entityID string, opType models.OperationType, payload interface{}, opts ...EnqueueOption) (*models.QueuedOperation, error) {
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	op := &models.QueuedOperation{
		Entity:   entity,
		EntityID: entityID,
		Type:     opType,
		Payload:  raw,
		Priority: DefaultPriority(entity),
	}
	for _, opt := range opts {
		opt(op)
	}
	if e.mode == ModeBaseline {
		op.Dependencies = nil
	}

	if err := e.queue.Enqueue(ctx, op); err != nil {
		return nil, err
	}

	if e.mode == ModeOptimized && op.Priority == models.PriorityCritical && e.deps.Monitor.IsOnline() {
		e.scheduleCritical()
	}
	return op, nil
}

// SetEventHandler sets the event handler for sync notifications.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *Engine) emitEvent(ev SyncEvent) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	h.OnSyncEvent(ev)
}

// LastError returns the error of the last pass, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// IsSyncing reports whether a pass is in flight.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

func (e *Engine) setSyncing(v bool) {
	e.mu.Lock()
	e.syncing = v
	e.mu.Unlock()
}

// Start arms timers and subscribes to the network monitor. The monitor
// delivers its current state immediately, so an online start schedules a
// reconnect pass.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.baseCtx = ctx
	e.mu.Unlock()

	unsubscribe := e.deps.Monitor.AddListener(e.onNetwork)

	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	e.scheduleRetry(ctx)
	e.log.Info("sync engine started", map[string]interface{}{
		"interval_s": e.Interval().Seconds(),
	})
}

// Stop disarms timers, unsubscribes, and waits for background passes.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	for _, t := range []*time.Timer{e.retryTimer, e.criticalTimer, e.reconnectTimer} {
		if t != nil {
			t.Stop()
		}
	}
	e.retryTimer, e.criticalTimer, e.reconnectTimer = nil, nil, nil
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	e.passes.Wait()
	e.log.Info("sync engine stopped")
}

// fire runs a timer-triggered pass while the engine is running.
func (e *Engine) fire(trigger Trigger) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	ctx := e.baseCtx
	e.passes.Add(1)
	e.mu.Unlock()
	defer e.passes.Done()

	if _, err := e.Run(ctx, trigger); err != nil {
		e.log.ErrorWithCode("background sync failed", string(apperrors.CodeOf(err)), err,
			map[string]interface{}{"trigger": string(trigger)})
	}
}

// arm replaces *slot with a timer firing trigger after d.
func (e *Engine) arm(slot **time.Timer, d time.Duration, trigger Trigger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	if *slot != nil {
		(*slot).Stop()
	}
	*slot = time.AfterFunc(d, func() { e.fire(trigger) })
}

func (e *Engine) scheduleCritical() {
	e.arm(&e.criticalTimer, e.opts.CriticalDebounce, TriggerCritical)
}

// scheduleRetry arms the single retry timer for the earliest backoff deadline.
func (e *Engine) scheduleRetry(ctx context.Context) {
	d, ok, err := e.queue.NextRetry(ctx)
	if err != nil {
		e.log.Warn("failed to read next retry", map[string]interface{}{"error": err.Error()})
		return
	}
	if !ok {
		e.mu.Lock()
		if e.retryTimer != nil {
			e.retryTimer.Stop()
			e.retryTimer = nil
		}
		e.mu.Unlock()
		return
	}
	e.arm(&e.retryTimer, d, TriggerRetry)
}

// scheduleFollowUp runs after a completed pass. A dropped timer pass or
// newly unblocked dependants cause an immediate pass; otherwise the retry
// timer tracks the next backoff deadline.
func (e *Engine) scheduleFollowUp(ctx context.Context, res *SyncResult) {
	e.mu.Lock()
	missed := e.missed
	e.missed = false
	e.mu.Unlock()

	if missed || (res.Gated > 0 && res.Uploaded > 0) {
		e.arm(&e.retryTimer, 0, TriggerRetry)
		return
	}
	e.scheduleRetry(ctx)
}

// onNetwork tracks the online edge and recomputes the interval.
func (e *Engine) onNetwork(ev models.NetworkEvent) {
	interval := e.computeInterval()
	quality := e.deps.Monitor.ConnectionQuality()

	e.mu.Lock()
	wasOnline := e.online
	e.online = ev.IsOnline
	e.interval = interval
	e.mu.Unlock()

	if ev.IsOnline && !wasOnline {
		delay := e.opts.ReconnectDelay
		if quality == models.QualityPoor {
			delay = e.opts.PoorReconnectDelay
		}
		e.arm(&e.reconnectTimer, delay, TriggerReconnect)
		e.log.Info("network reconnected, sync scheduled", map[string]interface{}{
			"quality":  string(quality),
			"delay_ms": delay.Milliseconds(),
		})
	} else if !ev.IsOnline && wasOnline {
		e.log.Info("network lost, sync paused")
	}

	net := ev
	e.emitEvent(SyncEvent{Type: SyncEventNetwork, Network: &net})
}

// Status returns the read model the UI renders.
func (e *Engine) Status(ctx context.Context) models.SyncStatus {
	e.mu.Lock()
	st := models.SyncStatus{
		IsSyncing:        e.syncing,
		LastSync:         e.lastSync,
		AdaptiveInterval: e.interval.Milliseconds(),
	}
	e.mu.Unlock()

	st.IsOnline = e.deps.Monitor.IsOnline()
	st.NetworkQuality = e.deps.Monitor.ConnectionQuality()
	st.IsNetworkStable = e.deps.Monitor.IsConnectionStable()

	if st.LastSync == 0 && e.deps.State != nil {
		if ms, err := e.deps.State.LastSync(ctx); err == nil {
			st.LastSync = ms
		}
	}
	if stats, err := e.queue.GetStats(ctx); err == nil {
		st.PendingOperations = stats.Pending
		st.FailedOperations = stats.Failed
		st.AuthExpired = stats.AuthExpired
	} else {
		e.log.Warn("failed to read queue stats", map[string]interface{}{"error": err.Error()})
	}
	if e.deps.Submissions != nil {
		if n, err := e.deps.Submissions.CountUnsynced(ctx); err == nil {
			st.Unsynced = n
		}
	}
	if e.deps.Conflicts != nil {
		st.Conflicts = e.deps.Conflicts.PendingCount()
	}
	return st
}

// RetryFailed returns FAILED and AUTH_EXPIRED operations to PENDING and, when
// running and online, schedules a pass.
func (e *Engine) RetryFailed(ctx context.Context) (int64, error) {
	n, err := e.queue.RetryAll(ctx)
	if err != nil || n == 0 {
		return n, err
	}
	if e.deps.Monitor.IsOnline() {
		e.arm(&e.retryTimer, 0, TriggerRetry)
	}
	return n, nil
}

// Housekeep garbage-collects SYNCED operations past retention, expires
// stale conflicts and logs metric anomalies.
func (e *Engine) Housekeep(ctx context.Context) (*HousekeepingReport, error) {
	report := &HousekeepingReport{}
	n, err := e.queue.GarbageCollect(ctx)
	if err != nil {
		return report, err
	}
	report.Collected = n
	if e.deps.Conflicts != nil {
		report.ExpiredConflicts = e.deps.Conflicts.CleanupOldConflicts(ctx)
	}
	report.Anomalies = e.deps.Metrics.DetectAnomalies()
	for _, a := range report.Anomalies {
		e.log.Warn("sync anomaly detected", map[string]interface{}{
			"type":     string(a.Type),
			"severity": string(a.Severity),
			"message":  a.Message,
		})
	}
	return report, nil
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode operation payload", err)
	}
	return b, nil
}
