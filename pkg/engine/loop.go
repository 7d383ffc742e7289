package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubeharvest/cubeharvest/pkg/telemetry"
)

// Options configures a Loop.
type Options struct {
	// Tuning is the initial game tuning. Zero fields are filled from DefaultTuning.
	Tuning Tuning

	// StartingCredits is the initial balance.
	StartingCredits int64

	// LedgerHistory bounds the ledger entries kept in snapshots.
	LedgerHistory int

	// Writer issues pod create and delete calls. Required.
	Writer PodWriter

	// Renderer builds pod manifests. Required.
	Renderer PodRenderer

	// Policy admits deploys. Optional.
	Policy AdmissionPolicy

	// Logger, Metrics, Tracer and Events default to no-op implementations.
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// TickSource and UpkeepSource replace the internal tickers when set.
	TickSource   <-chan time.Time
	UpkeepSource <-chan time.Time

	// InboxSize is the capacity of the message channel.
	InboxSize int

	// MaxBatch bounds how many queued messages are applied before one recompute.
	MaxBatch int

	// VerifyInvariants checks the world model after every applied message and
	// records the first violation, see Violation.
	VerifyInvariants bool
}

// message is anything delivered to the loop's inbox.
type message interface{}

type eventMsg struct {
	ev ClusterEvent
}

type intentMsg struct {
	intent Intent
	reply  chan intentReply
}

type intentReply struct {
	ack Ack
	err error
}

type tuningMsg struct {
	tuning Tuning
	reply  chan error
}

type applyResult struct {
	unitID string
	err    error
}

type deleteResult struct {
	unitID string
	err    error
}

// appliedMark is the last sequence number and revision applied for one resource.
type appliedMark struct {
	seq uint64
	rev uint64
}

// Loop is the reconciliation loop: the single writer of the World.
// Everything that mutates game state arrives through its inbox and is applied
// on the goroutine running Run.
type Loop struct {
	opts    Options
	world   *World
	econ    *Economy
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	events  *telemetry.EventPublisher
	now     func() time.Time

	inbox   chan message
	done    chan struct{}
	running atomic.Bool
	snap    atomic.Pointer[Snapshot]
	version uint64

	applied map[string]appliedMark
	replies []func()

	// watchDown follows the observer's availability events. unreachableUntil
	// is set when a cluster call gave up on retries and holds degraded mode
	// until it passes or the streams report available again.
	watchDown        bool
	unreachableUntil time.Time

	ticker  *time.Ticker
	upkeep  *time.Ticker
	runCtx  context.Context

	violationMu sync.Mutex
	violation   error
}

// NewLoop creates a loop. The returned loop serves an initial snapshot before Run is called.
func NewLoop(opts Options) (*Loop, error) {
	if opts.Writer == nil {
		return nil, NewValidationError("pod writer is required", nil)
	}
	if opts.Renderer == nil {
		return nil, NewValidationError("pod renderer is required", nil)
	}
	opts.Tuning = withDefaults(opts.Tuning)
	if err := opts.Tuning.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNopTracer()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 1024
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 256
	}

	l := &Loop{
		opts:    opts,
		world:   NewWorld(opts.StartingCredits, opts.LedgerHistory),
		econ:    NewEconomy(opts.Tuning),
		log:     opts.Logger.NewComponentLogger("loop"),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		events:  opts.Events,
		now:     opts.Clock,
		inbox:   make(chan message, opts.InboxSize),
		done:    make(chan struct{}),
		applied: make(map[string]appliedMark),
		runCtx:  context.Background(),
	}
	l.publish()
	return l, nil
}

// withDefaults fills zero durations and cadences from DefaultTuning.
func withDefaults(t Tuning) Tuning {
	d := DefaultTuning()
	if t.Tick <= 0 {
		t.Tick = d.Tick
	}
	if t.UpkeepInterval <= 0 {
		t.UpkeepInterval = d.UpkeepInterval
	}
	if t.DeployTimeout <= 0 {
		t.DeployTimeout = d.DeployTimeout
	}
	if t.GoneRetention <= 0 {
		t.GoneRetention = d.GoneRetention
	}
	return t
}

// Snapshot returns the latest published snapshot. It never blocks.
func (l *Loop) Snapshot() *Snapshot {
	return l.snap.Load()
}

// Violation returns the first invariant violation seen with VerifyInvariants set.
func (l *Loop) Violation() error {
	l.violationMu.Lock()
	defer l.violationMu.Unlock()
	return l.violation
}

// Run applies messages until ctx is done. It must be called at most once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return NewValidationError("reconciliation loop already running", nil)
	}
	defer close(l.done)
	l.runCtx = ctx

	tickCh := l.opts.TickSource
	if tickCh == nil {
		l.ticker = time.NewTicker(l.econ.Tuning().Tick)
		defer l.ticker.Stop()
		tickCh = l.ticker.C
	}
	upkeepCh := l.opts.UpkeepSource
	if upkeepCh == nil {
		l.upkeep = time.NewTicker(l.econ.Tuning().UpkeepInterval)
		defer l.upkeep.Stop()
		upkeepCh = l.upkeep.C
	}

	l.log.Infof("reconciliation loop started with %d credits", l.world.Ledger().Balance())

	for {
		select {
		case <-ctx.Done():
			l.log.Info("reconciliation loop stopped")
			return nil

		case m := <-l.inbox:
			batch := []message{m}
		drain:
			for len(batch) < l.opts.MaxBatch {
				select {
				case next := <-l.inbox:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			l.applyBatch(ctx, batch)

		case <-tickCh:
			l.onTick(l.now())
			l.finishStep()

		case <-upkeepCh:
			l.onUpkeep(l.now())
			l.finishStep()
		}
	}
}

// Submit hands an intent to the loop and waits for its acknowledgment.
// Validation and availability failures are returned as errors; the outcome of
// an accepted intent shows up in later snapshots.
func (l *Loop) Submit(ctx context.Context, intent Intent) (Ack, error) {
	reply := make(chan intentReply, 1)
	if err := l.enqueue(ctx, intentMsg{intent: intent, reply: reply}); err != nil {
		return Ack{}, err
	}
	select {
	case r := <-reply:
		return r.ack, r.err
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	case <-l.done:
		return Ack{}, errLoopStopped()
	}
}

// Observe hands a cluster event to the loop. It returns once the event is queued.
func (l *Loop) Observe(ctx context.Context, ev ClusterEvent) error {
	return l.enqueue(ctx, eventMsg{ev: ev})
}

// UpdateTuning replaces the game tuning between batches.
func (l *Loop) UpdateTuning(ctx context.Context, t Tuning) error {
	t = withDefaults(t)
	if err := t.Validate(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := l.enqueue(ctx, tuningMsg{tuning: t, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return errLoopStopped()
	}
}

func (l *Loop) enqueue(ctx context.Context, m message) error {
	select {
	case l.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return errLoopStopped()
	}
}

// post delivers an async call result. It gives up once the loop has stopped.
func (l *Loop) post(m message) {
	select {
	case l.inbox <- m:
	case <-l.done:
	}
}

func errLoopStopped() error {
	return NewUnavailableError("reconciliation loop stopped", nil).WithCode(ErrCodeInternal)
}

// applyBatch applies each message in arrival order, then recomputes links and
// publishes one snapshot for the whole batch.
func (l *Loop) applyBatch(ctx context.Context, batch []message) {
	_, span := l.tracer.StartBatchSpan(ctx, len(batch))
	defer span.End()

	for _, m := range batch {
		l.apply(m)
		l.verify()
	}
	l.metrics.ObserveBatchSize(len(batch))
	l.finishStep()
}

func (l *Loop) apply(m message) {
	now := l.now()
	switch msg := m.(type) {
	case eventMsg:
		l.applyEvent(msg.ev, now)
	case intentMsg:
		ack, err := l.handleIntent(msg.intent, now)
		l.recordIntent(msg.intent, ack, err)
		l.replies = append(l.replies, func() { msg.reply <- intentReply{ack: ack, err: err} })
	case applyResult:
		l.handleApplyResult(msg, now)
	case deleteResult:
		l.handleDeleteResult(msg, now)
	case tuningMsg:
		err := l.applyTuning(msg.tuning)
		l.replies = append(l.replies, func() { msg.reply <- err })
	}
	// A link must disappear in the same step that moves an endpoint out of Running;
	// new links wait for the batch recompute.
	l.world.PruneLinks()
}

// finishStep recomputes links, publishes a snapshot and releases the replies
// held back until that snapshot was visible.
func (l *Loop) finishStep() {
	l.world.SetLinks(l.econ.RecomputeLinks(l.world.runningUnits()))
	l.publish()
	for _, send := range l.replies {
		send()
	}
	l.replies = l.replies[:0]
}

func (l *Loop) publish() {
	l.version++
	snap := l.world.Snapshot(l.version, l.econ, l.now())
	l.snap.Store(snap)

	l.metrics.SetEconomy(snap.Credits, snap.Rate, len(snap.Links))
	l.metrics.SetDegraded(snap.Degraded)
	counts := make(map[[2]string]int)
	for _, u := range snap.Units {
		counts[[2]string{string(u.Kind), string(u.Status)}]++
	}
	l.metrics.ResetUnitCounts()
	for k, n := range counts {
		l.metrics.SetUnitCount(k[0], k[1], n)
	}
}

func (l *Loop) verify() {
	if !l.opts.VerifyInvariants {
		return
	}
	if err := l.world.CheckInvariants(); err != nil {
		l.log.WithError(err).Error("world invariant violated")
		l.violationMu.Lock()
		if l.violation == nil {
			l.violation = err
		}
		l.violationMu.Unlock()
	}
}

// applyEvent folds one cluster event into the world, dropping replays.
func (l *Loop) applyEvent(ev ClusterEvent, now time.Time) {
	if l.isStale(ev) {
		l.log.WithField("seq", ev.Seq).Debugf("dropping stale %s event for %s", ev.Type, ev.Name)
		return
	}
	if key := ev.Key(); key != "" {
		mark := l.applied[key]
		if ev.Seq > mark.seq {
			mark.seq = ev.Seq
		}
		if ev.Revision > mark.rev {
			mark.rev = ev.Revision
		}
		l.applied[key] = mark
	}

	switch ev.Type {
	case EventNodeAdded, EventNodeModified:
		if ev.Node == nil {
			return
		}
		if l.world.UpsertNode(*ev.Node, now) {
			l.log.WithNode(ev.Node.Name).Info("node added")
		}

	case EventNodeRemoved:
		if l.world.RemoveNode(ev.Name) {
			l.log.WithNode(ev.Name).Warn("node removed")
		}

	case EventPodAdded, EventPodModified:
		if ev.Pod == nil {
			return
		}
		l.cleanupLatePod(*ev.Pod)
		for _, t := range l.world.ObservePod(*ev.Pod, now) {
			l.recordTransition(t)
		}

	case EventPodRemoved:
		if t, ok := l.world.ObservePodRemoved(ev.Name, now); ok {
			l.recordTransition(t)
		}

	case EventAvailability:
		l.watchDown = !ev.Available
		if ev.Available {
			l.unreachableUntil = time.Time{}
		}
		l.setDegraded(l.watchDown || !l.unreachableUntil.IsZero())
	}
}

// setDegraded records a change in cluster availability. Leaving degraded mode
// reissues the deletes queued meanwhile.
func (l *Loop) setDegraded(degraded bool) {
	if !l.world.SetDegraded(degraded) {
		return
	}
	if degraded {
		l.log.Warn("cluster unavailable, entering degraded mode")
	} else {
		l.log.Info("cluster available, leaving degraded mode")
		l.retryDeletes()
	}
	_ = l.events.PublishAvailability(!degraded)
}

// markUnreachable enters degraded mode when a cluster call exhausted its
// retries. The streams reporting available, or one deploy timeout passing,
// lifts it again.
func (l *Loop) markUnreachable(err error, now time.Time) {
	if !IsUnavailable(err) {
		return
	}
	l.unreachableUntil = now.Add(l.econ.Tuning().DeployTimeout)
	if !l.world.Degraded() {
		l.log.WithError(err).Warn("cluster call gave up")
	}
	l.setDegraded(true)
}

// isStale reports whether ev is a replay of, or older than, what was already applied
// for the same resource.
func (l *Loop) isStale(ev ClusterEvent) bool {
	key := ev.Key()
	if key == "" {
		return false
	}
	mark, ok := l.applied[key]
	if !ok {
		return false
	}
	if ev.Seq != 0 && ev.Seq <= mark.seq {
		return true
	}
	return ev.Revision != 0 && ev.Revision <= mark.rev
}

func (l *Loop) applyTuning(t Tuning) error {
	old := l.econ.Tuning()
	l.econ = NewEconomy(t)
	if l.ticker != nil && t.Tick != old.Tick {
		l.ticker.Reset(t.Tick)
	}
	if l.upkeep != nil && t.UpkeepInterval != old.UpkeepInterval {
		l.upkeep.Reset(t.UpkeepInterval)
	}
	l.log.Infof("tuning updated: rate=%d miner=%d processor=%d", t.CreditRate, t.MinerCost, t.ProcessorCost)
	return nil
}

// onTick runs deadlines, accrual and tombstone pruning.
func (l *Loop) onTick(now time.Time) {
	if !l.unreachableUntil.IsZero() && !now.Before(l.unreachableUntil) {
		l.unreachableUntil = time.Time{}
		l.setDegraded(l.watchDown)
	}
	l.expireDeadlines(now)
	l.retryDeletes()

	l.world.ticks++
	links := len(l.world.Links())
	if delta := l.econ.Accrue(links, 1); delta > 0 {
		entry := l.world.Ledger().Credit(LedgerAccrual, delta, "", "", now)
		l.recordLedger(entry)
	}

	for _, id := range l.world.PruneGone(now, l.econ.Tuning().GoneRetention) {
		delete(l.applied, "pod/"+id)
	}
	l.verify()
}

func (l *Loop) onUpkeep(now time.Time) {
	cost := l.econ.Upkeep(l.world.LiveCount(""))
	if cost <= 0 || l.world.Ledger().Balance() == 0 {
		return
	}
	l.recordLedger(l.world.Ledger().Drain(cost, "upkeep", now))
	l.verify()
}

func (l *Loop) recordTransition(t Transition) {
	log := l.log.WithUnit(t.UnitID, string(t.Kind))
	if t.To == StatusGone {
		log.WithField("reason", string(t.Reason)).Infof("unit %s -> gone", t.From)
	} else {
		log.Debugf("unit %s -> %s", displayFrom(t.From), t.To)
	}
	l.metrics.RecordTransition(string(t.Kind), string(t.To), string(t.Reason))
	_ = l.events.PublishUnitTransition(t.UnitID, string(t.Kind), string(t.From), string(t.To), string(t.Reason), t.At)
}

func (l *Loop) recordLedger(e LedgerEntry) {
	l.metrics.RecordLedgerEntry(string(e.Kind), e.Amount)
	_ = l.events.PublishLedgerEntry(e.Seq, string(e.Kind), e.Amount, e.Balance, e.UnitID, e.Note, e.At)
}

func (l *Loop) recordIntent(intent Intent, ack Ack, err error) {
	result := string(ack.Status)
	if err != nil {
		result = CodeOf(err)
		if result == "" {
			result = ErrCodeInternal
		}
		l.metrics.RecordError(string(ClassOf(err)), CodeOf(err))
	}
	l.metrics.RecordIntent(string(intent.Type), string(intent.Origin), result)
}

func displayFrom(s UnitStatus) string {
	if s == "" {
		return "new"
	}
	return string(s)
}
