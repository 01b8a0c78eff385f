// Package poller drives the fetch, diff, notify and persist cycle.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/bilibili-notifier/internal/clock/system"
	"github.com/JakeFAU/bilibili-notifier/internal/diff"
	"github.com/JakeFAU/bilibili-notifier/internal/id/uuid"
	"github.com/JakeFAU/bilibili-notifier/internal/metrics"
	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
	"github.com/JakeFAU/bilibili-notifier/internal/notify"
)

// Phase is the poll loop's current activity.
type Phase string

// Poll loop phases.
const (
	PhaseIdle       Phase = "IDLE"
	PhaseFetching   Phase = "FETCHING"
	PhaseDiffing    Phase = "DIFFING"
	PhaseNotifying  Phase = "NOTIFYING"
	PhasePersisting Phase = "PERSISTING"
	PhaseSleeping   Phase = "SLEEPING"
)

// StateStore is the subset of the dedup store the loop reads and mutates.
type StateStore interface {
	diff.KnownSet
	Mark(mid int64, kind monitor.Kind, id string, ts time.Time)
	Seed(mid int64, kind monitor.Kind, ids []string, ts time.Time)
	Delivered(mid int64, kind monitor.Kind, id string) []string
	MarkDelivered(mid int64, kind monitor.Kind, id, channel string)
	// MaxIDs is the number of identifiers retained per pair.
	MaxIDs() int
	Save() error
}

// Dispatcher delivers one item to every channel not yet delivered.
type Dispatcher interface {
	Deliver(ctx context.Context, account monitor.Account, item monitor.ContentItem, already []string) notify.Outcome
}

// Config wires the loop's collaborators.
type Config struct {
	Accounts    []monitor.Account
	Fetchers    map[monitor.Kind]monitor.Fetcher
	Store       StateStore
	Dispatcher  Dispatcher
	Policy      diff.FirstRunPolicy
	Concurrency int
	Clock       monitor.Clock
	IDs         monitor.IDGenerator
	Logger      *zap.Logger
}

// PairFailure describes one pair whose fetch failed.
type PairFailure struct {
	Pair monitor.PairKey
	Err  error
}

// Report summarizes one cycle.
type Report struct {
	CycleID             string
	StartedAt           time.Time
	Duration            time.Duration
	Pairs               int
	FailedPairs         []PairFailure
	Seeded              int
	New                 int
	Notified            int
	FailedNotifications int
	// Deferred counts new items left for the next cycle because shutdown
	// began before they were dispatched.
	Deferred int
}

// Status is a point-in-time view for health reporting.
type Status struct {
	Phase      Phase
	LastReport *Report
	LastError  error
}

type pair struct {
	account monitor.Account
	kind    monitor.Kind
	fetcher monitor.Fetcher
}

type fetchResult struct {
	items []monitor.ContentItem
	err   error
}

// Poller runs cycles. Cycles never overlap; concurrent RunOnce calls are
// serialized.
type Poller struct {
	cfg    Config
	plan   []pair
	engine *diff.Engine
	logger *zap.Logger

	cycleMu sync.Mutex

	statusMu sync.RWMutex
	phase    Phase
	last     *Report
	lastErr  error
}

// New validates cfg and builds a Poller.
func New(cfg Config) (*Poller, error) {
	if cfg.Store == nil {
		return nil, errors.New("poller: state store is required")
	}
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = notify.NewDispatcher(nil, cfg.Logger)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.IDs == nil {
		cfg.IDs = uuid.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.Named("poller")

	plan := buildPlan(cfg.Accounts, cfg.Fetchers, logger)
	if len(plan) == 0 {
		return nil, errors.New("poller: no (account, kind) pairs to poll")
	}
	return &Poller{
		cfg:    cfg,
		plan:   plan,
		engine: diff.New(cfg.Store, cfg.Policy, diff.WithWindow(cfg.Store.MaxIDs())),
		logger: logger,
		phase:  PhaseIdle,
	}, nil
}

// buildPlan expands accounts into unique (account, kind) pairs.
func buildPlan(accounts []monitor.Account, fetchers map[monitor.Kind]monitor.Fetcher, logger *zap.Logger) []pair {
	seen := make(map[monitor.PairKey]struct{})
	var plan []pair
	for _, account := range accounts {
		for _, kind := range monitor.AllKinds {
			if !account.Enabled(kind) {
				continue
			}
			key := monitor.PairKey{MID: account.MID, Kind: kind}
			if _, dup := seen[key]; dup {
				logger.Warn("duplicate account entry ignored", zap.Int64("mid", account.MID), zap.String("kind", string(kind)))
				continue
			}
			fetcher, ok := fetchers[kind]
			if !ok || fetcher == nil {
				logger.Warn("no fetcher for kind", zap.String("kind", string(kind)))
				continue
			}
			seen[key] = struct{}{}
			plan = append(plan, pair{account: account, kind: kind, fetcher: fetcher})
		}
	}
	return plan
}

// Phase returns the current phase.
func (p *Poller) Phase() Phase {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	return p.phase
}

// Status returns the current phase and the last finished cycle.
func (p *Poller) Status() Status {
	p.statusMu.RLock()
	defer p.statusMu.RUnlock()
	s := Status{Phase: p.phase, LastError: p.lastErr}
	if p.last != nil {
		report := *p.last
		s.LastReport = &report
	}
	return s
}

func (p *Poller) setPhase(phase Phase) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.phase = phase
}

func (p *Poller) finish(report Report, err error) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	p.phase = PhaseIdle
	p.last = &report
	p.lastErr = err
}

// Run executes cycles until ctx is canceled, sleeping interval minus the
// cycle's duration between them. A cycle in flight when ctx is canceled still
// persists its state.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poller: interval must be > 0, got %s", interval)
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		report, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("cycle failed", zap.String("cycle_id", report.CycleID), zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := max(interval-report.Duration, 0)
		p.setPhase(PhaseSleeping)
		p.logger.Debug("sleeping until next cycle", zap.Duration("wait", wait))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.setPhase(PhaseIdle)
			return nil
		case <-timer.C:
		}
	}
}

// RunOnce executes a single cycle. The returned error is non-nil only when
// state could not be persisted; fetch and notification failures are isolated
// and reported in Report.
func (p *Poller) RunOnce(ctx context.Context) (Report, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := p.cfg.Clock.Now()
	cycleID, err := p.cfg.IDs.NewID()
	if err != nil {
		p.logger.Warn("cycle id unavailable", zap.Error(err))
	}
	report := Report{CycleID: cycleID, StartedAt: start, Pairs: len(p.plan)}
	logger := p.logger.With(zap.String("cycle_id", cycleID))
	logger.Info("cycle started", zap.Int("pairs", len(p.plan)))

	p.setPhase(PhaseFetching)
	results := p.fetchAll(ctx, logger)

	p.setPhase(PhaseDiffing)
	diffs := make([]diff.Result, len(p.plan))
	for i, pr := range p.plan {
		res := results[i]
		if res.err != nil {
			report.FailedPairs = append(report.FailedPairs, PairFailure{
				Pair: monitor.PairKey{MID: pr.account.MID, Kind: pr.kind},
				Err:  res.err,
			})
			continue
		}
		diffs[i] = p.engine.Compute(pr.account, pr.kind, res.items)
		report.Seeded += len(diffs[i].Seeded)
		report.New += len(diffs[i].New)
		metrics.AddSeededItems(string(pr.kind), len(diffs[i].Seeded))
		metrics.AddNewItems(string(pr.kind), len(diffs[i].New))
		if diffs[i].FirstRun && len(diffs[i].Seeded) > 0 {
			logger.Info("baseline seeded without notifications",
				zap.Int64("mid", pr.account.MID),
				zap.String("kind", string(pr.kind)),
				zap.Int("items", len(diffs[i].Seeded)),
			)
		}
	}

	p.setPhase(PhaseNotifying)
	marks := p.notifyAll(ctx, logger, diffs, results, &report)

	p.setPhase(PhasePersisting)
	saveErr := p.persist(diffs, results, marks)

	end := p.cfg.Clock.Now()
	report.Duration = end.Sub(start)
	status := "ok"
	switch {
	case saveErr != nil:
		status = "error"
	case len(report.FailedPairs) > 0 || report.FailedNotifications > 0:
		status = "partial"
	}
	metrics.ObserveCycle(status, report.Duration, end)

	logger.Info("cycle finished",
		zap.String("status", status),
		zap.Duration("duration", report.Duration),
		zap.Int("failed_pairs", len(report.FailedPairs)),
		zap.Int("seeded", report.Seeded),
		zap.Int("new", report.New),
		zap.Int("notified", report.Notified),
		zap.Int("failed_notifications", report.FailedNotifications),
		zap.Int("deferred", report.Deferred),
	)
	if saveErr != nil {
		saveErr = fmt.Errorf("persist state: %w", saveErr)
	}
	p.finish(report, saveErr)
	return report, saveErr
}

func (p *Poller) fetchAll(ctx context.Context, logger *zap.Logger) []fetchResult {
	results := make([]fetchResult, len(p.plan))
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i, pr := range p.plan {
		g.Go(func() error {
			results[i] = p.fetchPair(ctx, logger, pr)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Poller) fetchPair(ctx context.Context, logger *zap.Logger, pr pair) fetchResult {
	fields := []zap.Field{zap.Int64("mid", pr.account.MID), zap.String("kind", string(pr.kind))}
	start := time.Now()
	items, err := pr.fetcher.Fetch(ctx, pr.account)
	elapsed := time.Since(start)
	if err != nil {
		reason := string(monitor.ReasonUpstream)
		if fe, ok := monitor.AsFetchError(err); ok {
			reason = string(fe.Reason)
		}
		metrics.ObserveFetch(string(pr.kind), reason, elapsed)
		logger.Warn("fetch failed", append(fields, zap.String("reason", reason), zap.Error(err))...)
		return fetchResult{err: err}
	}
	metrics.ObserveFetch(string(pr.kind), "ok", elapsed)
	logger.Debug("fetch ok", append(fields, zap.Int("items", len(items)), zap.Duration("duration", elapsed))...)
	return fetchResult{items: items}
}

// pendingMarks holds the state mutations produced by the notify phase.
type pendingMarks struct {
	complete []markEntry
	partial  []partialEntry
}

type markEntry struct {
	key monitor.PairKey
	id  string
}

type partialEntry struct {
	markEntry
	channels []string
}

func (p *Poller) notifyAll(
	ctx context.Context,
	logger *zap.Logger,
	diffs []diff.Result,
	results []fetchResult,
	report *Report,
) pendingMarks {
	var marks pendingMarks
	for i, pr := range p.plan {
		if results[i].err != nil {
			continue
		}
		key := diffs[i].Pair
		for j, item := range diffs[i].New {
			if ctx.Err() != nil {
				report.Deferred += len(diffs[i].New) - j
				break
			}
			logger.Info("new item",
				zap.Int64("mid", pr.account.MID),
				zap.String("account", pr.account.DisplayName()),
				zap.String("kind", string(item.Kind)),
				zap.String("item_id", item.ID),
				zap.String("title", item.Title),
				zap.String("url", item.URL),
			)
			already := p.cfg.Store.Delivered(key.MID, key.Kind, item.ID)
			outcome := p.cfg.Dispatcher.Deliver(ctx, pr.account, item, already)
			if outcome.Complete() {
				report.Notified++
				marks.complete = append(marks.complete, markEntry{key: key, id: item.ID})
				continue
			}
			report.FailedNotifications++
			if len(outcome.Delivered) > 0 {
				marks.partial = append(marks.partial, partialEntry{
					markEntry: markEntry{key: key, id: item.ID},
					channels:  outcome.Delivered,
				})
			}
		}
	}
	return marks
}

// persist applies the cycle's results to the store and saves it. It never
// consults a context so shutdown cannot interrupt it.
func (p *Poller) persist(diffs []diff.Result, results []fetchResult, marks pendingMarks) error {
	now := p.cfg.Clock.Now()
	for i := range p.plan {
		if results[i].err != nil {
			continue
		}
		if d := diffs[i]; d.FirstRun {
			p.cfg.Store.Seed(d.Pair.MID, d.Pair.Kind, d.Seeded, now)
		}
	}
	for _, m := range marks.complete {
		p.cfg.Store.Mark(m.key.MID, m.key.Kind, m.id, now)
	}
	for _, m := range marks.partial {
		for _, channel := range m.channels {
			p.cfg.Store.MarkDelivered(m.key.MID, m.key.Kind, m.id, channel)
		}
	}
	return p.cfg.Store.Save()
}
