// Package diff computes which fetched items have not been notified yet.
package diff

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/JakeFAU/bilibili-notifier/internal/monitor"
)

// FirstRunPolicy decides what happens the first time a pair is observed.
type FirstRunPolicy string

// Supported first-run policies.
const (
	// FirstRunSeed records everything fetched on the first observation as
	// known and notifies nothing. Only items appearing later are notified.
	FirstRunSeed FirstRunPolicy = "seed"
	// FirstRunNotify treats the whole first observation as new backlog.
	FirstRunNotify FirstRunPolicy = "notify"
)

// ParseFirstRunPolicy validates a configured policy name.
func ParseFirstRunPolicy(raw string) (FirstRunPolicy, error) {
	switch FirstRunPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case FirstRunSeed, "":
		return FirstRunSeed, nil
	case FirstRunNotify:
		return FirstRunNotify, nil
	default:
		return "", fmt.Errorf("unknown first-run policy %q (want %q or %q)", raw, FirstRunSeed, FirstRunNotify)
	}
}

// KnownSet is the read side of the state store used by the engine.
type KnownSet interface {
	IsKnown(mid int64, kind monitor.Kind, id string) bool
	HasBaseline(mid int64, kind monitor.Kind) bool
}

// Result is the outcome of diffing one (account, kind) pair.
type Result struct {
	Pair monitor.PairKey
	// New holds unknown items ordered oldest to newest.
	New []monitor.ContentItem
	// Seeded holds identifiers to record silently as the pair's baseline.
	Seeded []string
	// FirstRun is true when the pair had no baseline.
	FirstRun bool
}

// Engine compares fetched items against the state store. It never mutates the
// store; the caller applies the Result once notifications have been attempted.
type Engine struct {
	known  KnownSet
	policy FirstRunPolicy
	window int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithWindow limits each batch to its newest n items before comparing. It
// should match the number of identifiers the store retains per pair: an item
// older than the retained window has been evicted and would otherwise look
// new again. Zero or less disables the limit.
func WithWindow(n int) Option {
	return func(e *Engine) { e.window = n }
}

// New builds an Engine. An empty policy means FirstRunSeed.
func New(known KnownSet, policy FirstRunPolicy, opts ...Option) *Engine {
	if policy == "" {
		policy = FirstRunSeed
	}
	e := &Engine{known: known, policy: policy}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the configured first-run policy.
func (e *Engine) Policy() FirstRunPolicy {
	return e.policy
}

// Compute returns the items of kind that account has not been notified about.
// Items are expected newest first, as the upstream lists them; the result is
// chronological. Duplicate identifiers within one batch are collapsed and
// items with an empty identifier are dropped.
func (e *Engine) Compute(account monitor.Account, kind monitor.Kind, items []monitor.ContentItem) Result {
	res := Result{
		Pair:     monitor.PairKey{MID: account.MID, Kind: kind},
		FirstRun: !e.known.HasBaseline(account.MID, kind),
	}
	batch := Chronological(uniqueOfKind(kind, items))
	if e.window > 0 && len(batch) > e.window {
		batch = batch[len(batch)-e.window:]
	}

	if res.FirstRun && e.policy == FirstRunSeed {
		res.Seeded = make([]string, 0, len(batch))
		for _, item := range batch {
			res.Seeded = append(res.Seeded, item.ID)
		}
		return res
	}

	res.New = make([]monitor.ContentItem, 0, len(batch))
	for _, item := range batch {
		if e.known.IsKnown(account.MID, kind, item.ID) {
			continue
		}
		res.New = append(res.New, item)
	}
	return res
}

func uniqueOfKind(kind monitor.Kind, items []monitor.ContentItem) []monitor.ContentItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]monitor.ContentItem, 0, len(items))
	for _, item := range items {
		if item.ID == "" || (item.Kind != "" && item.Kind != kind) {
			continue
		}
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		out = append(out, item)
	}
	return out
}

// Chronological returns a copy of items ordered oldest to newest. Items with
// an unknown timestamp sort first; ties keep the reverse of the input order,
// since upstream lists are newest first.
func Chronological(items []monitor.ContentItem) []monitor.ContentItem {
	out := slices.Clone(items)
	slices.Reverse(out)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].PublishedAt.Before(out[j].PublishedAt)
	})
	return out
}
