// Package analytics computes cross-cutting statistics over the issuance
// event stream. Every aggregation is a pure fold over a fresh event slice
// and tolerates an empty stream by returning zero-filled structures.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/veridoc/engine/internal/docstatus"
	"github.com/veridoc/engine/internal/ledger"
	"go.uber.org/zap"
)

const (
	// DefaultMonths is the trailing monthly window size.
	DefaultMonths = 12
	// DefaultTimelineLimit caps timeline entries.
	DefaultTimelineLimit = 100
	// DefaultOrgLimit caps per-organization counts.
	DefaultOrgLimit = 50

	// Heatmap dimensions: days of week (Monday first) by 4-hour buckets.
	heatmapRows = 7
	heatmapCols = 6
)

var (
	ErrInvalidAggregatorConfig = errors.New("analytics: invalid aggregator config")

	errMissingEvents = errors.New("event source is required")
	errMissingStatus = errors.New("status reducer is required")
)

// MonthlyCount is one calendar month's issuance total, keyed "YYYY-MM".
type MonthlyCount struct {
	Month string `json:"month"`
	Count int    `json:"count"`
}

// OrgCount is one organization's issuance total.
type OrgCount struct {
	Org   common.Address `json:"org"`
	Count int            `json:"count"`
}

// StatusDistribution tallies documents per derived status.
type StatusDistribution struct {
	Active  int `json:"active"`
	Expired int `json:"expired"`
	Revoked int `json:"revoked"`
	Unknown int `json:"unknown"`
}

// TimelineEntry is one issuance in reverse-chronological order.
type TimelineEntry struct {
	TokenID   uint64         `json:"token_id"`
	Timestamp time.Time      `json:"timestamp"`
	Org       common.Address `json:"org"`
	Recipient common.Address `json:"recipient"`
}

// Heatmap is a day-of-week by 4-hour-bucket grid of issuance counts.
// Rows are Monday-first; the last column absorbs any hour overflow.
type Heatmap [heatmapRows][heatmapCols]int

// Summary counts one scope's documents per status. Failures records the
// per-document errors behind the Unknown tally.
type Summary struct {
	Total    int               `json:"total"`
	Active   int               `json:"active"`
	Expired  int               `json:"expired"`
	Revoked  int               `json:"revoked"`
	Unknown  int               `json:"unknown"`
	Failures map[uint64]string `json:"failures,omitempty"`
}

// Dashboard bundles the statistics a dashboard view renders. Degraded names
// the branches that failed and were replaced by zero values, so a zero is
// never silently ambiguous between "empty" and "failed".
type Dashboard struct {
	Monthly            []MonthlyCount     `json:"monthly"`
	PerOrg             []OrgCount         `json:"per_org"`
	StatusDistribution StatusDistribution `json:"status_distribution"`
	Timeline           []TimelineEntry    `json:"timeline"`
	Heatmap            Heatmap            `json:"heatmap"`
	Degraded           []string           `json:"degraded,omitempty"`
}

// AggregatorConfig bundles dependencies for an Aggregator.
type AggregatorConfig struct {
	Events ledger.EventSource
	Status *docstatus.Reducer
	Clock  func() time.Time
	Logger *zap.Logger
}

// Aggregator computes analytics over the issuance event stream.
type Aggregator struct {
	events ledger.EventSource
	status *docstatus.Reducer
	clock  func() time.Time
	logger *zap.Logger
}

// NewAggregator constructs an aggregator with validated configuration.
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Events == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAggregatorConfig, errMissingEvents)
	}
	if cfg.Status == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAggregatorConfig, errMissingStatus)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Aggregator{
		events: cfg.Events,
		status: cfg.Status,
		clock:  clock,
		logger: logger,
	}, nil
}

func (a *Aggregator) issuedEvents(ctx context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	return a.events.QueryEvents(ctx, ledger.EventDocumentIssued, filter)
}

// Monthly buckets issuances by calendar year-month and returns a trailing
// window of months entries, zero-filled, oldest first.
func (a *Aggregator) Monthly(ctx context.Context, months int, filter ledger.EventFilter) ([]MonthlyCount, error) {
	if months <= 0 {
		months = DefaultMonths
	}

	events, err := a.issuedEvents(ctx, filter)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(events))
	for _, event := range events {
		counts[monthKey(event.Timestamp)]++
	}

	now := a.clock()
	window := make([]MonthlyCount, 0, months)
	for i := months - 1; i >= 0; i-- {
		month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, -i, 0)
		key := monthKey(month)
		window = append(window, MonthlyCount{Month: key, Count: counts[key]})
	}
	return window, nil
}

// PerOrganization groups issuances by issuer, sorted descending by count
// with address as the deterministic tiebreak, capped to limit.
func (a *Aggregator) PerOrganization(ctx context.Context, limit int) ([]OrgCount, error) {
	if limit <= 0 {
		limit = DefaultOrgLimit
	}

	events, err := a.issuedEvents(ctx, ledger.EventFilter{})
	if err != nil {
		return nil, err
	}

	counts := make(map[common.Address]int)
	for _, event := range events {
		counts[event.Org]++
	}

	organizations := make([]OrgCount, 0, len(counts))
	for org, count := range counts {
		organizations = append(organizations, OrgCount{Org: org, Count: count})
	}
	sort.Slice(organizations, func(i, j int) bool {
		if organizations[i].Count != organizations[j].Count {
			return organizations[i].Count > organizations[j].Count
		}
		return organizations[i].Org.Hex() < organizations[j].Org.Hex()
	})

	if len(organizations) > limit {
		organizations = organizations[:limit]
	}
	return organizations, nil
}

// Distribution applies the status reducer to every known identifier and
// tallies documents per status. Per-document failures land in the Unknown
// bucket rather than aborting the tally.
func (a *Aggregator) Distribution(ctx context.Context) (StatusDistribution, error) {
	events, err := a.issuedEvents(ctx, ledger.EventFilter{})
	if err != nil {
		return StatusDistribution{}, err
	}

	batch := a.status.EvaluateBatch(ctx, events)

	var distribution StatusDistribution
	for _, document := range batch.Documents {
		switch document.Status {
		case docstatus.StatusActive:
			distribution.Active++
		case docstatus.StatusExpired:
			distribution.Expired++
		case docstatus.StatusRevoked:
			distribution.Revoked++
		default:
			distribution.Unknown++
		}
	}
	return distribution, nil
}

// Timeline maps issuances to display entries, newest first, capped to limit.
func (a *Aggregator) Timeline(ctx context.Context, limit int, filter ledger.EventFilter) ([]TimelineEntry, error) {
	if limit <= 0 {
		limit = DefaultTimelineLimit
	}

	events, err := a.issuedEvents(ctx, filter)
	if err != nil {
		return nil, err
	}

	entries := make([]TimelineEntry, 0, len(events))
	for _, event := range events {
		entries = append(entries, TimelineEntry{
			TokenID:   event.TokenID,
			Timestamp: event.Timestamp,
			Org:       event.Org,
			Recipient: event.Recipient,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// HeatmapGrid increments one cell per issuance: the event's local weekday
// (Monday first) by its hour div 4 bucket, overflow clamped to the last
// column. Cell sums therefore always equal the issuance count.
func (a *Aggregator) HeatmapGrid(ctx context.Context) (Heatmap, error) {
	events, err := a.issuedEvents(ctx, ledger.EventFilter{})
	if err != nil {
		return Heatmap{}, err
	}

	var grid Heatmap
	for _, event := range events {
		local := event.Timestamp.Local()
		row := (int(local.Weekday()) + 6) % 7
		col := local.Hour() / 4
		if col >= heatmapCols {
			col = heatmapCols - 1
		}
		grid[row][col]++
	}
	return grid, nil
}

// DocumentSummary evaluates every document in scope (optionally one
// organization) and tallies statuses. Per-document failures are isolated
// and surfaced in Failures.
func (a *Aggregator) DocumentSummary(ctx context.Context, filter ledger.EventFilter) (Summary, error) {
	events, err := a.issuedEvents(ctx, filter)
	if err != nil {
		return Summary{}, err
	}

	batch := a.status.EvaluateBatch(ctx, events)

	summary := Summary{Total: len(batch.Documents)}
	for _, document := range batch.Documents {
		switch document.Status {
		case docstatus.StatusActive:
			summary.Active++
		case docstatus.StatusExpired:
			summary.Expired++
		case docstatus.StatusRevoked:
			summary.Revoked++
		default:
			summary.Unknown++
		}
	}
	if len(batch.Failures) > 0 {
		summary.Failures = make(map[uint64]string, len(batch.Failures))
		for tokenID, failure := range batch.Failures {
			summary.Failures[tokenID] = failure.Error()
		}
	}
	return summary, nil
}

// DashboardView computes the dashboard's statistics concurrently. Branches
// only read external sources, so they fan out without shared mutation; a
// failing branch degrades to its zero value and is named in Degraded
// instead of cancelling the others.
func (a *Aggregator) DashboardView(ctx context.Context, months, limit int) Dashboard {
	var dashboard Dashboard

	type branch struct {
		name string
		run  func() error
	}
	branches := []branch{
		{name: "monthly", run: func() error {
			monthly, err := a.Monthly(ctx, months, ledger.EventFilter{})
			if err != nil {
				return err
			}
			dashboard.Monthly = monthly
			return nil
		}},
		{name: "per_org", run: func() error {
			perOrg, err := a.PerOrganization(ctx, limit)
			if err != nil {
				return err
			}
			dashboard.PerOrg = perOrg
			return nil
		}},
		{name: "status_distribution", run: func() error {
			distribution, err := a.Distribution(ctx)
			if err != nil {
				return err
			}
			dashboard.StatusDistribution = distribution
			return nil
		}},
		{name: "timeline", run: func() error {
			timeline, err := a.Timeline(ctx, limit, ledger.EventFilter{})
			if err != nil {
				return err
			}
			dashboard.Timeline = timeline
			return nil
		}},
		{name: "heatmap", run: func() error {
			grid, err := a.HeatmapGrid(ctx)
			if err != nil {
				return err
			}
			dashboard.Heatmap = grid
			return nil
		}},
	}

	failures := make([]error, len(branches))
	done := make(chan int, len(branches))
	for index, b := range branches {
		go func(index int, b branch) {
			failures[index] = b.run()
			done <- index
		}(index, b)
	}
	for range branches {
		<-done
	}

	for index, err := range failures {
		if err != nil {
			a.logger.Warn("dashboard branch degraded",
				zap.String("branch", branches[index].name),
				zap.Error(err))
			dashboard.Degraded = append(dashboard.Degraded, branches[index].name)
		}
	}
	if dashboard.Monthly == nil {
		dashboard.Monthly = []MonthlyCount{}
	}
	if dashboard.PerOrg == nil {
		dashboard.PerOrg = []OrgCount{}
	}
	if dashboard.Timeline == nil {
		dashboard.Timeline = []TimelineEntry{}
	}
	return dashboard
}

func monthKey(t time.Time) string {
	return fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month()))
}
