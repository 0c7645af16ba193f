// Package enrich runs background batches that turn insight-source output
// into pending diffs. It never writes to the version store directly.
package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mentora/memory/internal/diff"
	"mentora/memory/internal/insight"
	"mentora/memory/internal/store"
)

// Policy selects how batches are triggered.
type Policy string

const (
	PolicyManual   Policy = "manual"
	PolicyInterval Policy = "interval"
	PolicyIdle     Policy = "idle"
)

// Target names the (label, field, operation) every produced proposal aims
// at.
type Target struct {
	Label     string
	Field     string
	Operation string
}

// Config drives one scheduler instance.
type Config struct {
	Policy        Policy
	Interval      time.Duration
	IdleThreshold time.Duration
	Cooldown      time.Duration
	BatchSize     int
	Workers       int
	Question      string
	Scope         insight.Scope
	Target        Target
	// OwnerFilter, when set, drops owners the batch should skip.
	OwnerFilter func(owner string) bool
}

// Scheduler queries the insight source per owner and proposes diffs through
// the diff manager.
type Scheduler struct {
	cfg    Config
	st     *store.Store
	mgr    *diff.Manager
	source insight.Source
	log    zerolog.Logger
}

func NewScheduler(cfg Config, st *store.Store, mgr *diff.Manager, source insight.Source, log zerolog.Logger) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = 30 * time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 6 * time.Hour
	}
	if cfg.Scope == "" {
		cfg.Scope = insight.ScopeRecent
	}
	return &Scheduler{
		cfg:    cfg,
		st:     st,
		mgr:    mgr,
		source: source,
		log:    log.With().Str("component", "enrich").Logger(),
	}
}

// Run loops until ctx is cancelled. Under PolicyManual it returns
// immediately; batches then only run through RunBatch.
func (s *Scheduler) Run(ctx context.Context) {
	if s.cfg.Policy == PolicyManual {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunBatch(ctx)
		}
	}
}

// RunBatch selects eligible owners and processes them on a bounded worker
// pool. Cancellation is cooperative per owner: a worker finishes its
// current owner and stops before taking the next.
func (s *Scheduler) RunBatch(ctx context.Context) {
	owners, err := s.eligibleOwners(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("select owners failed")
		return
	}
	if len(owners) == 0 {
		return
	}
	s.log.Info().Int("owners", len(owners)).Msg("enrichment batch starting")

	work := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for owner := range work {
				s.enrichOwner(ctx, owner)
			}
		}()
	}

feed:
	for _, owner := range owners {
		select {
		case <-ctx.Done():
			break feed
		case work <- owner:
		}
	}
	close(work)
	wg.Wait()
}

func (s *Scheduler) eligibleOwners(ctx context.Context) ([]string, error) {
	var owners []string
	var err error
	now := time.Now()
	if s.cfg.Policy == PolicyIdle {
		owners, err = s.st.ListIdleOwners(ctx, now.Add(-s.cfg.IdleThreshold), now.Add(-s.cfg.Cooldown), s.cfg.BatchSize)
	} else {
		owners, err = s.st.ListActiveOwners(ctx, s.cfg.BatchSize)
	}
	if err != nil {
		return nil, err
	}
	if s.cfg.OwnerFilter == nil {
		return owners, nil
	}
	filtered := owners[:0]
	for _, owner := range owners {
		if s.cfg.OwnerFilter(owner) {
			filtered = append(filtered, owner)
		}
	}
	return filtered, nil
}

func (s *Scheduler) enrichOwner(ctx context.Context, owner string) {
	text, err := s.source.Query(ctx, owner, s.cfg.Question, s.cfg.Scope)
	if err != nil {
		s.log.Warn().Err(err).Str("owner", owner).Msg("insight query failed")
		return
	}
	if text == "" {
		s.log.Debug().Str("owner", owner).Msg("no insight for owner")
		s.markEnriched(ctx, owner)
		return
	}

	d, err := s.mgr.Propose(ctx, diff.ProposeInput{
		Owner:         owner,
		Label:         s.cfg.Target.Label,
		Field:         s.cfg.Target.Field,
		Operation:     s.cfg.Target.Operation,
		ProposedValue: text,
		Reasoning:     "insight source observation (scope: " + string(s.cfg.Scope) + ")",
		Confidence:    0.5,
		Proposer:      "enrichment-scheduler",
	})
	if err != nil {
		s.log.Warn().Err(err).Str("owner", owner).Msg("propose failed")
		return
	}
	s.log.Info().Str("owner", owner).Str("diff", d.ID).Msg("enrichment proposal created")
	s.markEnriched(ctx, owner)
}

func (s *Scheduler) markEnriched(ctx context.Context, owner string) {
	if err := s.st.MarkEnriched(ctx, owner, time.Now()); err != nil {
		s.log.Warn().Err(err).Str("owner", owner).Msg("mark enriched failed")
	}
}
