// Package search indexes diffs into Meilisearch for the admin review
// surface. Indexing is best-effort and out-of-band; the engine works fully
// without it.
package search

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"

	"mentora/memory/internal/store"
)

const idxDiffs = "memory_diffs"

// DiffRecord is the indexed shape of a diff.
type DiffRecord struct {
	ID         string  `json:"id"`
	Owner      string  `json:"owner"`
	Label      string  `json:"label"`
	Field      string  `json:"field"`
	Operation  string  `json:"operation"`
	Status     string  `json:"status"`
	Proposer   string  `json:"proposer"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
	CreatedAt  int64   `json:"createdAt"`
}

// Result is one search hit.
type Result struct {
	ID        string
	Owner     string
	Label     string
	Field     string
	Status    string
	Reasoning string
}

// Meili wraps the Meilisearch client with a background health check, the
// same way the engine treats every external collaborator: degrade, never
// crash.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	log     zerolog.Logger
}

// NewMeili creates the client and configures the diff index. The returned
// value is usable even when Meilisearch is down; indexing resumes when the
// health loop sees it recover.
func NewMeili(url, apiKey string, log zerolog.Logger) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		log:    log.With().Str("component", "search").Logger(),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxDiffs, PrimaryKey: "id"}); err != nil {
		m.log.Debug().Err(err).Msg("create diff index (may already exist)")
	}
	index := m.client.Index(idxDiffs)
	filterable := []interface{}{"owner", "label", "status", "operation", "proposer"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn().Err(err).Msg("update filterable attrs")
	}
	searchable := []string{"reasoning", "field"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn().Err(err).Msg("update searchable attrs")
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info().Msg("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexDiff pushes one diff into the index, fire-and-forget.
func (m *Meili) IndexDiff(d store.Diff) {
	if !m.healthy.Load() {
		return
	}
	record := DiffRecord{
		ID:         d.ID,
		Owner:      d.Owner,
		Label:      d.Label,
		Field:      d.Field,
		Operation:  d.Operation,
		Status:     d.Status,
		Proposer:   d.Proposer,
		Reasoning:  d.Reasoning,
		Confidence: d.Confidence,
		CreatedAt:  d.CreatedAt.Unix(),
	}
	go func() {
		if _, err := m.client.Index(idxDiffs).AddDocuments([]DiffRecord{record}, nil); err != nil {
			m.log.Warn().Err(err).Str("diff", d.ID).Msg("index diff failed")
		}
	}()
}

// SearchDiffs queries the reasoning text, optionally filtered to one owner.
func (m *Meili) SearchDiffs(text, owner string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 20
	}
	req := &meili.SearchRequest{Limit: int64(limit)}
	if owner != "" {
		req.Filter = []string{`owner = "` + escapeFilterValue(owner) + `"`}
	}
	resp, err := m.client.Index(idxDiffs).Search(text, req)
	if err != nil {
		m.healthy.Store(false)
		return nil, err
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, Result{
			ID:        decodeString(hit, "id"),
			Owner:     decodeString(hit, "owner"),
			Label:     decodeString(hit, "label"),
			Field:     decodeString(hit, "field"),
			Status:    decodeString(hit, "status"),
			Reasoning: decodeString(hit, "reasoning"),
		})
	}
	return results, nil
}

// escapeFilterValue quotes backslashes and double quotes so an owner id
// cannot break out of the filter string.
func escapeFilterValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
