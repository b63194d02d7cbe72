package analytics

import (
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fyrsmithlabs/cass/internal/errs"
)

// PriceEntry is one model-pattern's per-million-token pricing, effective
// from EffectiveAtMS onward (spec.md §4.10 "a pricing table keyed by
// model-pattern with effective dates").
type PriceEntry struct {
	ModelPattern      string  `json:"model_pattern"` // prefix match, e.g. "claude-sonnet"
	EffectiveAtMS     int64   `json:"effective_at_ms"`
	InputPerMillion   float64 `json:"input_per_million_usd"`
	OutputPerMillion  float64 `json:"output_per_million_usd"`
	CacheReadPerMillion float64 `json:"cache_read_per_million_usd"`
}

// PricingTable resolves a model name + timestamp to the matching price
// entry, preferring the longest pattern match and the most recent
// effective date not after the usage timestamp.
type PricingTable struct {
	entries []PriceEntry

	matched   int64 // atomic coverage counters
	unmatched int64
}

// LoadPricingTable reads a JSON array of PriceEntry from path.
func LoadPricingTable(path string) (*PricingTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Transient, "read pricing table", err)
	}
	var entries []PriceEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, errs.Wrap(errs.Malformed, "parse pricing table", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if len(entries[i].ModelPattern) != len(entries[j].ModelPattern) {
			return len(entries[i].ModelPattern) > len(entries[j].ModelPattern)
		}
		return entries[i].EffectiveAtMS > entries[j].EffectiveAtMS
	})
	return &PricingTable{entries: entries}, nil
}

// EstimateCost returns the estimated USD cost for the given token counts
// at atMS, or (nil, false) when no pattern matches: unknown models
// produce NULL cost with an explicit coverage counter (spec.md §4.10).
func (p *PricingTable) EstimateCost(modelName string, inputTokens, outputTokens, cacheReadTokens int64, atMS int64) (*float64, bool) {
	for _, e := range p.entries {
		if e.EffectiveAtMS > atMS {
			continue
		}
		if !strings.HasPrefix(modelName, e.ModelPattern) {
			continue
		}
		atomic.AddInt64(&p.matched, 1)
		cost := float64(inputTokens)/1_000_000*e.InputPerMillion +
			float64(outputTokens)/1_000_000*e.OutputPerMillion +
			float64(cacheReadTokens)/1_000_000*e.CacheReadPerMillion
		return &cost, true
	}
	atomic.AddInt64(&p.unmatched, 1)
	return nil, false
}

// Coverage reports how many EstimateCost calls matched vs. fell through
// unpriced, surfaced by `cass analytics cost --json` (spec.md §6.4).
func (p *PricingTable) Coverage() (matched, unmatched int64) {
	return atomic.LoadInt64(&p.matched), atomic.LoadInt64(&p.unmatched)
}

// Aggregator accumulates per-(day, agent, workspace) token/cost totals in
// memory. It writes nothing to usage_rollups: rollups are upserted per row
// by catalog's insertTokenUsage (see DESIGN.md), and Aggregator only holds
// totals that a caller can read through Totals without a catalog round
// trip.
type Aggregator struct {
	mu     sync.Mutex
	totals map[string]*bucketTotal
}

type bucketTotal struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	MessageCount int64
}

func NewAggregator() *Aggregator {
	return &Aggregator{totals: make(map[string]*bucketTotal)}
}

func aggregatorKey(dayID int64, agentSlug string, workspaceID *int64) string {
	w := int64(-1)
	if workspaceID != nil {
		w = *workspaceID
	}
	return strings.Join([]string{itoa64(dayID), agentSlug, itoa64(w)}, "|")
}

// Add folds one fact's usage into the aggregator.
func (a *Aggregator) Add(agentSlug string, f Fact, cost *float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := aggregatorKey(f.Usage.DayID, agentSlug, f.Usage.WorkspaceID)
	t, ok := a.totals[key]
	if !ok {
		t = &bucketTotal{}
		a.totals[key] = t
	}
	t.InputTokens += f.Usage.InputTokens
	t.OutputTokens += f.Usage.OutputTokens
	t.MessageCount++
	if cost != nil {
		t.CostUSD += *cost
	}
}

// Totals returns a snapshot of accumulated per-bucket totals, keyed the
// same way Add groups them.
func (a *Aggregator) Totals() map[string]bucketTotal {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]bucketTotal, len(a.totals))
	for k, v := range a.totals {
		out[k] = *v
	}
	return out
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
