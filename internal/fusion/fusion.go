// Package fusion merges the ranked lists from all sub-queries and modalities
// into one evidence ranking using reciprocal rank fusion. Items retrieved
// outside the effective scope survive fusion but carry a score penalty.
package fusion

import (
	"sort"

	"github.com/normlens/orchestrator/internal/models"
	"github.com/normlens/orchestrator/internal/retrieval"
)

// Weights of the two modality lists inside one sub-query. Summaries rank a
// little below chunks so a short abstract cannot displace normative text.
const (
	chunkWeight   = 1.0
	summaryWeight = 0.7
)

// Fuser holds the fusion constants for a run.
type Fuser struct {
	k0      float64
	penalty float64
}

// NewFuser builds a fuser. k0 is the rank-smoothing constant; penalty is the
// multiplier applied to out-of-scope items, in (0,1].
func NewFuser(k0 int, penalty float64) *Fuser {
	if k0 <= 0 {
		k0 = 60
	}
	if penalty <= 0 || penalty > 1 {
		penalty = 0.35
	}
	return &Fuser{k0: float64(k0), penalty: penalty}
}

// Fuse merges all result lists into a single deterministic ranking. Each item
// accumulates one reciprocal-rank contribution per list it appears in;
// duplicates across sub-queries merge into one evidence item.
func (f *Fuser) Fuse(sets []retrieval.ResultSet, scope models.ScopeContext) []models.EvidenceItem {
	inScope := map[string]bool{}
	for _, s := range scope.EffectiveStandards {
		inScope[s] = true
	}
	// No scope filter means nothing is out of scope.
	scoped := len(scope.EffectiveStandards) > 0

	byID := map[string]*models.EvidenceItem{}
	var order []string

	accumulate := func(results []retrieval.Result, modality string, weight float64, subQueryID string) {
		for rank, r := range results {
			contrib := weight / (f.k0 + float64(rank+1))
			item, ok := byID[r.ID]
			if !ok {
				item = &models.EvidenceItem{
					ID:       r.ID,
					SourceID: r.SourceID,
					Content:  r.Content,
					Standard: r.Standard,
					ClauseID: r.ClauseID,
					Modality: modality,
					RawScore: r.Score,
				}
				byID[r.ID] = item
				order = append(order, r.ID)
			}
			item.RankContrib += contrib
			if r.Score > item.RawScore {
				item.RawScore = r.Score
			}
			if !contains(item.SubQueryIDs, subQueryID) {
				item.SubQueryIDs = append(item.SubQueryIDs, subQueryID)
			}
		}
	}

	for _, set := range sets {
		accumulate(set.Chunks, "chunk", chunkWeight, set.SubQuery.ID)
		accumulate(set.Summaries, "summary", summaryWeight, set.SubQuery.ID)
	}

	items := make([]models.EvidenceItem, 0, len(order))
	for _, id := range order {
		item := byID[id]
		item.FusedScore = item.RankContrib
		if scoped && item.Standard != "" && !inScope[item.Standard] {
			item.FusedScore *= f.penalty
			item.ScopePenalized = true
		}
		items = append(items, *item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].FusedScore != items[j].FusedScore {
			return items[i].FusedScore > items[j].FusedScore
		}
		if items[i].SourceID != items[j].SourceID {
			return items[i].SourceID < items[j].SourceID
		}
		return items[i].ID < items[j].ID
	})
	return items
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
