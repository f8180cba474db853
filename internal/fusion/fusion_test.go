package fusion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normlens/orchestrator/internal/models"
	"github.com/normlens/orchestrator/internal/retrieval"
)

func set(subID string, chunks ...retrieval.Result) retrieval.ResultSet {
	return retrieval.ResultSet{
		SubQuery: models.SubQuery{ID: subID},
		Chunks:   chunks,
	}
}

func TestItemInMultipleListsOutranksSingleListItem(t *testing.T) {
	f := NewFuser(60, 0.35)

	items := f.Fuse([]retrieval.ResultSet{
		set("sq-1",
			retrieval.Result{ID: "shared", SourceID: "a", Score: 0.7},
			retrieval.Result{ID: "only1", SourceID: "b", Score: 0.95},
		),
		set("sq-2",
			retrieval.Result{ID: "shared", SourceID: "a", Score: 0.6},
		),
	}, models.ScopeContext{})

	require.Len(t, items, 2)
	assert.Equal(t, "shared", items[0].ID, "two rank contributions beat one")
	assert.ElementsMatch(t, []string{"sq-1", "sq-2"}, items[0].SubQueryIDs)
	assert.InDelta(t, 1.0/61+1.0/61, items[0].FusedScore, 1e-9)
	assert.InDelta(t, 1.0/62, items[1].FusedScore, 1e-9)
}

func TestScorePreservedAcrossMerge(t *testing.T) {
	f := NewFuser(60, 0.35)

	items := f.Fuse([]retrieval.ResultSet{
		set("sq-1", retrieval.Result{ID: "e1", Score: 0.5}),
		set("sq-2", retrieval.Result{ID: "e1", Score: 0.9}),
	}, models.ScopeContext{})

	require.Len(t, items, 1)
	assert.Equal(t, 0.9, items[0].RawScore, "best raw score wins the merge")
}

func TestOutOfScopePenaltyAppliedNotDropped(t *testing.T) {
	f := NewFuser(60, 0.35)
	scope := models.ScopeContext{EffectiveStandards: []string{"ISO 14155"}}

	items := f.Fuse([]retrieval.ResultSet{
		set("sq-1",
			retrieval.Result{ID: "in", Standard: "ISO 14155", Score: 0.8},
			retrieval.Result{ID: "out", Standard: "ISO 27001", Score: 0.9},
		),
	}, scope)

	require.Len(t, items, 2)
	assert.Equal(t, "in", items[0].ID)
	assert.False(t, items[0].ScopePenalized)
	assert.True(t, items[1].ScopePenalized)
	assert.InDelta(t, (1.0/62)*0.35, items[1].FusedScore, 1e-9)
}

func TestUntaggedItemsAreNeverPenalized(t *testing.T) {
	f := NewFuser(60, 0.35)
	scope := models.ScopeContext{EffectiveStandards: []string{"ISO 14155"}}

	items := f.Fuse([]retrieval.ResultSet{
		set("sq-1", retrieval.Result{ID: "e1", Standard: "", Score: 0.8}),
	}, scope)
	require.Len(t, items, 1)
	assert.False(t, items[0].ScopePenalized)
}

func TestSummariesWeighBelowChunks(t *testing.T) {
	f := NewFuser(60, 0.35)

	items := f.Fuse([]retrieval.ResultSet{{
		SubQuery:  models.SubQuery{ID: "sq-1"},
		Chunks:    []retrieval.Result{{ID: "c1", Score: 0.5}},
		Summaries: []retrieval.Result{{ID: "s1", Score: 0.9}},
	}}, models.ScopeContext{})

	require.Len(t, items, 2)
	assert.Equal(t, "c1", items[0].ID)
	assert.Equal(t, "summary", items[1].Modality)
}

func TestDeterministicTiebreakBySourceID(t *testing.T) {
	f := NewFuser(60, 0.35)

	for i := 0; i < 5; i++ {
		items := f.Fuse([]retrieval.ResultSet{
			set("sq-1", retrieval.Result{ID: "x", SourceID: "zzz", Score: 0.5}),
			set("sq-2", retrieval.Result{ID: "y", SourceID: "aaa", Score: 0.5}),
		}, models.ScopeContext{})
		require.Len(t, items, 2)
		assert.Equal(t, "y", items[0].ID, "equal scores break on source id")
	}
}
