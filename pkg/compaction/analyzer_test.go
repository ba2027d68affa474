package compaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(streamID, start, end, objectID int64, blockSize int64) StreamDataBlock {
	return StreamDataBlock{
		StreamID:           streamID,
		StartOffset:        start,
		EndOffset:          end,
		ObjectID:           objectID,
		BlockStartPosition: 0,
		BlockEndPosition:   blockSize,
	}
}

func defaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		StreamSplitSize:                64 << 20,
		MaxStreamObjectNumPerCommit:    500,
		MaxStreamNumPerStreamSetObject: 10000,
		CompactionCacheSize:            200 << 20,
	}
}

// Scenario: a single small object with one stream compacts into one plan,
// one COMPACT output, no exclusions.
func TestAnalyzer_singleSmallObject(t *testing.T) {
	a := NewCompactionAnalyzer(defaultAnalyzerConfig())
	blocks := map[int64][]StreamDataBlock{
		1: {block(1, 0, 100, 1, 1<<20)},
	}
	result := a.Analyze(blocks)

	require.Len(t, result.Plans, 1)
	require.Len(t, result.Plans[0].CompactedObjects, 1)
	assert.Equal(t, CompactTypeCompact, result.Plans[0].CompactedObjects[0].Type)
	assert.Empty(t, result.ExcludedObjectIDs)
}

// Scenario: cross-object merge - the same stream's contiguous blocks,
// scattered across two source objects, merge into one run/output.
func TestAnalyzer_crossObjectMerge(t *testing.T) {
	a := NewCompactionAnalyzer(defaultAnalyzerConfig())
	blocks := map[int64][]StreamDataBlock{
		1: {block(1, 0, 100, 1, 1<<20)},
		2: {block(1, 100, 200, 2, 1<<20)},
	}
	result := a.Analyze(blocks)

	require.Len(t, result.Plans, 1)
	require.Len(t, result.Plans[0].CompactedObjects, 1)
	assert.Len(t, result.Plans[0].CompactedObjects[0].Blocks, 2)
	assert.Equal(t, int64(2), result.Plans[0].TotalBytes()/(1<<20))
}

// Scenario: a run whose bytes exceed the per-plan budget splits into two
// dedicated, budget-sized plans for the same stream, continuation marked.
func TestAnalyzer_budgetSplitIntoTwoPlans(t *testing.T) {
	cfg := defaultAnalyzerConfig()
	cfg.CompactionCacheSize = 150 << 20 // smaller than the run
	a := NewCompactionAnalyzer(cfg)

	// One run of 2 blocks, 100MB each: 200MB total > 150MB cache.
	blocks := map[int64][]StreamDataBlock{
		1: {
			block(1, 0, 100, 1, 100<<20),
			block(1, 100, 200, 1, 100<<20),
		},
	}
	result := a.Analyze(blocks)

	require.Len(t, result.Plans, 2)
	assert.False(t, result.Plans[0].CompactedObjects[0].Continuation)
	assert.True(t, result.Plans[1].CompactedObjects[0].Continuation)
	assert.Empty(t, result.ExcludedObjectIDs)
}

// Scenario: two independent streams whose combined bytes exceed the cache
// each get their own plan (no splitting needed, just packing).
func TestAnalyzer_packsIntoMultiplePlansWhenOverBudget(t *testing.T) {
	cfg := defaultAnalyzerConfig()
	cfg.CompactionCacheSize = 10 << 20
	a := NewCompactionAnalyzer(cfg)

	blocks := map[int64][]StreamDataBlock{
		1: {block(1, 0, 100, 1, 8<<20)},
		2: {block(2, 0, 100, 2, 8<<20)},
	}
	result := a.Analyze(blocks)
	require.Len(t, result.Plans, 2)
}

// Scenario: fanout cap exceeded - SPLIT runs beyond MaxStreamObjectNumPerCommit
// are excluded, along with every object they touch.
func TestAnalyzer_fanoutCapExcludesExcessSplitRuns(t *testing.T) {
	cfg := defaultAnalyzerConfig()
	cfg.MaxStreamObjectNumPerCommit = 1
	a := NewCompactionAnalyzer(cfg)

	// Two independent streams, each large enough to be classified SPLIT.
	blocks := map[int64][]StreamDataBlock{
		1: {block(1, 0, 100, 1, 100<<20)},
		2: {block(2, 0, 100, 2, 100<<20)},
	}
	result := a.Analyze(blocks)

	// Only one SPLIT run admitted.
	totalOutputs := 0
	for _, p := range result.Plans {
		totalOutputs += len(p.CompactedObjects)
	}
	assert.Equal(t, 1, totalOutputs)
	require.Len(t, result.ExcludedObjectIDs, 1)
}

// Stream cap invariant: COMPACT streams beyond MaxStreamNumPerStreamSetObject
// are excluded deterministically by stream id order.
func TestAnalyzer_streamCapExcludesExcessCompactStreams(t *testing.T) {
	cfg := defaultAnalyzerConfig()
	cfg.MaxStreamNumPerStreamSetObject = 2
	a := NewCompactionAnalyzer(cfg)

	blocks := map[int64][]StreamDataBlock{
		1: {block(1, 0, 100, 1, 1<<20)},
		2: {block(2, 0, 100, 2, 1<<20)},
		3: {block(3, 0, 100, 3, 1<<20)},
	}
	result := a.Analyze(blocks)

	var streamsSeen []int64
	for _, p := range result.Plans {
		for _, c := range p.CompactedObjects {
			streamsSeen = append(streamsSeen, c.StreamID())
		}
	}
	assert.Len(t, streamsSeen, 2)
	assert.Contains(t, streamsSeen, int64(1))
	assert.Contains(t, streamsSeen, int64(2))
	assert.Equal(t, []int64{3}, result.ExcludedObjectIDs)
}

// Coverage + all-or-nothing exclusion: an object that contributes to both
// an admitted run and an excluded run must itself be fully excluded, and
// the admitted run that shared it is dragged out too (fixpoint propagation).
func TestAnalyzer_exclusionPropagatesAcrossSharedObjects(t *testing.T) {
	cfg := defaultAnalyzerConfig()
	cfg.MaxStreamNumPerStreamSetObject = 1
	a := NewCompactionAnalyzer(cfg)

	// Object 1 contributes to both stream 1 (admitted, first in order) and
	// stream 2 (excluded by the stream cap). Object 1 must be excluded
	// entirely, and since stream 1's only block lives in object 1, stream
	// 1's run is excluded too even though it was under the cap.
	blocks := map[int64][]StreamDataBlock{
		1: {
			block(1, 0, 100, 1, 1<<20),
			block(2, 0, 100, 1, 1<<20),
		},
	}
	result := a.Analyze(blocks)

	assert.Empty(t, result.Plans)
	assert.Equal(t, []int64{1}, result.ExcludedObjectIDs)
}

// Determinism: identical input produces byte-identical plans across runs.
func TestAnalyzer_isDeterministic(t *testing.T) {
	a := NewCompactionAnalyzer(defaultAnalyzerConfig())
	blocks := map[int64][]StreamDataBlock{
		3: {block(3, 0, 100, 3, 1<<20)},
		1: {block(1, 0, 100, 1, 1<<20)},
		2: {block(2, 0, 100, 2, 1<<20)},
	}

	first := a.Analyze(blocks)
	second := a.Analyze(blocks)
	assert.Equal(t, first, second)
}

// Idempotence under no-op: an empty block map produces no plans, no
// exclusions, and doesn't panic.
func TestAnalyzer_emptyInputIsNoop(t *testing.T) {
	a := NewCompactionAnalyzer(defaultAnalyzerConfig())
	result := a.Analyze(map[int64][]StreamDataBlock{})
	assert.Empty(t, result.Plans)
	assert.Empty(t, result.ExcludedObjectIDs)
}

// Classification: a run at or above StreamSplitSize becomes SPLIT; below
// it, COMPACT.
func TestAnalyzer_classifiesBySplitSizeThreshold(t *testing.T) {
	cfg := defaultAnalyzerConfig()
	cfg.StreamSplitSize = 10 << 20
	a := NewCompactionAnalyzer(cfg)

	blocks := map[int64][]StreamDataBlock{
		1: {block(1, 0, 100, 1, 10<<20)},  // exactly at threshold -> SPLIT
		2: {block(2, 0, 100, 2, 9<<20)},   // below -> COMPACT
	}
	result := a.Analyze(blocks)

	var gotSplit, gotCompact bool
	for _, p := range result.Plans {
		for _, c := range p.CompactedObjects {
			if c.Type == CompactTypeSplit {
				gotSplit = true
			}
			if c.Type == CompactTypeCompact {
				gotCompact = true
			}
		}
	}
	assert.True(t, gotSplit)
	assert.True(t, gotCompact)
}

// Contiguity: blocks belonging to different, non-contiguous offset spans within
// the same stream form separate runs, not one merged run.
func TestAnalyzer_nonContiguousBlocksFormSeparateRuns(t *testing.T) {
	a := NewCompactionAnalyzer(defaultAnalyzerConfig())
	blocks := map[int64][]StreamDataBlock{
		1: {block(1, 0, 100, 1, 1<<20)},
		2: {block(1, 200, 300, 2, 1<<20)}, // gap between 100 and 200
	}
	result := a.Analyze(blocks)

	var totalBlocksInOutputs int
	for _, p := range result.Plans {
		for _, c := range p.CompactedObjects {
			totalBlocksInOutputs += len(c.Blocks)
		}
	}
	// Two separate single-block runs, never merged into one CompactedObject.
	totalOutputs := 0
	for _, p := range result.Plans {
		totalOutputs += len(p.CompactedObjects)
	}
	assert.Equal(t, 2, totalOutputs)
	assert.Equal(t, 2, totalBlocksInOutputs)
}
