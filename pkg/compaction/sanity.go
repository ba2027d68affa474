package compaction

import (
	"sort"

	"github.com/pkg/errors"
)

// SanityChecker verifies that every input block the planner admitted for
// this run ends up covered by the run's output, before the commit request
// is ever submitted (spec.md §4.8, "Coverage" invariant in §8).
type SanityChecker struct{}

// NewSanityChecker builds a SanityChecker. It is stateless.
func NewSanityChecker() *SanityChecker {
	return &SanityChecker{}
}

// Verify checks that the union of streamRanges (the rewritten stream-set
// output) and streamObjects (SPLIT outputs) covers every admitted block's
// [StartOffset, EndOffset) for its stream. admitted is every CompactedObject
// consumed across all plans of the run. On any gap it returns
// ErrSanityViolation and the caller must not submit the commit.
func (s *SanityChecker) Verify(admitted []CompactedObject, streamRanges []StreamRange, streamObjects []StreamObject) error {
	covered := buildCoverage(streamRanges, streamObjects)

	for _, c := range admitted {
		for _, b := range c.Blocks {
			if !covered.coversBlock(b) {
				return errors.Wrapf(ErrSanityViolation, "stream %d [%d,%d) from object %d not covered by run output", b.StreamID, b.StartOffset, b.EndOffset, b.ObjectID)
			}
		}
	}
	return nil
}

// coverage is a merged, per-stream set of covered intervals.
type coverage struct {
	byStream map[int64][]StreamRange
}

func buildCoverage(streamRanges []StreamRange, streamObjects []StreamObject) coverage {
	byStream := make(map[int64][]StreamRange)
	for _, r := range streamRanges {
		byStream[r.StreamID] = append(byStream[r.StreamID], r)
	}
	for _, so := range streamObjects {
		byStream[so.StreamID] = append(byStream[so.StreamID], StreamRange{StreamID: so.StreamID, Start: so.Start, End: so.End})
	}
	for streamID, ranges := range byStream {
		byStream[streamID] = mergeRanges(ranges)
	}
	return coverage{byStream: byStream}
}

// mergeRanges sorts and coalesces overlapping/adjacent ranges for one
// stream, so coversBlock never has to check more than the covering pair.
func mergeRanges(ranges []StreamRange) []StreamRange {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	merged := ranges[:0:0]
	for _, r := range ranges {
		if n := len(merged); n > 0 && merged[n-1].End >= r.Start {
			if r.End > merged[n-1].End {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

func (c coverage) coversBlock(b StreamDataBlock) bool {
	for _, r := range c.byStream[b.StreamID] {
		if r.covers(b.StartOffset, b.EndOffset) {
			return true
		}
	}
	return false
}
