package compaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanityChecker_Verify_fullCoverage(t *testing.T) {
	s := NewSanityChecker()
	admitted := []CompactedObject{
		{Type: CompactTypeCompact, Blocks: []StreamDataBlock{block(1, 0, 100, 1, 1)}},
		{Type: CompactTypeSplit, Blocks: []StreamDataBlock{block(2, 0, 50, 2, 1)}},
	}
	ranges := []StreamRange{{StreamID: 1, Start: 0, End: 100}}
	streamObjects := []StreamObject{{StreamID: 2, Start: 0, End: 50}}

	assert.NoError(t, s.Verify(admitted, ranges, streamObjects))
}

func TestSanityChecker_Verify_detectsGap(t *testing.T) {
	s := NewSanityChecker()
	admitted := []CompactedObject{
		{Type: CompactTypeCompact, Blocks: []StreamDataBlock{block(1, 0, 100, 1, 1)}},
	}
	// Output only covers half the admitted block's range.
	ranges := []StreamRange{{StreamID: 1, Start: 0, End: 50}}

	err := s.Verify(admitted, ranges, nil)
	assert.ErrorIs(t, err, ErrSanityViolation)
}

func TestSanityChecker_Verify_mergesAdjacentRanges(t *testing.T) {
	s := NewSanityChecker()
	admitted := []CompactedObject{
		{Type: CompactTypeCompact, Blocks: []StreamDataBlock{block(1, 0, 100, 1, 1)}},
	}
	// Two adjacent ranges that together cover the admitted block.
	ranges := []StreamRange{
		{StreamID: 1, Start: 50, End: 100},
		{StreamID: 1, Start: 0, End: 50},
	}
	assert.NoError(t, s.Verify(admitted, ranges, nil))
}
