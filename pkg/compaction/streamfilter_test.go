package compaction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamFilter_Apply(t *testing.T) {
	f := NewStreamFilter()

	blocksByObject := map[int64][]StreamDataBlock{
		1: {
			{StreamID: 10, StartOffset: 0, EndOffset: 100, ObjectID: 1},  // trimmed away
			{StreamID: 20, StartOffset: 50, EndOffset: 150, ObjectID: 1}, // survives
		},
		2: {
			{StreamID: 30, StartOffset: 0, EndOffset: 50, ObjectID: 2}, // stream gone entirely
		},
		3: {
			{StreamID: 20, StartOffset: 150, EndOffset: 200, ObjectID: 3},
		},
	}
	streams := []StreamMetadata{
		{StreamID: 10, StartOffset: 100}, // everything in object 1's block 10 is trimmed
		{StreamID: 20, StartOffset: 60},  // partially trims object 1's block 20... but EndOffset>StartOffset survives
	}

	result := f.Apply(blocksByObject, streams)

	// object 1: block for stream 10 dropped (EndOffset <= trim point), block for stream 20 kept
	assert.Len(t, result.Blocks[1], 1)
	assert.Equal(t, int64(20), result.Blocks[1][0].StreamID)

	// object 2: stream 30 absent from live streams entirely -> out of date
	assert.Contains(t, result.OutOfDateObjectIDs, int64(2))
	assert.NotContains(t, result.Blocks, int64(2))

	// object 3: stream 20 absent from streams slice? No, stream 20 is live;
	// block's EndOffset (200) > StartOffset (60), so it survives.
	assert.Len(t, result.Blocks[3], 1)
}

func TestStreamFilter_Apply_allTrimmed(t *testing.T) {
	f := NewStreamFilter()
	blocksByObject := map[int64][]StreamDataBlock{
		1: {{StreamID: 1, StartOffset: 0, EndOffset: 10, ObjectID: 1}},
	}
	streams := []StreamMetadata{{StreamID: 1, StartOffset: 10}}

	result := f.Apply(blocksByObject, streams)
	assert.Empty(t, result.Blocks)
	assert.Equal(t, []int64{1}, result.OutOfDateObjectIDs)
}
