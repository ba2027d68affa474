package compaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Run_singlePlanCompact(t *testing.T) {
	objects := newFakeObjectManager()
	var writer *fakeWriter
	newWriter := func(ctx context.Context, objectID int64, bucket int16) (DataBlockWriter, error) {
		writer = newFakeWriter(bucket)
		return writer, nil
	}
	uploader := NewUploader(objects, newWriter, testConfig(), nil)
	executor := NewExecutor(fakeReader{}, uploader, Disabled(), 4, testConfig(), nil)

	blocks := []StreamDataBlock{block(1, 0, 100, 7, 1<<20)}
	plan := CompactionPlan{
		ObjectBlocks:     map[int64][]StreamDataBlock{7: blocks},
		CompactedObjects: []CompactedObject{{Type: CompactTypeCompact, Blocks: blocks, Size: 1 << 20}},
	}

	objectID, size, ranges, streamObjects, err := executor.Run(context.Background(), []CompactionPlan{plan})
	require.NoError(t, err)
	assert.Equal(t, int64(100), objectID)
	assert.Equal(t, int64(1<<20), size)
	require.Len(t, ranges, 1)
	assert.Equal(t, StreamRange{StreamID: 1, Start: 0, End: 100}, ranges[0])
	assert.Empty(t, streamObjects)
	assert.Equal(t, int16(4), writer.bucket)
}

func TestExecutor_Run_splitAndCompactInSamePlan(t *testing.T) {
	objects := newFakeObjectManager()
	newWriter := func(ctx context.Context, objectID int64, bucket int16) (DataBlockWriter, error) {
		return newFakeWriter(bucket), nil
	}
	uploader := NewUploader(objects, newWriter, testConfig(), nil)
	executor := NewExecutor(fakeReader{}, uploader, Disabled(), 4, testConfig(), nil)

	compactBlocks := []StreamDataBlock{block(1, 0, 100, 7, 1<<20)}
	splitBlocks := []StreamDataBlock{block(2, 0, 100, 8, 1<<20)}
	plan := CompactionPlan{
		ObjectBlocks: map[int64][]StreamDataBlock{7: compactBlocks, 8: splitBlocks},
		CompactedObjects: []CompactedObject{
			{Type: CompactTypeCompact, Blocks: compactBlocks, Size: 1 << 20},
			{Type: CompactTypeSplit, Blocks: splitBlocks, Size: 1 << 20},
		},
	}

	_, _, _, streamObjects, err := executor.Run(context.Background(), []CompactionPlan{plan})
	require.NoError(t, err)
	require.Len(t, streamObjects, 1)
	assert.Equal(t, int64(2), streamObjects[0].StreamID)
}
