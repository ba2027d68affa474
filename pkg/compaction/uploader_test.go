package compaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploader_ChainWriteStreamSetObject_ordersWrites(t *testing.T) {
	objects := newFakeObjectManager()
	var writer *fakeWriter
	newWriter := func(ctx context.Context, objectID int64, bucket int16) (DataBlockWriter, error) {
		writer = newFakeWriter(bucket)
		return writer, nil
	}
	u := NewUploader(objects, newWriter, testConfig(), nil)

	blocksA := []StreamDataBlock{block(1, 0, 100, 1, 1<<20)}
	blocksA[0].Buffer = NewRefCountedBuffer(make([]byte, blocksA[0].BlockSize()))
	blocksB := []StreamDataBlock{block(1, 100, 200, 2, 1<<20)}
	blocksB[0].Buffer = NewRefCountedBuffer(make([]byte, blocksB[0].BlockSize()))

	require.NoError(t, u.ChainWriteStreamSetObject(context.Background(), 1, blocksA))
	require.NoError(t, u.ChainWriteStreamSetObject(context.Background(), 1, blocksB))

	require.Len(t, writer.blocks, 2)
	assert.Equal(t, int64(0), writer.blocks[0].StartOffset)
	assert.Equal(t, int64(100), writer.blocks[1].StartOffset)

	objectID, size, ranges, err := u.Complete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(100), objectID)
	assert.Equal(t, int64(2<<20), size)
	require.Len(t, ranges, 1)
	assert.Equal(t, StreamRange{StreamID: 1, Start: 0, End: 200}, ranges[0])
}

func TestUploader_WriteStreamObject(t *testing.T) {
	objects := newFakeObjectManager()
	newWriter := func(ctx context.Context, objectID int64, bucket int16) (DataBlockWriter, error) {
		return newFakeWriter(bucket), nil
	}
	u := NewUploader(objects, newWriter, testConfig(), nil)

	blocks := []StreamDataBlock{block(5, 0, 100, 9, 1<<20)}
	blocks[0].Buffer = NewRefCountedBuffer(make([]byte, blocks[0].BlockSize()))

	so, err := u.WriteStreamObject(context.Background(), 3, blocks)
	require.NoError(t, err)
	assert.Equal(t, int64(5), so.StreamID)
	assert.Equal(t, int16(3), so.Bucket)
	assert.Equal(t, int64(1<<20), so.Size)
}

func TestUploader_Complete_noopWhenNothingOpened(t *testing.T) {
	objects := newFakeObjectManager()
	newWriter := func(ctx context.Context, objectID int64, bucket int16) (DataBlockWriter, error) {
		t.Fatal("newWriter should not be called")
		return nil, nil
	}
	u := NewUploader(objects, newWriter, testConfig(), nil)

	objectID, size, ranges, err := u.Complete(context.Background())
	require.NoError(t, err)
	assert.Zero(t, objectID)
	assert.Zero(t, size)
	assert.Nil(t, ranges)
}
