package compaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeStreamManager struct {
	streams map[int64]StreamMetadata
}

func (f *fakeStreamManager) GetStreams(ctx context.Context, streamIDs []int64) ([]StreamMetadata, error) {
	var out []StreamMetadata
	for _, id := range streamIDs {
		if m, ok := f.streams[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeIndexer struct {
	byObject map[int64][]StreamDataBlock
}

func (f *fakeIndexer) IndexBlocks(ctx context.Context, object S3ObjectMetadata) ([]StreamDataBlock, error) {
	return f.byObject[object.ObjectID], nil
}

func TestCompactionManager_RunOnce_commitsCompactedOutput(t *testing.T) {
	objects := newFakeObjectManager()
	objects.objectsToReturn = []S3ObjectMetadata{
		{ObjectID: 1, ObjectSize: 1000, DataTimeInMs: time.Now().UnixMilli()},
	}
	streams := &fakeStreamManager{streams: map[int64]StreamMetadata{1: {StreamID: 1, StartOffset: 0}}}
	indexer := &fakeIndexer{byObject: map[int64][]StreamDataBlock{
		1: {block(1, 0, 100, 1, 1<<20)},
	}}
	newWriter := func(ctx context.Context, objectID int64, bucket int16) (DataBlockWriter, error) {
		return newFakeWriter(bucket), nil
	}
	metrics := NewMetrics(nil)

	cfg := testConfig()
	m := NewCompactionManager(cfg, 0, objects, streams, indexer, fakeReader{}, newWriter, newWriter, metrics, nil)

	err := m.RunOnce(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, objects.commits)
}

func TestCompactionManager_Shutdown_noLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	objects := newFakeObjectManager()
	streams := &fakeStreamManager{}
	indexer := &fakeIndexer{byObject: map[int64][]StreamDataBlock{}}
	newWriter := func(ctx context.Context, objectID int64, bucket int16) (DataBlockWriter, error) {
		return newFakeWriter(bucket), nil
	}
	cfg := testConfig()
	cfg.CompactionInterval = time.Hour

	m := NewCompactionManager(cfg, 0, objects, streams, indexer, fakeReader{}, newWriter, newWriter, NewMetrics(nil), nil)

	require.NoError(t, m.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
}
