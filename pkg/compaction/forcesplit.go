package compaction

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/pkg/errors"
)

// ForceSplitter rewrites aged stream-set objects into per-stream stream
// objects without cross-object merging (spec.md §4.5).
type ForceSplitter struct {
	objects   ObjectManager
	reader    DataBlockReader
	writerFor WriterFactory
	throttle  *Throttle
	cfg       Config
	logger    log.Logger
}

// NewForceSplitter builds a ForceSplitter. writerFor opens a fresh
// DataBlockWriter for a reserved object id, the same factory type the
// Uploader uses.
func NewForceSplitter(objects ObjectManager, reader DataBlockReader, writerFor WriterFactory, throttle *Throttle, cfg Config, logger log.Logger) *ForceSplitter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &ForceSplitter{objects: objects, reader: reader, writerFor: writerFor, throttle: throttle, cfg: cfg, logger: logger}
}

// ForceSplitResult is the outcome of splitting one source object.
type ForceSplitResult struct {
	StreamObjects []StreamObject
	// Failed is true if the object could not be force-split and was
	// skipped; per spec.md §4.5 rule 3/§7, this error is isolated and
	// does not abort other objects.
	Failed bool
}

// SplitObject force-splits one source object's (already stream-filtered)
// blocks.
func (fs *ForceSplitter) SplitObject(ctx context.Context, objectID int64, bucket int16, blocks []StreamDataBlock) ForceSplitResult {
	runs := groupContiguousRuns(blocks)
	if len(runs) == 0 {
		return ForceSplitResult{}
	}

	batches, err := batchRuns(runs, fs.cfg.CompactionCacheSize)
	if err != nil {
		level.Error(fs.logger).Log("msg", "force-split unsplittable run, skipping object", "object", objectID, "err", err)
		return ForceSplitResult{Failed: true}
	}

	var streamObjects []StreamObject
	for _, batch := range batches {
		objs, err := fs.flushBatch(ctx, bucket, batch)
		if err != nil {
			level.Error(fs.logger).Log("msg", "force-split batch failed, skipping object", "object", objectID, "err", err)
			return ForceSplitResult{Failed: true}
		}
		streamObjects = append(streamObjects, objs...)
	}

	return ForceSplitResult{StreamObjects: streamObjects}
}

func (fs *ForceSplitter) flushBatch(ctx context.Context, bucket int16, batch []run) ([]StreamObject, error) {
	firstID, err := fs.objects.PrepareObject(ctx, len(batch), fs.cfg.ObjectTTL)
	if err != nil {
		return nil, errors.Wrap(ErrWriteFailure, "prepare object ids: "+err.Error())
	}

	var totalBytes int64
	allBlocks := make([]StreamDataBlock, 0)
	for _, r := range batch {
		totalBytes += r.bytes
		allBlocks = append(allBlocks, r.blocks...)
	}
	if err := fs.throttle.WaitN(ctx, int(totalBytes)); err != nil {
		return nil, errors.Wrap(ErrCancelled, err.Error())
	}
	if err := fs.reader.ReadBlocks(ctx, allBlocks, fs.cfg.NetworkBaselineBandwidth); err != nil {
		return nil, errors.Wrap(ErrReadFailure, err.Error())
	}

	results := make([]StreamObject, len(batch))
	err = concurrency.ForEachJob(ctx, len(batch), len(batch), func(ctx context.Context, idx int) error {
		r := batch[idx]
		objectID := firstID + int64(idx)

		writer, err := fs.writerFor(ctx, objectID, bucket)
		if err != nil {
			return errors.Wrap(ErrWriteFailure, err.Error())
		}
		for _, b := range r.blocks {
			if err := writer.Write(ctx, b); err != nil {
				releaseAll(r.blocks)
				return errors.Wrap(ErrWriteFailure, err.Error())
			}
		}
		if err := writer.Close(ctx); err != nil {
			releaseAll(r.blocks)
			return errors.Wrap(ErrWriteFailure, err.Error())
		}

		results[idx] = StreamObject{
			ObjectID: objectID,
			StreamID: r.streamID,
			Start:    r.blocks[0].StartOffset,
			End:      r.blocks[len(r.blocks)-1].EndOffset,
			Size:     writer.Size(),
			Bucket:   writer.BucketID(),
		}
		releaseAll(r.blocks)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return results, nil
}

func releaseAll(blocks []StreamDataBlock) {
	for _, b := range blocks {
		if b.Buffer != nil {
			b.Buffer.Release()
		}
	}
}

// groupContiguousRuns groups blocks (of possibly many streams, all from
// one source object) into per-stream contiguous runs.
func groupContiguousRuns(blocks []StreamDataBlock) []run {
	byStream := make(map[int64][]StreamDataBlock)
	for _, b := range blocks {
		byStream[b.StreamID] = append(byStream[b.StreamID], b)
	}

	streamIDs := make([]int64, 0, len(byStream))
	for id := range byStream {
		streamIDs = append(streamIDs, id)
	}
	sortInt64s(streamIDs)

	var runs []run
	for _, streamID := range streamIDs {
		blocks := byStream[streamID]
		sortBlocksByOffset(blocks)

		var current run
		for _, b := range blocks {
			if len(current.blocks) > 0 && !b.contiguousWith(current.blocks[len(current.blocks)-1]) {
				runs = append(runs, current)
				current = run{}
			}
			if len(current.blocks) == 0 {
				current.streamID = streamID
			}
			current.blocks = append(current.blocks, b)
			current.bytes += b.BlockSize()
		}
		if len(current.blocks) > 0 {
			runs = append(runs, current)
		}
	}
	return runs
}

// batchRuns accumulates whole runs until the next one would exceed
// cacheSize, then starts a new batch (spec.md §4.5 rule 2). A run that
// alone exceeds cacheSize makes its object unsplittable under the current
// cache (rule 3).
func batchRuns(runs []run, cacheSize int64) ([][]run, error) {
	var batches [][]run
	var current []run
	var currentBytes int64

	for _, r := range runs {
		if r.bytes > cacheSize {
			return nil, errors.Errorf("run for stream %d is %d bytes, exceeds cache size %d", r.streamID, r.bytes, cacheSize)
		}
		if currentBytes+r.bytes > cacheSize {
			batches = append(batches, current)
			current = nil
			currentBytes = 0
		}
		current = append(current, r)
		currentBytes += r.bytes
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches, nil
}
