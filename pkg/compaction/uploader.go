package compaction

import (
	"context"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// WriterFactory opens a fresh DataBlockWriter for a reserved object id in
// the given bucket.
type WriterFactory func(ctx context.Context, objectID int64, bucket int16) (DataBlockWriter, error)

// Uploader chain-writes one shared stream-set output object from ordered
// COMPACT contributions, and writes stand-alone stream objects for SPLIT
// contributions (spec.md §4.1 Uploader row, §4.6 rule 2).
type Uploader struct {
	objects       ObjectManager
	newWriter     WriterFactory
	cfg           Config
	logger        log.Logger

	mu             sync.Mutex
	sharedWriter   DataBlockWriter
	sharedObjectID int64
	sharedBucket   int16
	sharedOpen     bool
	chainTail      chan struct{} // closed once the previous chained write completes

	streamRanges []StreamRange
	bytesWritten atomic.Int64
}

// NewUploader builds an Uploader. The destination bucket is passed to each
// write call; the first chained write picks the bucket of the shared
// stream-set output object.
func NewUploader(objects ObjectManager, newWriter WriterFactory, cfg Config, logger log.Logger) *Uploader {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	tail := make(chan struct{})
	close(tail) // nothing to wait on yet
	return &Uploader{objects: objects, newWriter: newWriter, cfg: cfg, logger: logger, chainTail: tail}
}

// ensureSharedWriter lazily reserves and opens the shared stream-set
// output object on first use.
func (u *Uploader) ensureSharedWriter(ctx context.Context, bucket int16) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.sharedOpen {
		return nil
	}

	objectID, err := u.objects.PrepareObject(ctx, 1, u.cfg.ObjectTTL)
	if err != nil {
		return errors.Wrap(ErrWriteFailure, "prepare stream-set output object: "+err.Error())
	}
	writer, err := u.newWriter(ctx, objectID, bucket)
	if err != nil {
		return errors.Wrap(ErrWriteFailure, "open stream-set output writer: "+err.Error())
	}

	u.sharedWriter = writer
	u.sharedObjectID = objectID
	u.sharedBucket = bucket
	u.sharedOpen = true
	return nil
}

// ChainWriteStreamSetObject appends blocks to the single shared output
// object. Calls are strictly chained: each write only starts once its
// predecessor has finished, so the byte layout equals planner order
// (spec.md §5: "Within the single output stream-set object, COMPACT
// contributions are written in a strictly chained sequence").
func (u *Uploader) ChainWriteStreamSetObject(ctx context.Context, bucket int16, blocks []StreamDataBlock) error {
	if err := u.ensureSharedWriter(ctx, bucket); err != nil {
		return err
	}

	u.mu.Lock()
	prevTail := u.chainTail
	myTail := make(chan struct{})
	u.chainTail = myTail
	u.mu.Unlock()
	defer close(myTail)

	select {
	case <-prevTail:
	case <-ctx.Done():
		return errors.Wrap(ErrCancelled, ctx.Err().Error())
	}

	start := blocks[0].StartOffset
	for _, b := range blocks {
		if err := u.sharedWriter.Write(ctx, b); err != nil {
			releaseAll(blocks)
			return errors.Wrap(ErrWriteFailure, err.Error())
		}
	}
	end := blocks[len(blocks)-1].EndOffset
	u.bytesWritten.Add(sumSizes(blocks))
	releaseAll(blocks)

	u.mu.Lock()
	u.appendStreamRange(blocks[0].StreamID, start, end)
	u.mu.Unlock()
	return nil
}

// appendStreamRange merges a newly-written span into streamRanges,
// extending the last range for this stream if contiguous, per spec.md
// §4.4 rule 6 ("written grouped by stream ... so the final range list is
// contiguous per stream"). Must be called with mu held.
func (u *Uploader) appendStreamRange(streamID, start, end int64) {
	if n := len(u.streamRanges); n > 0 {
		last := &u.streamRanges[n-1]
		if last.StreamID == streamID && last.End == start {
			last.End = end
			return
		}
	}
	u.streamRanges = append(u.streamRanges, StreamRange{StreamID: streamID, Start: start, End: end})
}

// WriteStreamObject writes a SPLIT contribution to its own fresh object.
func (u *Uploader) WriteStreamObject(ctx context.Context, bucket int16, blocks []StreamDataBlock) (StreamObject, error) {
	objectID, err := u.objects.PrepareObject(ctx, 1, u.cfg.ObjectTTL)
	if err != nil {
		return StreamObject{}, errors.Wrap(ErrWriteFailure, "prepare stream object: "+err.Error())
	}
	writer, err := u.newWriter(ctx, objectID, bucket)
	if err != nil {
		return StreamObject{}, errors.Wrap(ErrWriteFailure, "open stream object writer: "+err.Error())
	}
	for _, b := range blocks {
		if err := writer.Write(ctx, b); err != nil {
			releaseAll(blocks)
			return StreamObject{}, errors.Wrap(ErrWriteFailure, err.Error())
		}
	}
	if err := writer.Close(ctx); err != nil {
		releaseAll(blocks)
		return StreamObject{}, errors.Wrap(ErrWriteFailure, err.Error())
	}

	so := StreamObject{
		ObjectID: objectID,
		StreamID: blocks[0].StreamID,
		Start:    blocks[0].StartOffset,
		End:      blocks[len(blocks)-1].EndOffset,
		Size:     writer.Size(),
		Bucket:   writer.BucketID(),
	}
	u.bytesWritten.Add(so.Size)
	releaseAll(blocks)
	return so, nil
}

// Complete finalizes the shared output object, if one was opened, and
// returns its id, size, and the final per-stream ranges.
func (u *Uploader) Complete(ctx context.Context) (objectID int64, size int64, ranges []StreamRange, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.sharedOpen {
		return 0, 0, nil, nil
	}
	if err := u.sharedWriter.Close(ctx); err != nil {
		return 0, 0, nil, errors.Wrap(ErrWriteFailure, err.Error())
	}
	size = u.sharedWriter.Size()
	level.Info(u.logger).Log("msg", "stream-set output object finalized", "object", u.sharedObjectID, "size", humanize.Bytes(uint64(size)))
	return u.sharedObjectID, size, u.streamRanges, nil
}

// ForceFlush closes the shared output writer on failure (spec.md §4.6 rule
// 3: "On any failure, force-flush the uploader, release all buffers,
// abort the run"). Closing flushes and finalizes whatever was written; the
// object is not committed, since the run returns an error. It is always
// safe to call, even if nothing was opened.
func (u *Uploader) ForceFlush(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.sharedOpen {
		return
	}
	if err := u.sharedWriter.Close(ctx); err != nil {
		level.Warn(u.logger).Log("msg", "failed to close stream-set output writer during force flush", "err", err)
	}
}

// BytesWritten returns the cumulative bytes written across the shared
// output and every stand-alone stream object.
func (u *Uploader) BytesWritten() int64 {
	return u.bytesWritten.Load()
}
