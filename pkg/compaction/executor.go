package compaction

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Executor runs an ordered list of CompactionPlans against the object
// store, chaining COMPACT writes onto the shared output object and
// running SPLIT writes independently (spec.md §4.6).
type Executor struct {
	reader   DataBlockReader
	uploader *Uploader
	throttle *Throttle
	bucket   int16
	cfg      Config
	logger   log.Logger
}

// NewExecutor builds an Executor. bucket is the destination bucket for
// the shared stream-set output object produced by this run.
func NewExecutor(reader DataBlockReader, uploader *Uploader, throttle *Throttle, bucket int16, cfg Config, logger log.Logger) *Executor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Executor{reader: reader, uploader: uploader, throttle: throttle, bucket: bucket, cfg: cfg, logger: logger}
}

// Run executes plans in order and returns the final commit pieces once
// every plan has completed. On any read/write failure it force-flushes
// the uploader and returns the wrapped error; no partial commit is ever
// built (spec.md §7).
func (e *Executor) Run(ctx context.Context, plans []CompactionPlan) (objectID int64, objectSize int64, ranges []StreamRange, streamObjects []StreamObject, err error) {
	for i, plan := range plans {
		if err := ctx.Err(); err != nil {
			e.uploader.ForceFlush(ctx)
			return 0, 0, nil, nil, errors.Wrap(ErrCancelled, err.Error())
		}

		objs, err := e.runPlan(ctx, plan)
		if err != nil {
			e.uploader.ForceFlush(ctx)
			return 0, 0, nil, nil, err
		}
		streamObjects = append(streamObjects, objs...)

		level.Debug(e.logger).Log("msg", "plan completed", "index", i, "bytes", plan.TotalBytes(), "outputs", len(plan.CompactedObjects))
	}

	objectID, objectSize, ranges, err = e.uploader.Complete(ctx)
	if err != nil {
		return 0, 0, nil, nil, err
	}
	return objectID, objectSize, ranges, streamObjects, nil
}

// runPlan reads the plan's blocks from each source object, then fans its
// CompactedObjects out to the uploader, awaiting all writes before
// returning (spec.md §4.6 rules 1-3).
func (e *Executor) runPlan(ctx context.Context, plan CompactionPlan) ([]StreamObject, error) {
	if err := e.throttle.WaitN(ctx, int(plan.TotalBytes())); err != nil {
		return nil, errors.Wrap(ErrCancelled, err.Error())
	}

	g, gctx := errgroup.WithContext(ctx)
	for objectID, blocks := range plan.ObjectBlocks {
		objectID, blocks := objectID, blocks
		g.Go(func() error {
			if err := e.reader.ReadBlocks(gctx, blocks, e.cfg.NetworkBaselineBandwidth); err != nil {
				return errors.Wrapf(ErrReadFailure, "object %d: %v", objectID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var compacts [][]StreamDataBlock
	var mu chanResultCollector
	writeGroup, wctx := errgroup.WithContext(ctx)
	for _, cobj := range plan.CompactedObjects {
		cobj := cobj
		switch cobj.Type {
		case CompactTypeSplit:
			writeGroup.Go(func() error {
				so, err := e.uploader.WriteStreamObject(wctx, e.bucket, cobj.Blocks)
				if err != nil {
					return err
				}
				mu.add(so)
				return nil
			})
		case CompactTypeCompact:
			compacts = append(compacts, cobj.Blocks)
		}
	}
	// COMPACT contributions are issued one after another from a single
	// goroutine, in plan order, so the Uploader's chain receives them in
	// planner order; the goroutine still runs inside the group so Run's
	// error handling stays uniform.
	if len(compacts) > 0 {
		writeGroup.Go(func() error {
			for _, blocks := range compacts {
				if err := e.uploader.ChainWriteStreamSetObject(wctx, e.bucket, blocks); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := writeGroup.Wait(); err != nil {
		return nil, err
	}

	return mu.results, nil
}

// chanResultCollector collects StreamObjects produced by concurrent SPLIT
// writes within one plan.
type chanResultCollector struct {
	mu      sync.Mutex
	results []StreamObject
}

func (c *chanResultCollector) add(so StreamObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, so)
}
