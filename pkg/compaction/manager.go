package compaction

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/multierror"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
)

// newRunID generates a sortable, collision-resistant id correlating every
// log line from one compaction pass, the same way the teacher correlates a
// block's own lifecycle by its ULID.
func newRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// State is the CompactionManager's lifecycle state (spec.md §4.8).
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCancelled
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateShutDown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// commitRetryConfig bounds retries of a single commitStreamSetObject call;
// a run that still fails after these retries is abandoned and picked up
// again on the next scheduled tick.
var commitRetryConfig = backoff.Config{
	MinBackoff: 500 * time.Millisecond,
	MaxBackoff: 5 * time.Second,
	MaxRetries: 3,
}

// CompactionManager is the state machine that drives one compaction run
// end to end: index -> filter -> classify -> (force-split | analyze ->
// execute) -> sanity-check -> commit (spec.md §4.8).
type CompactionManager struct {
	cfg            Config
	bucket         int16
	objects        ObjectManager
	streams        StreamManager
	blockIdx       *BlockIndex
	filter         *StreamFilter
	classify       *Classifier
	analyzer       *CompactionAnalyzer
	sanity         *SanityChecker
	reader         DataBlockReader
	newWriter      WriterFactory
	splitWriterFor WriterFactory
	metrics        *Metrics
	logger         log.Logger

	mu      sync.Mutex
	state   State
	lastErr error
	lastRun time.Time
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewCompactionManager wires every collaborator into one manager. bucket
// selects the destination bucket for rewritten/split output objects.
func NewCompactionManager(
	cfg Config,
	bucket int16,
	objects ObjectManager,
	streams StreamManager,
	indexer ObjectIndexer,
	reader DataBlockReader,
	newWriter WriterFactory,
	splitWriterFor WriterFactory,
	metrics *Metrics,
	logger log.Logger,
) *CompactionManager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &CompactionManager{
		cfg:      cfg,
		bucket:   bucket,
		objects:  objects,
		streams:  streams,
		blockIdx: NewBlockIndex(indexer, 16, logger),
		filter:   NewStreamFilter(),
		classify: NewClassifier(cfg),
		analyzer: NewCompactionAnalyzer(AnalyzerConfig{
			StreamSplitSize:                cfg.StreamSetObjectCompactionStreamSplitSize,
			MaxStreamObjectNumPerCommit:    cfg.MaxStreamObjectNumPerCommit,
			MaxStreamNumPerStreamSetObject: cfg.MaxStreamNumPerStreamSetObject,
			CompactionCacheSize:            cfg.CompactionCacheSize,
		}),
		sanity:         NewSanityChecker(),
		reader:         reader,
		newWriter:      newWriter,
		splitWriterFor: splitWriterFor,
		metrics:        metrics,
		logger:         logger,
		state:          StateIdle,
	}
}

// Start launches the scheduling loop in the background and returns
// immediately. It is an error to call Start twice.
func (m *CompactionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle || m.stopped != nil {
		m.mu.Unlock()
		return errors.New("compaction: manager already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})
	m.mu.Unlock()

	go m.loop(runCtx)
	return nil
}

// loop runs the first compaction pass after cfg.CompactionInterval. After
// each pass the next delay is cfg.CompactionInterval minus the time the pass
// took, floored at MinRescheduleDelay; when a pass reports
// HasRemainingObjects the next delay is MinRescheduleDelay (spec.md §4.8).
func (m *CompactionManager) loop(ctx context.Context) {
	defer close(m.stopped)

	delay := m.cfg.CompactionInterval
	for {
		select {
		case <-ctx.Done():
			m.setState(StateCancelled)
			return
		case <-time.After(delay):
		}

		start := time.Now()
		hasRemaining, err := m.runOnce(ctx)
		if err != nil && (errors.Is(err, ErrShutdown) || errors.Is(err, ErrCancelled)) {
			return
		}

		delay = m.cfg.CompactionInterval - time.Since(start)
		if hasRemaining || delay < MinRescheduleDelay {
			delay = MinRescheduleDelay
		}
	}
}

// Shutdown cancels any in-flight run and waits for the loop to exit.
func (m *CompactionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateShutDown {
		m.mu.Unlock()
		return nil
	}
	m.state = StateShutDown
	cancel := m.cancel
	stopped := m.stopped
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopped == nil {
		return nil
	}
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *CompactionManager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Status is the admin/introspection snapshot of the manager's state.
type Status struct {
	State     string    `json:"state"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Status returns a point-in-time snapshot safe to serialize for an admin
// HTTP handler.
func (m *CompactionManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{State: m.state.String(), LastRunAt: m.lastRun}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// RunOnce exposes a single compaction pass for manual/admin invocation; it
// is the same pass the scheduling loop runs on a timer.
func (m *CompactionManager) RunOnce(ctx context.Context) error {
	_, err := m.runOnce(ctx)
	return err
}

// ForceSplitAll runs the force-split path against every candidate object
// regardless of age, bypassing the classifier's ForceSplitObjectPeriod
// check. Intended for an admin endpoint, not the scheduled loop.
func (m *CompactionManager) ForceSplitAll(ctx context.Context) error {
	m.setState(StateRunning)
	defer m.setState(StateIdle)

	candidates, err := m.objects.GetServerObjects(ctx)
	if err != nil {
		return errors.Wrap(ErrReadFailure, "get server objects: "+err.Error())
	}
	if len(candidates) == 0 {
		return nil
	}

	blocksByObject, err := m.blockIdx.Fetch(ctx, candidates, m.cfg.CompactionCacheSize)
	if err != nil {
		return err
	}
	streamMeta, err := m.streams.GetStreams(ctx, streamIDsOf(blocksByObject))
	if err != nil {
		return errors.Wrap(ErrReadFailure, "get streams: "+err.Error())
	}
	filtered := m.filter.Apply(blocksByObject, streamMeta)

	if _, err := m.runForceSplit(ctx, candidates, filtered.Blocks, Disabled()); err != nil {
		return err
	}
	return m.retireOutOfDate(ctx, filtered.OutOfDateObjectIDs)
}

// runOnce executes one full compaction pass: index, filter, classify,
// force-split the aged set, analyze+execute the rest, sanity-check, and
// commit. It returns whether candidates remained uncompacted, either from
// the classifier's MaxObjectNumToCompact cap or the analyzer excluding
// objects at its fanout/stream-count ceilings, so the scheduler can
// reschedule sooner in both cases.
func (m *CompactionManager) runOnce(ctx context.Context) (hasRemaining bool, err error) {
	runID := newRunID()
	logger := log.With(m.logger, "run_id", runID)

	m.setState(StateRunning)
	m.metrics.runsStarted.Inc()
	defer func() {
		m.mu.Lock()
		m.lastRun = time.Now()
		m.lastErr = err
		m.mu.Unlock()
		if err != nil {
			m.metrics.runsFailed.Inc()
			level.Error(logger).Log("msg", "compaction run failed", "err", err)
		} else {
			m.metrics.runsCompleted.Inc()
			level.Debug(logger).Log("msg", "compaction run completed")
		}
		m.setState(StateIdle)
	}()

	candidates, err := m.objects.GetServerObjects(ctx)
	if err != nil {
		return false, errors.Wrap(ErrReadFailure, "get server objects: "+err.Error())
	}
	m.metrics.candidateObjects.Set(float64(len(candidates)))
	if len(candidates) == 0 {
		return false, nil
	}
	level.Debug(logger).Log("msg", "compaction run starting", "candidates", len(candidates))

	now := time.Now()
	m.metrics.compactionDelaySeconds.Set(OldestAge(candidates, now).Seconds())

	class := m.classify.Classify(candidates, now)
	m.metrics.forceSplitObjects.Set(float64(len(class.ForceSplit)))
	hasRemaining = class.HasRemainingObjects

	all := append(append([]S3ObjectMetadata{}, class.ForceSplit...), class.Compact...)
	blocksByObject, err := m.blockIdx.Fetch(ctx, all, m.cfg.CompactionCacheSize)
	if err != nil {
		return hasRemaining, err
	}

	streamIDs := streamIDsOf(blocksByObject)
	streamMeta, err := m.streams.GetStreams(ctx, streamIDs)
	if err != nil {
		return hasRemaining, errors.Wrap(ErrReadFailure, "get streams: "+err.Error())
	}
	filtered := m.filter.Apply(blocksByObject, streamMeta)

	var merr multierror.MultiError
	retiredIDs := append([]int64{}, filtered.OutOfDateObjectIDs...)

	if len(class.ForceSplit) > 0 {
		if _, err := m.runForceSplit(ctx, class.ForceSplit, filtered.Blocks, class.Throttle); err != nil {
			merr.Add(err)
		}
	}

	compactBlocks := subsetByObject(filtered.Blocks, class.Compact)
	if len(compactBlocks) > 0 {
		excluded, err := m.runCompact(ctx, compactBlocks, class.Throttle)
		if err != nil {
			merr.Add(err)
		}
		hasRemaining = hasRemaining || excluded
	}

	if err := m.retireOutOfDate(ctx, retiredIDs); err != nil {
		merr.Add(err)
	}

	return hasRemaining, merr.Err()
}

// runForceSplit drives the force-split path for the aged candidate set,
// committing each split object independently so one object's failure
// never blocks the rest (spec.md §4.5 rule 3).
func (m *CompactionManager) runForceSplit(ctx context.Context, candidates []S3ObjectMetadata, blocks map[int64][]StreamDataBlock, throttle *Throttle) ([]int64, error) {
	splitter := NewForceSplitter(m.objects, m.reader, m.splitWriterFor, throttle, m.cfg, m.logger)

	var merr multierror.MultiError
	var retired []int64
	for _, obj := range candidates {
		objBlocks, ok := blocks[obj.ObjectID]
		if !ok {
			// No surviving blocks: already queued for retirement by the
			// caller via StreamFilter's OutOfDateObjectIDs.
			continue
		}
		result := splitter.SplitObject(ctx, obj.ObjectID, obj.Bucket, objBlocks)
		if result.Failed {
			continue
		}

		req := CommitStreamSetObjectRequest{
			StreamObjects:      result.StreamObjects,
			CompactedObjectIDs: []int64{obj.ObjectID},
		}
		if err := m.commitWithRetry(ctx, req); err != nil {
			merr.Add(err)
			continue
		}
		m.metrics.streamObjectsWritten.Add(float64(len(result.StreamObjects)))
		m.metrics.objectsCompacted.Inc()
		retired = append(retired, obj.ObjectID)
	}
	return retired, merr.Err()
}

// runCompact drives the analyze-execute-verify-commit path for the
// non-aged candidate set. It reports whether the analyzer excluded any
// object on this pass (fanout/stream-count ceilings), so the caller can
// reschedule sooner instead of waiting a full interval.
func (m *CompactionManager) runCompact(ctx context.Context, blocksByObject map[int64][]StreamDataBlock, throttle *Throttle) (hasExcluded bool, err error) {
	result := m.analyzer.Analyze(blocksByObject)
	m.metrics.excludedObjects.Set(float64(len(result.ExcludedObjectIDs)))
	m.metrics.planCount.Observe(float64(len(result.Plans)))
	hasExcluded = len(result.ExcludedObjectIDs) > 0
	if len(result.Plans) == 0 {
		return hasExcluded, nil
	}

	var admitted []CompactedObject
	compactedObjectIDs := make(map[int64]struct{})
	for _, plan := range result.Plans {
		m.metrics.planBytes.Observe(float64(plan.TotalBytes()))
		admitted = append(admitted, plan.CompactedObjects...)
		for objectID := range plan.ObjectBlocks {
			compactedObjectIDs[objectID] = struct{}{}
		}
	}

	uploader := NewUploader(m.objects, m.newWriter, m.cfg, m.logger)
	executor := NewExecutor(m.reader, uploader, throttle, m.bucket, m.cfg, m.logger)

	objectID, objectSize, ranges, streamObjects, err := executor.Run(ctx, result.Plans)
	if err != nil {
		return hasExcluded, err
	}
	m.metrics.bytesRead.Add(float64(sumPlanBytes(result.Plans)))
	m.metrics.bytesWritten.Add(float64(uploader.BytesWritten()))

	if err := m.sanity.Verify(admitted, ranges, streamObjects); err != nil {
		m.metrics.sanityFailures.Inc()
		return hasExcluded, err
	}

	ids := make([]int64, 0, len(compactedObjectIDs))
	var orderID int64
	first := true
	for id := range compactedObjectIDs {
		ids = append(ids, id)
		if first || id < orderID {
			orderID = id
			first = false
		}
	}
	sortInt64s(ids)

	req := CommitStreamSetObjectRequest{
		ObjectID:           objectID,
		OrderID:            orderID,
		ObjectSize:         objectSize,
		StreamRanges:       ranges,
		StreamObjects:      streamObjects,
		CompactedObjectIDs: ids,
	}
	if err := m.commitWithRetry(ctx, req); err != nil {
		return hasExcluded, err
	}
	m.metrics.streamObjectsWritten.Add(float64(len(streamObjects)))
	m.metrics.objectsCompacted.Add(float64(len(ids)))
	return hasExcluded, nil
}

// retireOutOfDate commits deletion-only requests for objects whose blocks
// were entirely trimmed away by the StreamFilter.
func (m *CompactionManager) retireOutOfDate(ctx context.Context, objectIDs []int64) error {
	if len(objectIDs) == 0 {
		return nil
	}
	req := CommitStreamSetObjectRequest{CompactedObjectIDs: objectIDs}
	return m.commitWithRetry(ctx, req)
}

func (m *CompactionManager) commitWithRetry(ctx context.Context, req CommitStreamSetObjectRequest) error {
	b := backoff.New(ctx, commitRetryConfig)
	var lastErr error
	for b.Ongoing() {
		if err := m.objects.CommitStreamSetObject(ctx, req); err != nil {
			lastErr = err
			level.Warn(m.logger).Log("msg", "commit failed, retrying", "attempt", b.NumRetries(), "err", err)
			b.Wait()
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = b.Err()
	}
	return errors.Wrap(ErrCommitFailure, lastErr.Error())
}

func streamIDsOf(blocksByObject map[int64][]StreamDataBlock) []int64 {
	seen := make(map[int64]struct{})
	for _, blocks := range blocksByObject {
		for _, b := range blocks {
			seen[b.StreamID] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sortInt64s(ids)
	return ids
}

func subsetByObject(blocks map[int64][]StreamDataBlock, objects []S3ObjectMetadata) map[int64][]StreamDataBlock {
	out := make(map[int64][]StreamDataBlock, len(objects))
	for _, obj := range objects {
		if b, ok := blocks[obj.ObjectID]; ok {
			out[obj.ObjectID] = b
		}
	}
	return out
}

func sumPlanBytes(plans []CompactionPlan) int64 {
	var total int64
	for _, p := range plans {
		total += p.TotalBytes()
	}
	return total
}
