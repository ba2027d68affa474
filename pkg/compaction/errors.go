package compaction

import "errors"

// Sentinel error kinds, per spec.md §7. Use errors.Is against these; wrap
// with github.com/pkg/errors.Wrap/Wrapf to attach context as the error
// propagates up through the pipeline.
var (
	// ErrConfigurationInvalid is returned by Config.Validate.
	ErrConfigurationInvalid = errors.New("compaction: invalid configuration")

	// ErrBlockTooLargeForCache means a block cannot be loaded within a
	// single plan's read budget. Aborts the run; the next scheduled run
	// retries from scratch.
	ErrBlockTooLargeForCache = errors.New("compaction: block exceeds compaction cache size")

	// ErrReadFailure wraps a failed block read.
	ErrReadFailure = errors.New("compaction: read failure")

	// ErrWriteFailure wraps a failed block or object write.
	ErrWriteFailure = errors.New("compaction: write failure")

	// ErrCommitFailure wraps a failed ObjectManager.commitStreamSetObject
	// call. The engine remains ready for the next run.
	ErrCommitFailure = errors.New("compaction: commit failure")

	// ErrSanityViolation means the post-plan coverage check failed; the
	// commit is never submitted.
	ErrSanityViolation = errors.New("compaction: sanity check failed")

	// ErrCancelled means the run's context was cancelled mid-flight.
	ErrCancelled = errors.New("compaction: cancelled")

	// ErrShutdown means the manager was shut down while a run was
	// in-flight or pending.
	ErrShutdown = errors.New("compaction: shut down")

	errMalformedBlock = errors.New("compaction: malformed block")
)
