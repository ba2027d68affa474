// Package compaction implements the stream-set object compaction core of
// the log-storage engine: indexing candidate objects, partitioning them
// into force-split and compact sets, planning bounded read/write
// iterations, executing those plans against the object store, and
// verifying the result before it is committed.
package compaction

import (
	"fmt"
	"time"
)

// CompactedObjectType distinguishes how a CompactedObject's blocks are
// written out.
type CompactedObjectType int

const (
	// CompactTypeCompact contributes a portion of the single rewritten
	// stream-set output object.
	CompactTypeCompact CompactedObjectType = iota
	// CompactTypeSplit produces its own stand-alone stream object.
	CompactTypeSplit
)

func (t CompactedObjectType) String() string {
	switch t {
	case CompactTypeCompact:
		return "COMPACT"
	case CompactTypeSplit:
		return "SPLIT"
	default:
		return "UNKNOWN"
	}
}

// StreamDataBlock is an interval of a single stream inside one physical
// object.
type StreamDataBlock struct {
	StreamID   int64
	StartOffset int64
	EndOffset   int64 // exclusive

	ObjectID int64
	Bucket   int16 // source object's bucket, carried alongside ObjectID for storage adapters

	BlockStartPosition int64 // byte offset in the source object
	BlockEndPosition   int64 // exclusive byte offset in the source object

	// Buffer is filled lazily once a read for this block completes. It is
	// reference-counted: Acquire on read completion, Release once the
	// consumer (a writer) is done with it or on error.
	Buffer *RefCountedBuffer
}

// BlockSize returns end-start in the source object's byte range.
func (b StreamDataBlock) BlockSize() int64 {
	return b.BlockEndPosition - b.BlockStartPosition
}

// Validate checks the invariants from the data model: StartOffset <
// EndOffset, BlockStartPosition < BlockEndPosition, and BlockSize <=
// the given cache size (callers pass compactionCacheSize).
func (b StreamDataBlock) Validate(compactionCacheSize int64) error {
	if b.StartOffset >= b.EndOffset {
		return fmt.Errorf("%w: stream %d [%d,%d)", errMalformedBlock, b.StreamID, b.StartOffset, b.EndOffset)
	}
	if b.BlockStartPosition >= b.BlockEndPosition {
		return fmt.Errorf("%w: object %d block position [%d,%d)", errMalformedBlock, b.ObjectID, b.BlockStartPosition, b.BlockEndPosition)
	}
	if b.BlockSize() > compactionCacheSize {
		return fmt.Errorf("%w: block of stream %d in object %d is %d bytes, cache size is %d", ErrBlockTooLargeForCache, b.StreamID, b.ObjectID, b.BlockSize(), compactionCacheSize)
	}
	return nil
}

// contiguousWith reports whether b directly follows prev in the same
// stream with no gap: prev.EndOffset == b.StartOffset.
func (b StreamDataBlock) contiguousWith(prev StreamDataBlock) bool {
	return prev.StreamID == b.StreamID && prev.EndOffset == b.StartOffset
}

// S3ObjectMetadata describes one physical stream-set object as returned by
// the ObjectManager.
type S3ObjectMetadata struct {
	ObjectID          int64
	ObjectSize        int64
	DataTimeInMs      int64 // logical creation time, used for age/classification
	CommittedTimestamp int64
	Bucket            int16
}

// Age returns now - DataTimeInMs, per spec.md §9's resolution of the
// dataTimeInMs vs committedTimestamp ambiguity: age is always measured by
// DataTimeInMs.
func (m S3ObjectMetadata) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(m.DataTimeInMs))
}

// StreamMetadata is the live trim watermark for one stream.
type StreamMetadata struct {
	StreamID    int64
	StartOffset int64
}

// StreamRange is one contiguous per-stream span inside the rewritten
// stream-set object.
type StreamRange struct {
	StreamID int64
	Start    int64
	End int64 // exclusive
}

func (r StreamRange) covers(start, end int64) bool {
	return r.Start <= start && end <= r.End
}

// StreamObject is a fresh, stand-alone per-stream object produced by a
// SPLIT.
type StreamObject struct {
	ObjectID int64
	StreamID int64
	Start    int64
	End      int64 // exclusive
	Size     int64
	Bucket   int16
}

// CompactedObject is one output unit of the planner: either a SPLIT
// (single stream, own object) or a COMPACT contribution to the shared
// output stream-set object.
type CompactedObject struct {
	Type   CompactedObjectType
	Blocks []StreamDataBlock // ordered input blocks for this unit
	Size   int64
	// Continuation marks a CompactedObject as a later chunk of the same
	// run as the previous plan's matching entry (same stream, same Type).
	// Only set when a single run's bytes exceed the per-plan read budget
	// and had to be split block-by-block across consecutive plans. The
	// Executor does not read it; a SPLIT chunk marked Continuation is
	// still written to its own fresh stream object.
	Continuation bool
}

// StreamID returns the stream id of the CompactedObject's first block.
// Every CompactedObject the analyzer builds, SPLIT or COMPACT, holds
// blocks of a single stream. It panics if Blocks is empty.
func (c CompactedObject) StreamID() int64 {
	return c.Blocks[0].StreamID
}

// CompactionPlan is one bounded read iteration: the blocks to load, keyed
// by source object, and the CompactedObjects it will emit once loaded.
type CompactionPlan struct {
	// ObjectBlocks maps a source objectId to the blocks to read from it
	// for this plan.
	ObjectBlocks map[int64][]StreamDataBlock
	// CompactedObjects is the ordered output this plan will produce.
	CompactedObjects []CompactedObject
}

// TotalBytes sums the size of all blocks this plan will read.
func (p CompactionPlan) TotalBytes() int64 {
	var total int64
	for _, blocks := range p.ObjectBlocks {
		for _, b := range blocks {
			total += b.BlockSize()
		}
	}
	return total
}

// CommitStreamSetObjectRequest is the output artifact of one compaction
// run, submitted to ObjectManager.commitStreamSetObject.
type CommitStreamSetObjectRequest struct {
	ObjectID           int64
	OrderID            int64 // smallest input objectId
	ObjectSize         int64
	StreamRanges       []StreamRange
	StreamObjects      []StreamObject
	CompactedObjectIDs []int64
}

// HasStreamSetOutput reports whether this commit produced a (non-empty)
// stream-set output object, as opposed to a pure force-split / out-of-date
// cleanup run that produced only StreamObjects and/or deletions.
func (r CommitStreamSetObjectRequest) HasStreamSetOutput() bool {
	return len(r.StreamRanges) > 0
}
