package compaction

import "context"

// ObjectManager is the metadata manager collaborator: it supplies the
// candidate object list and accepts commit requests. Its implementation
// is out of scope for this package; only this contract is consumed.
type ObjectManager interface {
	// GetServerObjects returns every stream-set object currently known to
	// the metadata layer for this node.
	GetServerObjects(ctx context.Context) ([]S3ObjectMetadata, error)

	// PrepareObject reserves `count` consecutive object ids with the
	// given TTL and returns the first id in the reserved range.
	PrepareObject(ctx context.Context, count int, ttl int64) (firstObjectID int64, err error)

	// CommitStreamSetObject atomically publishes the new object(s)
	// described by req and retires req.CompactedObjectIDs.
	CommitStreamSetObject(ctx context.Context, req CommitStreamSetObjectRequest) error
}

// StreamManager is the stream-metadata source collaborator.
type StreamManager interface {
	// GetStreams returns live metadata (including trim watermark) for the
	// given stream ids. Streams that no longer exist are simply absent
	// from the result.
	GetStreams(ctx context.Context, streamIDs []int64) ([]StreamMetadata, error)
}

// ObjectStorage is the object-store driver collaborator: byte-range reads
// and multipart uploads against a specified bucket.
type ObjectStorage interface {
	// RangeRead reads [start, end) of the object identified by objectID
	// in the given bucket.
	RangeRead(ctx context.Context, bucket int16, objectID int64, start, end int64) ([]byte, error)

	// NewMultipartUpload starts (or resumes) a chained, part-based upload
	// to objectID in the given bucket.
	NewMultipartUpload(ctx context.Context, bucket int16, objectID int64) (UploadSession, error)
}

// UploadSession is one multipart upload in progress.
type UploadSession interface {
	// UploadPart appends data as the next part and returns the number of
	// bytes written.
	UploadPart(ctx context.Context, data []byte) (int, error)
	// Complete finalizes the upload and returns the total object size.
	Complete(ctx context.Context) (int64, error)
	// Abort cancels the upload, releasing any server-side resources.
	Abort(ctx context.Context) error
}

// DataBlockReader issues coalesced ranged reads for a batch of blocks
// belonging to a single source object and populates each block's Buffer
// once its bytes are available. It does no pacing itself: callers wait on
// a Throttle for the batch's bytes before calling ReadBlocks.
type DataBlockReader interface {
	// ReadBlocks reads the given blocks (all from the same source
	// object), coalescing adjacent ranges up to maxBatchBytes per
	// underlying request, and fills each block's Buffer.
	ReadBlocks(ctx context.Context, blocks []StreamDataBlock, maxBatchBytes int64) error
}

// DataBlockWriter streams blocks into one destination object.
type DataBlockWriter interface {
	// Write appends one block's buffered payload to the object.
	Write(ctx context.Context, block StreamDataBlock) error
	// Close finalizes the object. No further Write calls are valid after
	// Close returns.
	Close(ctx context.Context) error
	// Size returns the number of bytes written so far.
	Size() int64
	// BucketID returns the bucket the object was written to.
	BucketID() int16
}
