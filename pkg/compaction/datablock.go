package compaction

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/grafana/dskit/concurrency"
	"github.com/pkg/errors"
)

// footerRecordSize is the encoded size of one block-index record: StreamID,
// StartOffset, EndOffset, BlockStartPosition, BlockEndPosition, each a
// big-endian uint64.
const footerRecordSize = 5 * 8

// storageIndexer is the production ObjectIndexer: it reads the trailing
// block-index footer of a stream-set object and decodes its fixed-width
// records. The footer layout is [records...][uint32 recordCount][uint32 magic].
type storageIndexer struct {
	storage ObjectStorage
}

const footerMagic = 0x53534654 // "SSFT"

// NewStorageIndexer builds an ObjectIndexer reading footers through storage.
func NewStorageIndexer(storage ObjectStorage) ObjectIndexer {
	return &storageIndexer{storage: storage}
}

func (s *storageIndexer) IndexBlocks(ctx context.Context, object S3ObjectMetadata) ([]StreamDataBlock, error) {
	if object.ObjectSize < 8 {
		return nil, errors.Wrapf(errMalformedBlock, "object %d too small for a footer", object.ObjectID)
	}

	tail, err := s.storage.RangeRead(ctx, object.Bucket, object.ObjectID, object.ObjectSize-8, object.ObjectSize)
	if err != nil {
		return nil, errors.Wrap(ErrReadFailure, err.Error())
	}
	recordCount := binary.BigEndian.Uint32(tail[0:4])
	magic := binary.BigEndian.Uint32(tail[4:8])
	if magic != footerMagic {
		return nil, errors.Wrapf(errMalformedBlock, "object %d has bad footer magic", object.ObjectID)
	}

	footerSize := int64(recordCount)*footerRecordSize + 8
	if footerSize > object.ObjectSize {
		return nil, errors.Wrapf(errMalformedBlock, "object %d footer size exceeds object size", object.ObjectID)
	}

	raw, err := s.storage.RangeRead(ctx, object.Bucket, object.ObjectID, object.ObjectSize-footerSize, object.ObjectSize-8)
	if err != nil {
		return nil, errors.Wrap(ErrReadFailure, err.Error())
	}

	blocks := make([]StreamDataBlock, recordCount)
	for i := range blocks {
		rec := raw[i*footerRecordSize : (i+1)*footerRecordSize]
		blocks[i] = StreamDataBlock{
			StreamID:           int64(binary.BigEndian.Uint64(rec[0:8])),
			StartOffset:        int64(binary.BigEndian.Uint64(rec[8:16])),
			EndOffset:          int64(binary.BigEndian.Uint64(rec[16:24])),
			BlockStartPosition: int64(binary.BigEndian.Uint64(rec[24:32])),
			BlockEndPosition:   int64(binary.BigEndian.Uint64(rec[32:40])),
			ObjectID:           object.ObjectID,
			Bucket:             object.Bucket,
		}
	}
	return blocks, nil
}

// storageReader is the production DataBlockReader: it coalesces adjacent
// block ranges per source object into batched ranged reads, capped at
// maxBatchBytes, and hands each block an acquired RefCountedBuffer.
type storageReader struct {
	storage ObjectStorage
}

// NewStorageReader builds a DataBlockReader reading through storage.
func NewStorageReader(storage ObjectStorage) DataBlockReader {
	return &storageReader{storage: storage}
}

func (r *storageReader) ReadBlocks(ctx context.Context, blocks []StreamDataBlock, maxBatchBytes int64) error {
	if len(blocks) == 0 {
		return nil
	}
	// order maps sorted-by-position rank -> index in the caller's blocks
	// slice, so batching can assume position order while writes still land
	// on the caller's own slice at the original index.
	order := make([]int, len(blocks))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return blocks[order[i]].BlockStartPosition < blocks[order[j]].BlockStartPosition
	})

	batches := coalesce(blocks, order, maxBatchBytes)

	return concurrency.ForEachJob(ctx, len(batches), 8, func(ctx context.Context, idx int) error {
		lo, hi := batches[idx][0], batches[idx][1]
		first, last := blocks[order[lo]], blocks[order[hi-1]]
		start := first.BlockStartPosition
		end := last.BlockEndPosition

		data, err := r.storage.RangeRead(ctx, first.Bucket, first.ObjectID, start, end)
		if err != nil {
			return errors.Wrap(ErrReadFailure, err.Error())
		}
		for i := lo; i < hi; i++ {
			idx := order[i]
			off := blocks[idx].BlockStartPosition - start
			buf := append([]byte(nil), data[off:off+blocks[idx].BlockSize()]...)
			blocks[idx].Buffer = NewRefCountedBuffer(buf)
		}
		return nil
	})
}

// coalesce groups position-sorted blocks (accessed through order, a
// permutation of indices into blocks) into [start,end) rank ranges whose
// total byte span stays within maxBatchBytes, so few ranged reads are
// issued per object instead of one per block.
func coalesce(blocks []StreamDataBlock, order []int, maxBatchBytes int64) [][2]int {
	var batches [][2]int
	lo := 0
	spanStart := blocks[order[0]].BlockStartPosition

	for i, idx := range order {
		if i > lo && blocks[idx].BlockEndPosition-spanStart > maxBatchBytes {
			batches = append(batches, [2]int{lo, i})
			lo = i
			spanStart = blocks[idx].BlockStartPosition
		}
	}
	batches = append(batches, [2]int{lo, len(order)})
	return batches
}

// storageWriter is the production DataBlockWriter: it streams each block's
// buffer into a multipart UploadSession and tracks total size.
type storageWriter struct {
	session  UploadSession
	bucket   int16
	size     int64
	partSize int64
	pending  []byte
}

// NewStorageWriter opens a multipart upload for objectID in bucket and
// returns a DataBlockWriter over it, batching writes up to partSize before
// flushing a part.
func NewStorageWriter(ctx context.Context, storage ObjectStorage, objectID int64, bucket int16, partSize int64) (DataBlockWriter, error) {
	session, err := storage.NewMultipartUpload(ctx, bucket, objectID)
	if err != nil {
		return nil, errors.Wrap(ErrWriteFailure, err.Error())
	}
	if partSize <= 0 {
		partSize = 16 << 20
	}
	return &storageWriter{session: session, bucket: bucket, partSize: partSize}, nil
}

func (w *storageWriter) Write(ctx context.Context, block StreamDataBlock) error {
	if block.Buffer == nil {
		return errors.Wrapf(errMalformedBlock, "block for stream %d has no buffer to write", block.StreamID)
	}
	w.pending = append(w.pending, block.Buffer.Bytes()...)
	w.size += block.BlockSize()

	for int64(len(w.pending)) >= w.partSize {
		part := w.pending[:w.partSize]
		if _, err := w.session.UploadPart(ctx, part); err != nil {
			return err
		}
		w.pending = append([]byte(nil), w.pending[w.partSize:]...)
	}
	return nil
}

func (w *storageWriter) Close(ctx context.Context) error {
	if len(w.pending) > 0 {
		if _, err := w.session.UploadPart(ctx, w.pending); err != nil {
			return err
		}
		w.pending = nil
	}
	if _, err := w.session.Complete(ctx); err != nil {
		return err
	}
	return nil
}

func (w *storageWriter) Size() int64 {
	return w.size
}

func (w *storageWriter) BucketID() int16 {
	return w.bucket
}
