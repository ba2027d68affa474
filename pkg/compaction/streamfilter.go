package compaction

// StreamFilter drops blocks that are no longer live against the current
// StreamManager state (spec.md §4.2).
type StreamFilter struct{}

// NewStreamFilter returns a stateless StreamFilter.
func NewStreamFilter() *StreamFilter {
	return &StreamFilter{}
}

// FilterResult is the outcome of applying live stream metadata to a block
// map.
type FilterResult struct {
	// Blocks is the filtered objectId -> blocks map; objects with no
	// surviving blocks are omitted.
	Blocks map[int64][]StreamDataBlock
	// OutOfDateObjectIDs lists objects whose blocks all vanished: they
	// produce no output but must still be retired via
	// CompactedObjectIDs so the commit deletes them.
	OutOfDateObjectIDs []int64
}

// Apply removes any block whose stream is absent from streams, or whose
// EndOffset <= the stream's StartOffset (trimmed data).
func (f *StreamFilter) Apply(blocksByObject map[int64][]StreamDataBlock, streams []StreamMetadata) FilterResult {
	live := make(map[int64]int64, len(streams)) // streamId -> startOffset
	for _, s := range streams {
		live[s.StreamID] = s.StartOffset
	}

	result := FilterResult{Blocks: make(map[int64][]StreamDataBlock, len(blocksByObject))}

	for objectID, blocks := range blocksByObject {
		kept := blocks[:0:0] //nolint:gocritic // explicit fresh slice, blocks is not reused
		for _, b := range blocks {
			startOffset, ok := live[b.StreamID]
			if !ok {
				continue
			}
			if b.EndOffset <= startOffset {
				continue
			}
			kept = append(kept, b)
		}

		if len(kept) == 0 {
			result.OutOfDateObjectIDs = append(result.OutOfDateObjectIDs, objectID)
			continue
		}
		result.Blocks[objectID] = kept
	}

	return result
}
