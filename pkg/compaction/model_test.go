package compaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamDataBlock_Validate(t *testing.T) {
	base := StreamDataBlock{StreamID: 1, StartOffset: 0, EndOffset: 10, BlockStartPosition: 0, BlockEndPosition: 100}

	require.NoError(t, base.Validate(1000))

	bad := base
	bad.StartOffset, bad.EndOffset = 10, 10
	require.ErrorIs(t, bad.Validate(1000), errMalformedBlock)

	bad = base
	bad.BlockStartPosition, bad.BlockEndPosition = 50, 50
	require.ErrorIs(t, bad.Validate(1000), errMalformedBlock)

	bad = base
	bad.BlockStartPosition, bad.BlockEndPosition = 0, 2000
	require.ErrorIs(t, bad.Validate(1000), ErrBlockTooLargeForCache)
}

func TestStreamDataBlock_contiguousWith(t *testing.T) {
	a := StreamDataBlock{StreamID: 1, StartOffset: 0, EndOffset: 10}
	b := StreamDataBlock{StreamID: 1, StartOffset: 10, EndOffset: 20}
	c := StreamDataBlock{StreamID: 2, StartOffset: 10, EndOffset: 20}
	d := StreamDataBlock{StreamID: 1, StartOffset: 11, EndOffset: 20}

	assert.True(t, b.contiguousWith(a))
	assert.False(t, c.contiguousWith(a))
	assert.False(t, d.contiguousWith(a))
}

func TestS3ObjectMetadata_Age(t *testing.T) {
	now := time.UnixMilli(100_000)
	m := S3ObjectMetadata{DataTimeInMs: 40_000}
	assert.Equal(t, 60*time.Second, m.Age(now))
}

func TestStreamRange_covers(t *testing.T) {
	r := StreamRange{StreamID: 1, Start: 10, End: 20}
	assert.True(t, r.covers(10, 20))
	assert.True(t, r.covers(12, 18))
	assert.False(t, r.covers(9, 20))
	assert.False(t, r.covers(10, 21))
}

func TestCompactionPlan_TotalBytes(t *testing.T) {
	p := CompactionPlan{ObjectBlocks: map[int64][]StreamDataBlock{
		1: {{BlockStartPosition: 0, BlockEndPosition: 10}, {BlockStartPosition: 10, BlockEndPosition: 25}},
		2: {{BlockStartPosition: 0, BlockEndPosition: 5}},
	}}
	assert.Equal(t, int64(30), p.TotalBytes())
}

func TestCommitStreamSetObjectRequest_HasStreamSetOutput(t *testing.T) {
	assert.False(t, (CommitStreamSetObjectRequest{}).HasStreamSetOutput())
	req := CommitStreamSetObjectRequest{StreamRanges: []StreamRange{{StreamID: 1, Start: 0, End: 10}}}
	assert.True(t, req.HasStreamSetOutput())
}
