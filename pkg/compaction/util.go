package compaction

import "sort"

func sortInt64s(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func sortBlocksByOffset(blocks []StreamDataBlock) {
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].StartOffset < blocks[j].StartOffset })
}
