package compaction

import "sort"

// AnalyzerConfig is the subset of Config the pure planner needs.
type AnalyzerConfig struct {
	StreamSplitSize                int64
	MaxStreamObjectNumPerCommit    int
	MaxStreamNumPerStreamSetObject int
	CompactionCacheSize            int64
}

// run is a contiguous, gap-free chain of blocks within one stream, possibly
// assembled from several source objects (cross-object merge).
type run struct {
	streamID int64
	blocks   []StreamDataBlock // sorted by StartOffset, contiguous
	bytes    int64
	isSplit  bool
}

func (r run) objectIDs() map[int64]struct{} {
	ids := make(map[int64]struct{})
	for _, b := range r.blocks {
		ids[b.ObjectID] = struct{}{}
	}
	return ids
}

// CompactionAnalyzer is the pure planner (spec.md §4.4): no I/O, fully
// deterministic for a given (block map, config).
type CompactionAnalyzer struct {
	cfg AnalyzerConfig
}

// NewCompactionAnalyzer builds an analyzer bound to cfg.
func NewCompactionAnalyzer(cfg AnalyzerConfig) *CompactionAnalyzer {
	return &CompactionAnalyzer{cfg: cfg}
}

// AnalyzeResult is the planner's output.
type AnalyzeResult struct {
	Plans             []CompactionPlan
	ExcludedObjectIDs []int64
}

// Analyze turns blocksByObject into an ordered list of CompactionPlans and
// a set of excluded object ids, per the rules in spec.md §4.4.
func (a *CompactionAnalyzer) Analyze(blocksByObject map[int64][]StreamDataBlock) AnalyzeResult {
	runs := a.buildRuns(blocksByObject)

	admitted, excludedObjects := a.admit(runs)

	plans := a.pack(admitted)

	excludedIDs := make([]int64, 0, len(excludedObjects))
	for id := range excludedObjects {
		excludedIDs = append(excludedIDs, id)
	}
	sort.Slice(excludedIDs, func(i, j int) bool { return excludedIDs[i] < excludedIDs[j] })

	return AnalyzeResult{Plans: plans, ExcludedObjectIDs: excludedIDs}
}

// buildRuns groups by stream, sorts by offset, and splits into contiguous
// runs, each classified SPLIT (>= StreamSplitSize) or COMPACT (below it),
// per spec.md §4.4 rules 1-2.
func (a *CompactionAnalyzer) buildRuns(blocksByObject map[int64][]StreamDataBlock) []run {
	byStream := make(map[int64][]StreamDataBlock)
	for _, blocks := range blocksByObject {
		for _, b := range blocks {
			byStream[b.StreamID] = append(byStream[b.StreamID], b)
		}
	}

	streamIDs := make([]int64, 0, len(byStream))
	for id := range byStream {
		streamIDs = append(streamIDs, id)
	}
	sort.Slice(streamIDs, func(i, j int) bool { return streamIDs[i] < streamIDs[j] })

	var runs []run
	for _, streamID := range streamIDs {
		blocks := byStream[streamID]
		sort.Slice(blocks, func(i, j int) bool { return blocks[i].StartOffset < blocks[j].StartOffset })

		var current run
		for _, b := range blocks {
			if len(current.blocks) > 0 && !b.contiguousWith(current.blocks[len(current.blocks)-1]) {
				runs = append(runs, a.classify(current))
				current = run{}
			}
			if len(current.blocks) == 0 {
				current.streamID = streamID
			}
			current.blocks = append(current.blocks, b)
			current.bytes += b.BlockSize()
		}
		if len(current.blocks) > 0 {
			runs = append(runs, a.classify(current))
		}
	}

	return runs
}

func (a *CompactionAnalyzer) classify(r run) run {
	r.isSplit = r.bytes >= a.cfg.StreamSplitSize
	return r
}

// admit applies the fanout ceiling (rule 4) and stream-count ceiling
// (rule 5), then propagates exclusion to a fixpoint: if any object
// contributing to an admitted run is excluded (because one of its OTHER
// runs was rejected), the whole object must stay out of this run's
// commit, so every run it touches is excluded too. Object deletion is
// all-or-nothing, so a source object can only be retired once every
// block it holds has a home in this run's output.
func (a *CompactionAnalyzer) admit(runs []run) (admitted []run, excludedObjects map[int64]struct{}) {
	excludedRun := make([]bool, len(runs))

	splitCount := 0
	compactStreamOrder := make([]int64, 0)
	compactStreamSeen := make(map[int64]bool)
	compactStreamAdmitted := make(map[int64]bool)

	for i, r := range runs {
		if r.isSplit {
			if splitCount < a.cfg.MaxStreamObjectNumPerCommit {
				splitCount++
			} else {
				excludedRun[i] = true
			}
			continue
		}
		if !compactStreamSeen[r.streamID] {
			compactStreamSeen[r.streamID] = true
			compactStreamOrder = append(compactStreamOrder, r.streamID)
		}
	}

	for i, sid := range compactStreamOrder {
		if i < a.cfg.MaxStreamNumPerStreamSetObject {
			compactStreamAdmitted[sid] = true
		}
	}
	for i, r := range runs {
		if !r.isSplit && !compactStreamAdmitted[r.streamID] {
			excludedRun[i] = true
		}
	}

	excludedObjects = make(map[int64]struct{})
	for {
		changed := false
		for i, r := range runs {
			if !excludedRun[i] {
				continue
			}
			for id := range r.objectIDs() {
				if _, ok := excludedObjects[id]; !ok {
					excludedObjects[id] = struct{}{}
					changed = true
				}
			}
		}
		for i, r := range runs {
			if excludedRun[i] {
				continue
			}
			for id := range r.objectIDs() {
				if _, ok := excludedObjects[id]; ok {
					excludedRun[i] = true
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}

	for i, r := range runs {
		if !excludedRun[i] {
			admitted = append(admitted, r)
		}
	}
	return admitted, excludedObjects
}

// pack implements the budget-packing rule (rule 3): walk admitted runs in
// their deterministic order, filling the current plan until the next run
// would exceed CompactionCacheSize, then start a new plan. A run whose own
// bytes exceed the cache size (possible since only individual blocks are
// bounded at index time) is split block-by-block across consecutive
// dedicated plans; later chunks are marked Continuation. The executor does
// not read Continuation: COMPACT chunks land in the shared output in plan
// order, and each SPLIT chunk is written to its own stream object.
func (a *CompactionAnalyzer) pack(runs []run) []CompactionPlan {
	var plans []CompactionPlan
	current := newPlan()

	flush := func() {
		if len(current.CompactedObjects) > 0 {
			plans = append(plans, current)
		}
		current = newPlan()
	}

	for _, r := range runs {
		cobjType := CompactTypeCompact
		if r.isSplit {
			cobjType = CompactTypeSplit
		}

		if r.bytes > a.cfg.CompactionCacheSize {
			flush()
			for i, chunk := range chunkBlocks(r.blocks, a.cfg.CompactionCacheSize) {
				p := newPlan()
				addToPlan(&p, CompactedObject{Type: cobjType, Blocks: chunk, Size: sumSizes(chunk), Continuation: i > 0})
				plans = append(plans, p)
			}
			continue
		}

		if current.TotalBytes()+r.bytes > a.cfg.CompactionCacheSize {
			flush()
		}
		addToPlan(&current, CompactedObject{Type: cobjType, Blocks: r.blocks, Size: r.bytes})
	}
	flush()

	return plans
}

func newPlan() CompactionPlan {
	return CompactionPlan{ObjectBlocks: make(map[int64][]StreamDataBlock)}
}

func addToPlan(p *CompactionPlan, c CompactedObject) {
	p.CompactedObjects = append(p.CompactedObjects, c)
	for _, b := range c.Blocks {
		p.ObjectBlocks[b.ObjectID] = append(p.ObjectBlocks[b.ObjectID], b)
	}
}

func sumSizes(blocks []StreamDataBlock) int64 {
	var total int64
	for _, b := range blocks {
		total += b.BlockSize()
	}
	return total
}

// chunkBlocks splits blocks (already contiguous and offset-sorted) into
// groups whose cumulative size never exceeds budget. A single block
// larger than budget cannot happen here: BlockIndex already rejects any
// block bigger than the cache size.
func chunkBlocks(blocks []StreamDataBlock, budget int64) [][]StreamDataBlock {
	var chunks [][]StreamDataBlock
	var current []StreamDataBlock
	var currentBytes int64

	for _, b := range blocks {
		if currentBytes+b.BlockSize() > budget && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			currentBytes = 0
		}
		current = append(current, b)
		currentBytes += b.BlockSize()
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
