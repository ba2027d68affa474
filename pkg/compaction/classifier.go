package compaction

import (
	"sort"
	"time"
)

// ClassificationResult partitions candidate objects by age (spec.md §4.3).
type ClassificationResult struct {
	ForceSplit []S3ObjectMetadata
	Compact    []S3ObjectMetadata
	// HasRemainingObjects is true when the candidate count exceeded
	// MaxObjectNumToCompact and some were deferred; the scheduler should
	// re-run soon (spec.md §4.8: MIN_DELAY_MS reschedule).
	HasRemainingObjects bool
	// Throttle is sized to complete the compact set within
	// max(compactionInterval-1, 1) minutes; it is a disabled Throttle
	// (never waits) if the resulting rate would meet or exceed
	// MaxThrottleBytesPerSec.
	Throttle *Throttle
}

// Classifier partitions candidate objects into force-split vs compact
// sets and sizes the per-run read throttle.
type Classifier struct {
	cfg Config
}

// NewClassifier builds a Classifier bound to cfg.
func NewClassifier(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify applies spec.md §4.3's cap, partition, and throttle-sizing
// rules to candidates as observed at now.
func (c *Classifier) Classify(candidates []S3ObjectMetadata, now time.Time) ClassificationResult {
	var result ClassificationResult

	kept := candidates
	if len(candidates) > c.cfg.MaxObjectNumToCompact {
		sorted := make([]S3ObjectMetadata, len(candidates))
		copy(sorted, candidates)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].DataTimeInMs > sorted[j].DataTimeInMs
		})
		kept = sorted[:c.cfg.MaxObjectNumToCompact]
		result.HasRemainingObjects = true
	}

	var totalCompactBytes int64
	for _, obj := range kept {
		if obj.Age(now) >= c.cfg.ForceSplitObjectPeriod {
			result.ForceSplit = append(result.ForceSplit, obj)
		} else {
			result.Compact = append(result.Compact, obj)
			totalCompactBytes += obj.ObjectSize
		}
	}

	targetMinutes := c.cfg.CompactionInterval.Minutes() - 1
	if targetMinutes < 1 {
		targetMinutes = 1
	}
	result.Throttle = NewThrottle(totalCompactBytes, time.Duration(targetMinutes*float64(time.Minute)))

	return result
}

// OldestAge returns the age of the oldest candidate object. The manager
// uses it to set the compaction delay gauge at the start of each run; the
// gauge is not sampled between runs.
func OldestAge(candidates []S3ObjectMetadata, now time.Time) time.Duration {
	var oldest time.Duration
	for _, obj := range candidates {
		if age := obj.Age(now); age > oldest {
			oldest = age
		}
	}
	return oldest
}
