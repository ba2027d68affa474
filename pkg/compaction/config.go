package compaction

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

const (
	// MaxThrottleBytesPerSec is the byte rate above which throttling is
	// disabled entirely (spec.md §4.3: "MAX_THROTTLE_BYTES_PER_SEC (1 GB/s)").
	MaxThrottleBytesPerSec = 1 << 30

	// MinRescheduleDelay is the scheduler's floor delay between runs
	// (spec.md §4.8: "MIN_DELAY_MS = 10_000").
	MinRescheduleDelay = 10 * time.Second
)

// Config holds the recognized configuration surface from spec.md §6.
type Config struct {
	CompactionInterval               time.Duration `yaml:"compaction_interval"`
	ForceSplitObjectPeriod           time.Duration `yaml:"force_split_object_period"`
	MaxObjectNumToCompact            int           `yaml:"max_object_num_to_compact"`
	MaxStreamNumPerStreamSetObject   int           `yaml:"max_stream_num_per_stream_set_object"`
	MaxStreamObjectNumPerCommit      int           `yaml:"max_stream_object_num_per_commit"`
	CompactionCacheSize              int64         `yaml:"compaction_cache_size"`
	StreamSetObjectCompactionStreamSplitSize int64 `yaml:"stream_set_object_compaction_stream_split_size"`
	NetworkBaselineBandwidth         int64         `yaml:"network_baseline_bandwidth"`
	ObjectPartSize                   int64         `yaml:"object_part_size"`
	ObjectTTL                        int64         `yaml:"object_ttl_millis"`
}

// RegisterFlags registers the compaction engine's flags, mirroring the
// teacher's flag-per-field convention.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.CompactionInterval, "compaction.interval", 20*time.Minute, "Base period between compaction runs.")
	f.DurationVar(&cfg.ForceSplitObjectPeriod, "compaction.force-split-object-period", 168*time.Hour, "Age threshold above which a candidate stream-set object is force-split instead of compacted.")
	f.IntVar(&cfg.MaxObjectNumToCompact, "compaction.max-object-num-to-compact", 500, "Hard cap on candidate objects considered per run; the most recent are kept, the rest deferred.")
	f.IntVar(&cfg.MaxStreamNumPerStreamSetObject, "compaction.max-stream-num-per-stream-set-object", 10000, "Per-output stream count cap on the COMPACT portion of the rewritten stream-set object.")
	f.IntVar(&cfg.MaxStreamObjectNumPerCommit, "compaction.max-stream-object-num-per-commit", 500, "Per-commit SPLIT fanout cap.")
	f.Int64Var(&cfg.CompactionCacheSize, "compaction.cache-size-bytes", 200<<20, "In-memory read budget per plan iteration, in bytes.")
	f.Int64Var(&cfg.StreamSetObjectCompactionStreamSplitSize, "compaction.stream-split-size-bytes", 64<<20, "Per-stream run size threshold at or above which a run becomes a SPLIT instead of joining the COMPACT pool.")
	f.Int64Var(&cfg.NetworkBaselineBandwidth, "compaction.network-baseline-bandwidth-bytes", 100<<20, "Caps the per-read batch size issued to the object store driver.")
	f.Int64Var(&cfg.ObjectPartSize, "compaction.object-part-size-bytes", 16<<20, "Multipart upload chunk size.")
	f.Int64Var(&cfg.ObjectTTL, "compaction.object-ttl-millis", int64(30*time.Minute/time.Millisecond), "TTL in milliseconds used when reserving fresh object ids from the object manager.")
}

// Validate cross-checks the configuration, mirroring the teacher's
// Config.Validate style of listing constraints with wrapped errors.
func (cfg *Config) Validate() error {
	if cfg.CompactionInterval <= 0 {
		return errors.Wrap(ErrConfigurationInvalid, "compaction.interval must be positive")
	}
	if cfg.CompactionCacheSize <= 0 {
		return errors.Wrap(ErrConfigurationInvalid, "compaction.cache-size-bytes must be positive")
	}
	if cfg.MaxObjectNumToCompact <= 0 {
		return errors.Wrap(ErrConfigurationInvalid, "compaction.max-object-num-to-compact must be positive")
	}
	if cfg.MaxStreamNumPerStreamSetObject <= 0 {
		return errors.Wrap(ErrConfigurationInvalid, "compaction.max-stream-num-per-stream-set-object must be positive")
	}
	if cfg.MaxStreamObjectNumPerCommit <= 0 {
		return errors.Wrap(ErrConfigurationInvalid, "compaction.max-stream-object-num-per-commit must be positive")
	}
	if cfg.StreamSetObjectCompactionStreamSplitSize <= 0 {
		return errors.Wrap(ErrConfigurationInvalid, "compaction.stream-split-size-bytes must be positive")
	}
	if cfg.StreamSetObjectCompactionStreamSplitSize > cfg.CompactionCacheSize {
		return errors.Wrap(ErrConfigurationInvalid, "compaction.stream-split-size-bytes cannot exceed compaction.cache-size-bytes")
	}
	if cfg.NetworkBaselineBandwidth <= 0 {
		return errors.Wrap(ErrConfigurationInvalid, "compaction.network-baseline-bandwidth-bytes must be positive")
	}
	if cfg.ObjectPartSize <= 0 {
		return errors.Wrap(ErrConfigurationInvalid, "compaction.object-part-size-bytes must be positive")
	}
	return nil
}
