package sandbox

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// MemorySample is one line of the in-environment sampler feed: a
// nanosecond timestamp and the resident memory in kB at that instant. The
// feed is strictly append-ordered by the sampler; the accountant does not
// re-sort.
type MemorySample struct {
	Timestamp  int64 `json:"timestamp"`
	ResidentKB int64 `json:"resident_kb"`
}

// ResourceUsage is the reduction of a sample feed. All fields are zero
// when profiling was not requested or the feed was empty.
type ResourceUsage struct {
	// PeakMemoryKB is the maximum resident memory observed.
	PeakMemoryKB int64

	// DurationMS is the wall-clock span between the first and last
	// sample, in milliseconds. Zero with fewer than two samples.
	DurationMS float64

	// IntegralKBMS accumulates the running peak at each sample. This is
	// a running-maximum-weighted sum, not a trapezoidal integral; the
	// semantic is load-bearing for downstream consumers and must not be
	// "corrected".
	IntegralKBMS int64

	// Series is the untouched input sequence, exposed for charting.
	Series []MemorySample
}

// ParseSampleFeed reads the two-column sampler feed. Malformed lines are
// skipped rather than failing the whole feed: the contents come out of the
// sandbox and are trusted only as far as two parseable integers per line.
func ParseSampleFeed(r io.Reader) []MemorySample {
	var samples []MemorySample
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		ts, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		samples = append(samples, MemorySample{Timestamp: ts, ResidentKB: kb})
	}
	return samples
}

// ReduceSamples folds an ordered sample sequence into usage telemetry.
func ReduceSamples(samples []MemorySample) ResourceUsage {
	usage := ResourceUsage{Series: samples}
	for _, s := range samples {
		if s.ResidentKB > usage.PeakMemoryKB {
			usage.PeakMemoryKB = s.ResidentKB
		}
		usage.IntegralKBMS += usage.PeakMemoryKB
	}
	if len(samples) >= 2 {
		usage.DurationMS = float64(samples[len(samples)-1].Timestamp-samples[0].Timestamp) / 1e6
	}
	return usage
}
