package keymat

import (
	"fmt"
	"runtime"
	"slices"
	"time"
)

// Timing summarizes latency and heap impact over a benchmark run.
type Timing struct {
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Median  time.Duration `json:"median"`
	Average time.Duration `json:"average"`

	// HeapDeltaBytes is the change in heap allocation over the run. It can
	// be negative when the collector runs mid-benchmark.
	HeapDeltaBytes int64 `json:"heapDeltaBytes"`
}

// Benchmark compares the deriver against a reference generator. Pure
// measurement: no determinism requirement attaches to its output.
type Benchmark struct {
	Iterations int    `json:"iterations"`
	Deriver    Timing `json:"deriver"`
	Reference  Timing `json:"reference"`

	// SpeedRatio is reference average over deriver average; >1 means the
	// deriver is faster.
	SpeedRatio float64 `json:"speedRatio"`
}

// BenchmarkPerformance runs both generators iterations times on the same
// seed and reports latency statistics and heap deltas for each.
func (d *Deriver) BenchmarkPerformance(seed []byte, ref ReferenceGenerator, iterations int) (*Benchmark, error) {
	if iterations < 1 {
		return nil, fmt.Errorf("keymat: benchmark iterations must be positive, got %d", iterations)
	}

	derTiming, err := measure(iterations, func() error {
		_, err := d.GenerateFromSeed(seed)
		return err
	})
	if err != nil {
		return nil, err
	}

	refTiming, err := measure(iterations, func() error {
		_, err := ref.GenerateFromSeed(seed)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reference generator: %w", err)
	}

	ratio := 0.0
	if derTiming.Average > 0 {
		ratio = float64(refTiming.Average) / float64(derTiming.Average)
	}

	return &Benchmark{
		Iterations: iterations,
		Deriver:    *derTiming,
		Reference:  *refTiming,
		SpeedRatio: ratio,
	}, nil
}

func measure(iterations int, fn func() error) (*Timing, error) {
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	samples := make([]time.Duration, 0, iterations)

	for i := 0; i < iterations; i++ {
		start := time.Now()

		if err := fn(); err != nil {
			return nil, err
		}

		samples = append(samples, time.Since(start))
	}

	runtime.ReadMemStats(&after)

	slices.Sort(samples)

	var total time.Duration
	for _, s := range samples {
		total += s
	}

	median := samples[len(samples)/2]
	if len(samples)%2 == 0 {
		median = (samples[len(samples)/2-1] + samples[len(samples)/2]) / 2
	}

	return &Timing{
		Min:            samples[0],
		Max:            samples[len(samples)-1],
		Median:         median,
		Average:        total / time.Duration(len(samples)),
		HeapDeltaBytes: int64(after.HeapAlloc) - int64(before.HeapAlloc),
	}, nil
}
