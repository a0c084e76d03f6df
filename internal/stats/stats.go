// Package stats computes per-frame summary statistics for processed spectra.
package stats

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/MIGO-OvO/TSL1401CL/internal/frame"
)

// FrameStatistics summarises one processed frame.
type FrameStatistics struct {
	Max  int     `json:"max"`
	Min  int     `json:"min"`
	Mean float64 `json:"mean"`
	// StdDev is the population standard deviation (divides by N).
	StdDev float64 `json:"stddev"`
	// PeakIndex is the first index within the processed frame holding Max.
	PeakIndex int `json:"peak_index"`
}

// Compute returns the statistics for p. The codec guarantees a non-empty
// frame; an empty one yields the zero value.
func Compute(p frame.Processed) FrameStatistics {
	if len(p) == 0 {
		return FrameStatistics{}
	}

	x := p.Floats()
	mean, std := stat.PopMeanStdDev(x, nil)
	peak := floats.MaxIdx(x)

	return FrameStatistics{
		Max:       p[peak],
		Min:       p[floats.MinIdx(x)],
		Mean:      mean,
		StdDev:    std,
		PeakIndex: peak,
	}
}

// String renders the statistics the way the capture command prints them.
func (s FrameStatistics) String() string {
	return fmt.Sprintf("max=%d (pixel %d) min=%d mean=%.2f stddev=%.2f", s.Max, s.PeakIndex, s.Min, s.Mean, s.StdDev)
}
