package registration

import (
	"fmt"
	"math"
)

// Config tunes the coarse search. Distances are derived from the data
// (mean nearest-neighbour spacing and cloud diameter), so the defaults
// hold across unit systems.
type Config struct {
	Delta            float64 `yaml:"delta" json:"delta"`                       // Tolerance multiplier on mean NN spacing
	Overlap          float64 `yaml:"overlap" json:"overlap"`                   // Expected overlap fraction in (0,1]
	SampleSize       int     `yaml:"sampleSize" json:"sampleSize"`             // Down-sampling budget per cloud
	UseNormals       bool    `yaml:"useNormals" json:"useNormals"`             // Filter pairs by normal difference
	NormalTolerance  float64 `yaml:"normalTolerance" json:"normalTolerance"`   // Max normal-difference mismatch for a pair
	EstimateScale    bool    `yaml:"estimateScale" json:"estimateScale"`       // Fit a uniform scale as well
	AcceptanceRatio  float64 `yaml:"acceptanceRatio" json:"acceptanceRatio"`   // Fraction of overlap an LCP score must exceed
	SeparationFactor float64 `yaml:"separationFactor" json:"separationFactor"` // Min quad point separation as a fraction of quad extent
	ResidualFactor   float64 `yaml:"residualFactor" json:"residualFactor"`     // Residual gate in multiples of eps
	MinTrials        int     `yaml:"minTrials" json:"minTrials"`
	MaxTrials        int     `yaml:"maxTrials" json:"maxTrials"`         // 0 = no cap
	MaxCandidates    int     `yaml:"maxCandidates" json:"maxCandidates"` // 0 = no cap
	QuadTrials       int     `yaml:"quadTrials" json:"quadTrials"`
	TriangleSamples  int     `yaml:"triangleSamples" json:"triangleSamples"`
	MeanDistQueries  int     `yaml:"meanDistQueries" json:"meanDistQueries"`
	Seed             int64   `yaml:"seed" json:"seed"`
	SkipRefinement   bool    `yaml:"skipRefinement" json:"skipRefinement"` // Return the coarse transform without ICP
}

// MinPoints is the smallest cloud (and sample) the search accepts
const MinPoints = 4

// DefaultConfig returns the search defaults. Normals are off because the
// xy-projection estimate only holds for height-field scans; enable them for
// range images. Clouds of up to SampleSize points are searched unsampled.
func DefaultConfig() Config {
	return Config{
		Delta:            2.0,
		Overlap:          0.4,
		SampleSize:       1000,
		UseNormals:       false,
		NormalTolerance:  0.02,
		AcceptanceRatio:  0.8,
		SeparationFactor: 0.1,
		ResidualFactor:   5,
		MinTrials:        50,
		QuadTrials:       100,
		TriangleSamples:  100,
		MeanDistQueries:  1000,
	}
}

// Validate checks parameter ranges
func (c Config) Validate() error {
	switch {
	case !(c.Delta > 0) || math.IsInf(c.Delta, 0):
		return fmt.Errorf("delta must be > 0, got %v", c.Delta)
	case !(c.Overlap > 0) || c.Overlap > 1:
		return fmt.Errorf("overlap must be in (0,1], got %v", c.Overlap)
	case c.SampleSize < MinPoints:
		return fmt.Errorf("sampleSize must be >= %d, got %d", MinPoints, c.SampleSize)
	case c.UseNormals && !(c.NormalTolerance > 0):
		return fmt.Errorf("normalTolerance must be > 0 when normals are used")
	case !(c.AcceptanceRatio > 0) || c.AcceptanceRatio > 1:
		return fmt.Errorf("acceptanceRatio must be in (0,1], got %v", c.AcceptanceRatio)
	case c.SeparationFactor < 0 || c.SeparationFactor >= 1:
		return fmt.Errorf("separationFactor must be in [0,1), got %v", c.SeparationFactor)
	case !(c.ResidualFactor > 0):
		return fmt.Errorf("residualFactor must be > 0, got %v", c.ResidualFactor)
	case c.MinTrials < 1:
		return fmt.Errorf("minTrials must be >= 1, got %d", c.MinTrials)
	case c.MaxTrials < 0 || c.MaxCandidates < 0:
		return fmt.Errorf("maxTrials and maxCandidates must be >= 0")
	case c.QuadTrials < 1 || c.TriangleSamples < 1 || c.MeanDistQueries < 1:
		return fmt.Errorf("quadTrials, triangleSamples and meanDistQueries must be >= 1")
	}
	return nil
}

// TrialBudget returns the number of outer trials for a base quad extent:
// log(1e-5)/log(1-overlap^4) scaled by 80/extent, clamped to
// [MinTrials, MaxTrials].
func (c Config) TrialBudget(quadExtent float64) int {
	n := 0
	if o4 := math.Pow(c.Overlap, 4); o4 < 1 && quadExtent > 0 {
		f := math.Log(1e-5) / math.Log(1-o4) * 80 / quadExtent
		if f > math.MaxInt32 {
			f = math.MaxInt32
		}
		n = int(f)
	}
	if n < c.MinTrials {
		n = c.MinTrials
	}
	if c.MaxTrials > 0 && n > c.MaxTrials {
		n = c.MaxTrials
	}
	return n
}
