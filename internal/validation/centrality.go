package validation

import (
	"fmt"
	"math"

	"github.com/temporal-graph-ingest/internal/model"
)

// CentralityMetrics lists the per-entity metrics in a stable order.
var CentralityMetrics = []string{"degree", "pagerank", "betweenness", "eigenvector", "importance"}

// CentralityBounds defines the legal range and default for every metric.
type CentralityBounds struct {
	Min     float64
	Max     float64
	Default float64
}

// DefaultCentralityBounds is [0, 1] with default 0 for all metrics.
func DefaultCentralityBounds() CentralityBounds {
	return CentralityBounds{Min: 0, Max: 1, Default: 0}
}

// Clamp forces a value into bounds; NaN and Inf collapse to the default.
func (b CentralityBounds) Clamp(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return b.Default
	}
	return math.Min(b.Max, math.Max(b.Min, value))
}

// CentralityValidation is the outcome of validating one entity's metrics.
type CentralityValidation struct {
	Valid     bool
	Corrected map[string]float64
	Errors    []string
	Warnings  []string
}

// ValidateCentrality checks every metric against bounds. With autoCorrect set,
// out-of-range values are clamped into Corrected instead of failing.
func ValidateCentrality(entity *model.Entity, bounds CentralityBounds, autoCorrect bool) CentralityValidation {
	result := CentralityValidation{Valid: true, Corrected: make(map[string]float64)}
	for _, metric := range CentralityMetrics {
		value, _ := entity.CentralityValue(metric)
		if math.IsNaN(value) || math.IsInf(value, 0) {
			if autoCorrect {
				result.Corrected[metric] = bounds.Default
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%s was not finite, reset to %.1f", metric, bounds.Default))
				continue
			}
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s is not finite", metric))
			continue
		}
		if value < bounds.Min || value > bounds.Max {
			if autoCorrect {
				clamped := bounds.Clamp(value)
				result.Corrected[metric] = clamped
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("%s %.4f clamped to %.4f", metric, value, clamped))
				continue
			}
			result.Valid = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s %.4f outside [%.1f, %.1f]", metric, value, bounds.Min, bounds.Max))
		}
	}
	return result
}

// ApplyCorrections writes the corrected metric values back onto the entity.
func ApplyCorrections(entity *model.Entity, corrected map[string]float64) {
	for metric, value := range corrected {
		switch metric {
		case "degree":
			entity.Centrality.Degree = value
		case "pagerank":
			entity.Centrality.Pagerank = value
		case "betweenness":
			entity.Centrality.Betweenness = value
		case "eigenvector":
			entity.Centrality.Eigenvector = value
		case "importance":
			entity.Centrality.Importance = value
		}
	}
}

// NormalizeMinMax rescales one metric across the collection into [0, 1].
// A degenerate range (all equal) maps everything to 0.
func NormalizeMinMax(entities []*model.Entity, metric string) map[string]float64 {
	out := make(map[string]float64, len(entities))
	if len(entities) == 0 {
		return out
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, e := range entities {
		v, ok := e.CentralityValue(metric)
		if !ok {
			return out
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo
	for _, e := range entities {
		v, _ := e.CentralityValue(metric)
		if span == 0 {
			out[e.ID] = 0
		} else {
			out[e.ID] = (v - lo) / span
		}
	}
	return out
}

// NormalizeZScore standardizes one metric, then squashes each z-score into
// (0, 1) with a sigmoid so downstream bounds still hold.
func NormalizeZScore(entities []*model.Entity, metric string) map[string]float64 {
	out := make(map[string]float64, len(entities))
	mean, stddev := metricMoments(entities, metric)
	for _, e := range entities {
		v, ok := e.CentralityValue(metric)
		if !ok {
			return out
		}
		z := 0.0
		if stddev > 0 {
			z = (v - mean) / stddev
		}
		out[e.ID] = 1 / (1 + math.Exp(-z))
	}
	return out
}

// CentralityAnomaly flags an entity whose metric deviates beyond the z-score
// threshold.
type CentralityAnomaly struct {
	EntityID string
	Metric   string
	Value    float64
	ZScore   float64
}

// DetectAnomalies returns entities whose |z| exceeds the threshold for the
// metric. A zero or negative threshold defaults to 3.
func DetectAnomalies(entities []*model.Entity, metric string, zThreshold float64) []CentralityAnomaly {
	if zThreshold <= 0 {
		zThreshold = 3
	}
	mean, stddev := metricMoments(entities, metric)
	if stddev == 0 {
		return nil
	}
	var out []CentralityAnomaly
	for _, e := range entities {
		v, ok := e.CentralityValue(metric)
		if !ok {
			return nil
		}
		z := (v - mean) / stddev
		if math.Abs(z) > zThreshold {
			out = append(out, CentralityAnomaly{EntityID: e.ID, Metric: metric, Value: v, ZScore: z})
		}
	}
	return out
}

func metricMoments(entities []*model.Entity, metric string) (mean, stddev float64) {
	if len(entities) == 0 {
		return 0, 0
	}
	for _, e := range entities {
		v, _ := e.CentralityValue(metric)
		mean += v
	}
	mean /= float64(len(entities))
	var variance float64
	for _, e := range entities {
		v, _ := e.CentralityValue(metric)
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(entities))
	return mean, math.Sqrt(variance)
}
