package statistics

import (
	"math"
	"time"

	"vj-decoder/types"
)

// CalculateHealthScore rates how cleanly a flow decoded, 100 being perfect.
func CalculateHealthScore(flow *types.FlowStats) float64 {
	score := 100.0
	score -= math.Min(float64(flow.Errors)*10, 50)
	score -= math.Min(float64(flow.Degraded)*5, 20)

	total := flow.Refreshes + flow.Compressed
	if total > 10 && CalculateErrorRate(flow.Errors, total+flow.Errors) > 0.1 {
		score -= 10
	}

	// A flow that keeps refreshing gains little from compression.
	if total > 10 && float64(flow.Refreshes)/float64(total) > 0.5 {
		score -= 10
	}

	if score < 0 {
		score = 0
	}
	return score
}

// CalculateCompressionRatio is the share of header bytes that did not cross
// the link.
func CalculateCompressionRatio(wireHeaderBytes, reconstructedHeaderBytes uint64) float64 {
	if reconstructedHeaderBytes == 0 {
		return 0
	}
	return 1 - float64(wireHeaderBytes)/float64(reconstructedHeaderBytes)
}

func CalculateHeaderSavings(wireHeaderBytes, reconstructedHeaderBytes uint64) uint64 {
	if wireHeaderBytes >= reconstructedHeaderBytes {
		return 0
	}
	return reconstructedHeaderBytes - wireHeaderBytes
}

func CalculateErrorRate(errors, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(errors) / float64(total)
}

func CalculateCV(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	if mean == 0 {
		return 0
	}
	variance := 0.0
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values))
	return math.Sqrt(variance) / mean
}

func CalculateIntCV(values []int) float64 {
	floatValues := make([]float64, len(values))
	for i, v := range values {
		floatValues[i] = float64(v)
	}
	return CalculateCV(floatValues)
}

// CalculateUptime is the span between the first and last frame of a flow.
func CalculateUptime(flow *types.FlowStats) time.Duration {
	if flow.FirstSeen.IsZero() || flow.LastSeen.Before(flow.FirstSeen) {
		return 0
	}
	return flow.LastSeen.Sub(flow.FirstSeen)
}
