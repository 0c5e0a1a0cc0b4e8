package sweep

import (
	"fmt"
	"math"
	"sort"
)

const DefaultBufferScalingFactor = 20

// DecayStart is the step at which the learning-rate decay begins.
func DecayStart(steps int, fraction float64) int {
	return int(math.Floor(float64(steps) * fraction))
}

// TrainingSteps is the number of SAE batches needed to consume numTokens.
func TrainingSteps(numTokens, saeBatchSize int) int {
	if saeBatchSize <= 0 {
		return 0
	}
	return numTokens / saeBatchSize
}

// BufferSize is the number of contexts the activation buffer holds.
func BufferSize(saeBatchSize, contextLength, scalingFactor int) int {
	if contextLength <= 0 {
		return 0
	}
	return (saeBatchSize / contextLength) * scalingFactor
}

func SubmoduleName(layer int) string {
	return fmt.Sprintf("resid_post_layer_%d", layer)
}

// CheckpointSteps returns the steps at which checkpoints are saved: 0% and
// 0.1%, 0.316%, 1%, 3.16%, 10%, 31.6% of training.
func CheckpointSteps(steps int) []int {
	fractions := []float64{0}
	for i := 0; i < 6; i++ {
		fractions = append(fractions, math.Pow(10, -3+0.5*float64(i)))
	}
	sort.Float64s(fractions)

	out := make([]int, len(fractions))
	for i, f := range fractions {
		out[i] = int(float64(steps) * f)
	}
	sort.Ints(out)
	return out
}

// DictSizes resolves dictionary widths. Expansion factors, when given, are
// multiplied by the activation dimension and replace the explicit widths.
func DictSizes(activationDim int, widths []int, expansionFactors []float64) []int {
	if len(expansionFactors) == 0 {
		return append([]int(nil), widths...)
	}
	out := make([]int, len(expansionFactors))
	for i, f := range expansionFactors {
		out[i] = int(f * float64(activationDim))
	}
	return out
}
