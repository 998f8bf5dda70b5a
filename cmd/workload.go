package cmd

import (
	"math/rand"

	"github.com/google/uuid"
)

// syntheticRequest is one generated workload item: a freshly minted id, a
// token sequence, and the lane it's assigned to.
type syntheticRequest struct {
	ID     string
	Tokens []int32
	Lane   string
}

// generateWorkload produces count synthetic requests with uuid-derived ids,
// assigning each to one of lanes chosen uniformly at random (lane weights do
// not bias placement; this driver only needs variety, not a calibrated mix) and
// a token length drawn uniformly from [minTokens, maxTokens].
func generateWorkload(rng *rand.Rand, count int, lanes []string, minTokens, maxTokens int) []syntheticRequest {
	if len(lanes) == 0 {
		lanes = []string{"default"}
	}
	if maxTokens < minTokens {
		maxTokens = minTokens
	}
	span := maxTokens - minTokens + 1

	out := make([]syntheticRequest, count)
	for i := 0; i < count; i++ {
		length := minTokens + rng.Intn(span)
		tokens := make([]int32, length)
		for j := range tokens {
			tokens[j] = int32(rng.Intn(32000))
		}
		out[i] = syntheticRequest{
			ID:     uuid.NewString(),
			Tokens: tokens,
			Lane:   lanes[rng.Intn(len(lanes))],
		}
	}
	return out
}
