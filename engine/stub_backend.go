package engine

// StubBackend is a minimal AttentionBackend that echoes each sequence's
// token ids back as a row of floats. It stands in for a real attention
// kernel in the CLI driver and in tests, matching spec.md §6's framing of
// the backend as synchronous and pure from the engine's perspective.
type StubBackend struct{}

// Run returns one row per input sequence, each token id cast to float32.
func (StubBackend) Run(batch [][]int32) ([][]float32, error) {
	out := make([][]float32, len(batch))
	for i, seq := range batch {
		row := make([]float32, len(seq))
		for j, tok := range seq {
			row[j] = float32(tok)
		}
		out[i] = row
	}
	return out, nil
}
