package policy

import "github.com/chewxy/math32"

// Entropy in nats of a discrete distribution. Zero probabilities contribute nothing.
func Entropy(probs []float32) float32 {
	var h float32
	for _, p := range probs {
		if p > 0 {
			h -= p * math32.Log(p)
		}
	}
	return h
}

// MaxEntropy is the entropy of the uniform distribution over numActions.
func MaxEntropy(numActions int) float32 {
	if numActions <= 1 {
		return 0
	}
	return math32.Log(float32(numActions))
}
