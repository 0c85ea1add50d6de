// Package episode holds the transitions of one episode and computes the discounted returns
// used to weight each step when learning the policy.
package episode

import (
	"github.com/janpfeifer/mcpg/internal/generics"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// Buffer holds the transitions (observation, action taken and immediate reward) of the
// episode currently being played. It is cleared after each training step.
//
// It is not safe for concurrent use.
type Buffer struct {
	numFeatures, numActions int

	observations [][]float32
	actions      []int
	rewards      []float32
}

// NewBuffer creates an empty Buffer for observations with numFeatures values and actions
// in the range [0, numActions).
func NewBuffer(numFeatures, numActions int) *Buffer {
	return &Buffer{numFeatures: numFeatures, numActions: numActions}
}

// Store appends a transition to the episode. The observation is copied.
func (b *Buffer) Store(observation []float32, action int, reward float32) error {
	if len(observation) != b.numFeatures {
		return errors.Errorf("observation has %d features, expected %d", len(observation), b.numFeatures)
	}
	if action < 0 || action >= b.numActions {
		return errors.Errorf("action %d out of range, there are %d actions", action, b.numActions)
	}
	b.observations = append(b.observations, append([]float32(nil), observation...))
	b.actions = append(b.actions, action)
	b.rewards = append(b.rewards, reward)
	return nil
}

// Clear discards all transitions, keeping the allocated space.
func (b *Buffer) Clear() {
	clear(b.observations)
	b.observations = b.observations[:0]
	b.actions = b.actions[:0]
	b.rewards = b.rewards[:0]
}

// Len returns the number of transitions stored.
func (b *Buffer) Len() int { return len(b.actions) }

// NumFeatures of each observation.
func (b *Buffer) NumFeatures() int { return b.numFeatures }

// NumActions accepted by Store.
func (b *Buffer) NumActions() int { return b.numActions }

// Observations stored so far. The returned slice is owned by the Buffer.
func (b *Buffer) Observations() [][]float32 { return b.observations }

// Actions stored so far. The returned slice is owned by the Buffer.
func (b *Buffer) Actions() []int { return b.actions }

// Rewards stored so far. The returned slice is owned by the Buffer.
func (b *Buffer) Rewards() []float32 { return b.rewards }

// TotalReward is the undiscounted sum of rewards of the episode.
func (b *Buffer) TotalReward() (total float32) {
	for _, r := range b.rewards {
		total += r
	}
	return
}

// DiscountedReturns calculates, for each step t, the complete return
// G_t = r_t + gamma*r_{t+1} + gamma^2*r_{t+2} + ... up to the end of the episode.
func DiscountedReturns(rewards []float32, gamma float64) ([]float64, error) {
	if gamma < 0 || gamma > 1 {
		return nil, errors.Errorf("discount gamma=%g must be in the range [0, 1]", gamma)
	}
	returns := make([]float64, len(rewards))
	var next float64
	for t := len(rewards) - 1; t >= 0; t-- {
		next = float64(rewards[t]) + gamma*next
		returns[t] = next
	}
	return returns, nil
}

// minStdDev below which returns are considered constant.
const minStdDev = 1e-8

// NormalizeReturns shifts and scales returns in place to mean 0 and standard deviation 1,
// reducing the variance of the gradient estimate.
//
// If all returns are the same (including a single step episode) they are only centered,
// which makes them all 0.
func NormalizeReturns(returns []float64) {
	if len(returns) == 0 {
		return
	}
	mean, std := stat.PopMeanStdDev(returns, nil)
	for ii := range returns {
		returns[ii] -= mean
		if std > minStdDev {
			returns[ii] /= std
		}
	}
}

// Returns calculates the per-step weights used for learning: the discounted returns,
// optionally normalized.
func Returns(rewards []float32, gamma float64, normalize bool) ([]float32, error) {
	returns, err := DiscountedReturns(rewards, gamma)
	if err != nil {
		return nil, err
	}
	if normalize {
		NormalizeReturns(returns)
	}
	return generics.ConvertSlice[float32](returns), nil
}

// OneHotEncoding returns a slice of float32 with one element set to 1, and all others to 0.
func OneHotEncoding(total, selected int) (vec []float32) {
	vec = make([]float32, total)
	if total > 0 {
		vec[selected] = 1
	}
	return
}
