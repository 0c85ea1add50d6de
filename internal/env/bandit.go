package env

import (
	"fmt"
	"github.com/janpfeifer/mcpg/internal/parameters"
	"github.com/pkg/errors"
	"math/rand/v2"
	"strconv"
	"strings"
)

func init() {
	Register("bandit", NewBanditFromParams)
}

// Bandit is an n-armed bandit where every episode is a single pull: action i pays a reward
// of 1 with probability Probs[i], and 0 otherwise.
//
// The observation is a single constant bias feature, so the policy only has to learn the
// best arm.
type Bandit struct {
	Probs []float64
	rng   *rand.Rand
}

var _ Environment = (*Bandit)(nil)

// NewBandit creates a Bandit with the given payout probabilities. If seed is 0 a random one is used.
func NewBandit(probs []float64, seed uint64) (*Bandit, error) {
	if len(probs) < 2 {
		return nil, errors.Errorf("bandit requires at least 2 arms, got %d", len(probs))
	}
	for arm, p := range probs {
		if p < 0 || p > 1 {
			return nil, errors.Errorf("bandit arm #%d has invalid probability %g", arm, p)
		}
	}
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Bandit{Probs: probs, rng: rand.New(rand.NewPCG(seed, ^seed))}, nil
}

// NewBanditFromParams implements Factory. Parameters:
//
//   - "probs": payout probabilities separated by "/", e.g. "probs=0.1/0.5/0.9".
//   - "arms": if "probs" is not given, the number of arms, with probabilities evenly spaced
//     from 0.1 to 0.9. Default is 4.
//   - "seed".
func NewBanditFromParams(params parameters.Params) (Environment, error) {
	probsConfig, _ := parameters.PopParamOr(params, "probs", "")
	arms, err := parameters.PopParamOr(params, "arms", 4)
	if err != nil {
		return nil, err
	}
	seed, err := parameters.PopParamOr(params, "seed", int64(0))
	if err != nil {
		return nil, err
	}
	var probs []float64
	if probsConfig != "" {
		for _, part := range strings.Split(probsConfig, "/") {
			p, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse bandit probability %q", part)
			}
			probs = append(probs, p)
		}
	} else {
		if arms < 2 {
			return nil, errors.Errorf("bandit arms=%d must be >= 2", arms)
		}
		probs = make([]float64, arms)
		for ii := range probs {
			probs[ii] = 0.1 + 0.8*float64(ii)/float64(arms-1)
		}
	}
	return NewBandit(probs, uint64(seed))
}

// Reset implements Environment.
func (b *Bandit) Reset() []float32 { return []float32{1} }

// Step implements Environment.
func (b *Bandit) Step(action int) ([]float32, float32, bool) {
	var reward float32
	if b.rng.Float64() < b.Probs[action] {
		reward = 1
	}
	return []float32{1}, reward, true
}

// NumFeatures implements Environment.
func (b *Bandit) NumFeatures() int { return 1 }

// NumActions implements Environment.
func (b *Bandit) NumActions() int { return len(b.Probs) }

// String implements Environment.
func (b *Bandit) String() string { return fmt.Sprintf("bandit(probs=%v)", b.Probs) }
