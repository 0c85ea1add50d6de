package env

import (
	"fmt"
	"github.com/janpfeifer/mcpg/internal/parameters"
	"github.com/pkg/errors"
	"math"
	"math/rand/v2"
)

func init() {
	Register("cartpole", NewCartPoleFromParams)
}

// Physics of the cart-pole system.
const (
	gravity        = 9.81
	massCart       = 1.0
	massPole       = 0.1
	poleHalfLength = 0.5
	totalMass      = massCart + massPole
	poleMassLength = massPole * poleHalfLength
	forceMagnitude = 10.0
	tau            = 0.02 // Seconds between state updates.

	xThreshold     = 2.4
	thetaThreshold = 12.0 * math.Pi / 180.0

	DefaultCartPoleMaxSteps = 500
)

// CartPole is the classic pole balancing task: the agent pushes the cart left (action 0) or
// right (action 1), and gets a reward of 1 for every step the pole stays up and the cart
// stays in the track. The step where it fails is rewarded 0.
//
// Observations are the cart position and velocity, and the pole angle and angular velocity.
type CartPole struct {
	x, xDot, theta, thetaDot float64
	steps, maxSteps          int
	rng                      *rand.Rand
}

var _ Environment = (*CartPole)(nil)

// NewCartPole creates a CartPole environment. If seed is 0 a random one is used.
func NewCartPole(maxSteps int, seed uint64) *CartPole {
	if seed == 0 {
		seed = rand.Uint64()
	}
	c := &CartPole{maxSteps: maxSteps, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	c.Reset()
	return c
}

// NewCartPoleFromParams implements Factory. Parameters: "max_steps" and "seed".
func NewCartPoleFromParams(params parameters.Params) (Environment, error) {
	maxSteps, err := parameters.PopParamOr(params, "max_steps", DefaultCartPoleMaxSteps)
	if err != nil {
		return nil, err
	}
	if maxSteps <= 0 {
		return nil, errors.Errorf("cartpole max_steps=%d must be > 0", maxSteps)
	}
	seed, err := parameters.PopParamOr(params, "seed", int64(0))
	if err != nil {
		return nil, err
	}
	return NewCartPole(maxSteps, uint64(seed)), nil
}

func (c *CartPole) observation() []float32 {
	return []float32{float32(c.x), float32(c.xDot), float32(c.theta), float32(c.thetaDot)}
}

// Reset implements Environment.
func (c *CartPole) Reset() []float32 {
	uniform := func() float64 { return c.rng.Float64()*0.1 - 0.05 }
	c.x, c.xDot, c.theta, c.thetaDot = uniform(), uniform(), uniform(), uniform()
	c.steps = 0
	return c.observation()
}

// Step implements Environment.
func (c *CartPole) Step(action int) ([]float32, float32, bool) {
	force := forceMagnitude
	if action == 0 {
		force = -forceMagnitude
	}

	cosTheta := math.Cos(c.theta)
	sinTheta := math.Sin(c.theta)
	temp := (force + poleMassLength*c.thetaDot*c.thetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) /
		(poleHalfLength * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass

	// Euler integration.
	c.x += tau * c.xDot
	c.xDot += tau * xAcc
	c.theta += tau * c.thetaDot
	c.thetaDot += tau * thetaAcc
	c.steps++

	failed := math.Abs(c.x) > xThreshold || math.Abs(c.theta) > thetaThreshold
	done := failed || c.steps >= c.maxSteps
	reward := float32(1)
	if failed {
		reward = 0
	}
	return c.observation(), reward, done
}

// NumFeatures implements Environment.
func (c *CartPole) NumFeatures() int { return 4 }

// NumActions implements Environment.
func (c *CartPole) NumActions() int { return 2 }

// String implements Environment.
func (c *CartPole) String() string { return fmt.Sprintf("cartpole(max_steps=%d)", c.maxSteps) }
