package env

import (
	"fmt"
	"github.com/janpfeifer/mcpg/internal/episode"
	"github.com/janpfeifer/mcpg/internal/parameters"
	"github.com/pkg/errors"
)

func init() {
	Register("corridor", NewCorridorFromParams)
}

// Corridor actions.
const (
	CorridorLeft = iota
	CorridorRight
)

// Corridor is a 1-D walk: the agent starts at the left end of a corridor of Length cells
// and moves left or right. Reaching the rightmost cell pays 1 and ends the episode; every
// other step costs StepPenalty. The episode is also ended after MaxSteps.
//
// The observation is the one-hot encoding of the current cell.
type Corridor struct {
	Length, MaxSteps int
	StepPenalty      float32

	position, steps int
}

var _ Environment = (*Corridor)(nil)

// NewCorridorFromParams implements Factory. Parameters: "length" (default 6), "max_steps"
// (default 50) and "step_penalty" (default 0.01).
func NewCorridorFromParams(params parameters.Params) (Environment, error) {
	c := &Corridor{}
	var err error
	if c.Length, err = parameters.PopParamOr(params, "length", 6); err != nil {
		return nil, err
	}
	if c.MaxSteps, err = parameters.PopParamOr(params, "max_steps", 50); err != nil {
		return nil, err
	}
	if c.StepPenalty, err = parameters.PopParamOr(params, "step_penalty", float32(0.01)); err != nil {
		return nil, err
	}
	if c.Length < 2 || c.MaxSteps <= 0 {
		return nil, errors.Errorf("corridor requires length >= 2 and max_steps > 0, got length=%d, max_steps=%d",
			c.Length, c.MaxSteps)
	}
	return c, nil
}

// Reset implements Environment.
func (c *Corridor) Reset() []float32 {
	c.position, c.steps = 0, 0
	return episode.OneHotEncoding(c.Length, c.position)
}

// Step implements Environment.
func (c *Corridor) Step(action int) ([]float32, float32, bool) {
	switch action {
	case CorridorLeft:
		c.position = max(0, c.position-1)
	case CorridorRight:
		c.position = min(c.Length-1, c.position+1)
	}
	c.steps++
	if c.position == c.Length-1 {
		return episode.OneHotEncoding(c.Length, c.position), 1, true
	}
	return episode.OneHotEncoding(c.Length, c.position), -c.StepPenalty, c.steps >= c.MaxSteps
}

// NumFeatures implements Environment.
func (c *Corridor) NumFeatures() int { return c.Length }

// NumActions implements Environment.
func (c *Corridor) NumActions() int { return 2 }

// String implements Environment.
func (c *Corridor) String() string {
	return fmt.Sprintf("corridor(length=%d, max_steps=%d)", c.Length, c.MaxSteps)
}
