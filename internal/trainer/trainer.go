// Package trainer runs the REINFORCE episode loop: it plays episodes of an environment with an
// agent, trains the agent at the end of each episode, and keeps track of the training statistics.
package trainer

import (
	"context"
	"fmt"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/mcpg/internal/env"
	"github.com/janpfeifer/mcpg/internal/generics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"time"
)

// Agent is what the Trainer needs from a learning policy. It is implemented by policy.Agent.
type Agent interface {
	GreedyPolicy

	// Act samples an action for the observation.
	Act(observation []float32) int

	// StoreTransition records one step of the current episode.
	StoreTransition(observation []float32, action int, reward float32) error

	// ClearEpisode discards the current episode.
	ClearEpisode()

	// TrainEpisode learns from the current episode and clears it.
	TrainEpisode() (loss float32, err error)

	// EpisodeEntropy is the mean entropy of the action distributions sampled in the current episode.
	EpisodeEntropy() float32

	// Episode and TimeStep are the counters of episodes and transitions trained so far.
	Episode() int
	TimeStep() int
}

// GreedyPolicy selects the most probable action. It must be safe for concurrent use.
type GreedyPolicy interface {
	Greedy(observation []float32) int
}

// Defaults for Config.
const (
	DefaultLogPeriod = 500

	// averageDecay used for the moving averages of rewards and losses.
	averageDecay = float32(0.95)
)

// Config of a training run.
type Config struct {
	// Episodes to train. If <= 0 trains until the context is cancelled.
	Episodes int

	// MaxSteps truncates episodes with more steps than this. If <= 0 episodes run until the environment ends them.
	MaxSteps int

	// LogPeriod is the number of time steps between log lines. If <= 0 nothing is logged.
	LogPeriod int

	// EvalEpisodes played by Trainer.Evaluate.
	EvalEpisodes int

	// EvalParallelism is the number of evaluation episodes played simultaneously. If <= 0 it
	// defaults to GOMAXPROCS.
	EvalParallelism int
}

// Stats of a training run.
type Stats struct {
	Episodes, TimeSteps int

	// Last episode values.
	LastReward, LastLoss, LastEntropy float32
	LastSteps                         int

	// Moving averages.
	AverageReward, AverageLoss float32

	BestReward float32
	Elapsed    time.Duration
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	return fmt.Sprintf("episode %d, time step %d: ~reward=%.2f, best=%.2f, ~loss=%.4f, entropy=%.3f",
		s.Episodes, s.TimeSteps, s.AverageReward, s.BestReward, s.AverageLoss, s.LastEntropy)
}

// Trainer plays episodes of an environment and trains the agent after each one of them.
type Trainer struct {
	config Config
	env    env.Environment
	agent  Agent

	// OnEpisode, if set, is called after every trained episode with the current statistics.
	OnEpisode func(Stats)
}

// New creates a Trainer for the agent in the environment.
func New(e env.Environment, agent Agent, config Config) *Trainer {
	return &Trainer{config: config, env: e, agent: agent}
}

// Run trains until the configured number of episodes is reached or ctx is cancelled.
// A cancellation is not an error: the statistics so far are returned.
func (t *Trainer) Run(ctx context.Context) (stats Stats, err error) {
	start := time.Now()
	lastLogged := t.agent.TimeStep()
	klog.V(1).Infof("Training %s on %s for %d episodes", t.agent, t.env, t.config.Episodes)
	err = exceptions.TryCatch[error](func() {
		for episodeIdx := 0; t.config.Episodes <= 0 || episodeIdx < t.config.Episodes; episodeIdx++ {
			if ctx.Err() != nil {
				return
			}
			reward, steps, entropy, err := t.playEpisode(ctx)
			if err != nil {
				panic(err)
			}
			if ctx.Err() != nil {
				// Interrupted in the middle of the episode: discard it.
				t.agent.ClearEpisode()
				return
			}
			loss, err := t.agent.TrainEpisode()
			if err != nil {
				panic(errors.WithMessagef(err, "failed to train episode %d", t.agent.Episode()))
			}

			stats.Episodes++
			stats.TimeSteps += steps
			stats.LastReward, stats.LastLoss, stats.LastEntropy, stats.LastSteps = reward, loss, entropy, steps
			stats.AverageReward = generics.MovingAverage(stats.AverageReward, reward, averageDecay, stats.Episodes)
			stats.AverageLoss = generics.MovingAverage(stats.AverageLoss, loss, averageDecay, stats.Episodes)
			if stats.Episodes == 1 || reward > stats.BestReward {
				stats.BestReward = reward
			}
			stats.Elapsed = time.Since(start)
			if t.OnEpisode != nil {
				t.OnEpisode(stats)
			}
			if t.config.LogPeriod > 0 && t.agent.TimeStep()/t.config.LogPeriod > lastLogged/t.config.LogPeriod {
				klog.Infof("Training %s", stats)
				lastLogged = t.agent.TimeStep()
			}
		}
	})
	stats.Elapsed = time.Since(start)
	return
}

// playEpisode acts in the environment until the end of the episode, storing the transitions in the agent.
func (t *Trainer) playEpisode(ctx context.Context) (reward float32, steps int, entropy float32, err error) {
	t.agent.ClearEpisode()
	observation := t.env.Reset()
	for {
		if ctx.Err() != nil {
			return
		}
		action := t.agent.Act(observation)
		nextObservation, stepReward, done := t.env.Step(action)
		if err = t.agent.StoreTransition(observation, action, stepReward); err != nil {
			return
		}
		reward += stepReward
		steps++
		if klog.V(3).Enabled() {
			klog.Infof("step %d: action=%d, reward=%g, done=%v", steps, action, stepReward, done)
		}
		if done || (t.config.MaxSteps > 0 && steps >= t.config.MaxSteps) {
			break
		}
		observation = nextObservation
	}
	entropy = t.agent.EpisodeEntropy()
	return
}
