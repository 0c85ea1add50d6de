package trainer

import (
	"context"
	"fmt"
	"github.com/janpfeifer/mcpg/internal/env"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
	"runtime"
	"slices"
	"time"
)

// EvalStats summarizes the rewards of the evaluation episodes.
type EvalStats struct {
	Episodes                  int
	Mean, Min, Max, MeanSteps float32
	Elapsed                   time.Duration
}

// String implements fmt.Stringer.
func (s EvalStats) String() string {
	return fmt.Sprintf("%d episodes: mean reward=%.2f (min=%.2f, max=%.2f), mean steps=%.1f",
		s.Episodes, s.Mean, s.Min, s.Max, s.MeanSteps)
}

// Evaluate plays episodes with the greedy policy, without learning, and summarizes the rewards.
//
// Episodes are played in parallel, each with its own environment created by newEnv with the
// episode index. Use env.NewVariant so each episode is seeded differently.
// If parallelism <= 0 it defaults to GOMAXPROCS. maxSteps truncates episodes, if > 0.
//
// If ctx is cancelled before all episodes are played, it returns the context error.
func Evaluate(ctx context.Context, newEnv func(episodeIdx int) (env.Environment, error), policy GreedyPolicy,
	episodes, parallelism, maxSteps int) (stats EvalStats, err error) {
	if episodes <= 0 {
		return stats, errors.Errorf("invalid number of evaluation episodes %d", episodes)
	}
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	start := time.Now()
	rewards := make([]float32, episodes)
	steps := make([]int, episodes)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for episodeIdx := range episodes {
		g.Go(func() error {
			e, err := newEnv(episodeIdx)
			if err != nil {
				return errors.WithMessagef(err, "failed to create environment for evaluation episode %d", episodeIdx)
			}
			rewards[episodeIdx], steps[episodeIdx], err = playGreedy(ctx, e, policy, maxSteps)
			return err
		})
	}
	if err = g.Wait(); err != nil {
		return stats, err
	}

	stats.Episodes = episodes
	stats.Min, stats.Max = slices.Min(rewards), slices.Max(rewards)
	for ii, r := range rewards {
		stats.Mean += r
		stats.MeanSteps += float32(steps[ii])
	}
	stats.Mean /= float32(episodes)
	stats.MeanSteps /= float32(episodes)
	stats.Elapsed = time.Since(start)
	klog.V(1).Infof("Evaluation: %s", stats)
	return stats, nil
}

// EvalVariantOffset is added to the episode index of the evaluation environment variants, so
// they don't replay the seeds used in training.
const EvalVariantOffset = 1_000_003

// Evaluate the agent's greedy policy with the configured number of episodes, parallelism and
// max steps. Each episode uses its own variant of the environment configuration envConfig.
func (t *Trainer) Evaluate(ctx context.Context, envConfig string) (EvalStats, error) {
	newEnv := func(episodeIdx int) (env.Environment, error) {
		return env.NewVariant(envConfig, EvalVariantOffset+episodeIdx)
	}
	return Evaluate(ctx, newEnv, t.agent, t.config.EvalEpisodes, t.config.EvalParallelism, t.config.MaxSteps)
}

// playGreedy plays one episode always taking the most probable action.
func playGreedy(ctx context.Context, e env.Environment, policy GreedyPolicy, maxSteps int) (reward float32, steps int, err error) {
	observation := e.Reset()
	for {
		if err = ctx.Err(); err != nil {
			return
		}
		var stepReward float32
		var done bool
		observation, stepReward, done = e.Step(policy.Greedy(observation))
		reward += stepReward
		steps++
		if done || (maxSteps > 0 && steps >= maxSteps) {
			return
		}
	}
}
