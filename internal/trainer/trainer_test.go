package trainer

import (
	"context"
	"fmt"
	"github.com/janpfeifer/mcpg/internal/env"
	"github.com/janpfeifer/mcpg/internal/parameters"
	"github.com/janpfeifer/mcpg/internal/policy"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"sync/atomic"
	"testing"
)

// fixedAgent always takes the same action, and "trains" by counting.
type fixedAgent struct {
	action             int
	transitions        int
	episodes, timeStep int
	trainErr           error
	greedyCalls        atomic.Int32
}

var _ Agent = (*fixedAgent)(nil)

func (a *fixedAgent) Act([]float32) int { return a.action }
func (a *fixedAgent) Greedy([]float32) int {
	a.greedyCalls.Add(1)
	return a.action
}
func (a *fixedAgent) StoreTransition([]float32, int, float32) error {
	a.transitions++
	return nil
}
func (a *fixedAgent) ClearEpisode()           { a.transitions = 0 }
func (a *fixedAgent) EpisodeEntropy() float32 { return 0 }
func (a *fixedAgent) Episode() int            { return a.episodes }
func (a *fixedAgent) TimeStep() int           { return a.timeStep }
func (a *fixedAgent) TrainEpisode() (float32, error) {
	if a.trainErr != nil {
		return 0, a.trainErr
	}
	loss := float32(a.transitions)
	a.episodes++
	a.timeStep += a.transitions
	a.transitions = 0
	return loss, nil
}

func createEnv(t *testing.T, config string) env.Environment {
	e, err := env.New(config)
	require.NoError(t, err)
	return e
}

func TestTrainer_Run(t *testing.T) {
	agent := &fixedAgent{action: env.CorridorRight}
	tr := New(createEnv(t, "corridor:length=3,step_penalty=0.5"), agent, Config{Episodes: 4, LogPeriod: 3})
	var calls int
	tr.OnEpisode = func(s Stats) {
		calls++
		assert.Equal(t, calls, s.Episodes)
	}
	stats, err := tr.Run(context.Background())
	require.NoError(t, err)
	fmt.Printf("Stats: %s\n", stats)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, stats.Episodes)
	assert.Equal(t, 8, stats.TimeSteps)
	assert.Equal(t, 4, agent.Episode())
	assert.Equal(t, 2, stats.LastSteps)
	assert.Equal(t, float32(0.5), stats.LastReward)
	assert.InDelta(t, 0.5, stats.AverageReward, 1e-6)
	assert.Equal(t, float32(0.5), stats.BestReward)
	assert.Equal(t, float32(2), stats.LastLoss)

	// Episodes truncated by MaxSteps: going left never ends the corridor.
	agent = &fixedAgent{action: env.CorridorLeft}
	tr = New(createEnv(t, "corridor:length=3,max_steps=100"), agent, Config{Episodes: 2, MaxSteps: 7})
	stats, err = tr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 14, stats.TimeSteps)
	assert.Equal(t, 7, stats.LastSteps)
}

func TestTrainer_Interrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	agent := &fixedAgent{action: env.CorridorRight}
	tr := New(createEnv(t, "corridor"), agent, Config{})
	tr.OnEpisode = func(s Stats) {
		if s.Episodes == 3 {
			cancel()
		}
	}
	stats, err := tr.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Episodes)
}

func TestTrainer_TrainError(t *testing.T) {
	agent := &fixedAgent{action: env.CorridorRight, trainErr: errors.New("boom")}
	tr := New(createEnv(t, "corridor"), agent, Config{Episodes: 1})
	_, err := tr.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestEvaluate(t *testing.T) {
	newEnv := func(int) (env.Environment, error) { return env.New("corridor:length=4,step_penalty=0.25") }
	agent := &fixedAgent{action: env.CorridorRight}
	stats, err := Evaluate(context.Background(), newEnv, agent, 10, 3, 0)
	require.NoError(t, err)
	fmt.Printf("Evaluation: %s\n", stats)
	assert.Equal(t, 10, stats.Episodes)
	assert.InDelta(t, 0.5, stats.Mean, 1e-6)
	assert.Equal(t, stats.Min, stats.Max)
	assert.InDelta(t, 3, stats.MeanSteps, 1e-6)
	assert.Equal(t, int32(30), agent.greedyCalls.Load())

	// Truncated episodes.
	agent = &fixedAgent{action: env.CorridorLeft}
	stats, err = Evaluate(context.Background(), newEnv, agent, 4, 0, 5)
	require.NoError(t, err)
	assert.InDelta(t, -1.25, stats.Mean, 1e-6)
	assert.InDelta(t, 5, stats.MeanSteps, 1e-6)

	_, err = Evaluate(context.Background(), newEnv, agent, 0, 1, 0)
	require.Error(t, err)

	_, err = Evaluate(context.Background(), func(int) (env.Environment, error) { return env.New("pong") }, agent, 2, 1, 0)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Evaluate(ctx, newEnv, agent, 2, 1, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestTrainer_EvaluateSeededVariants(t *testing.T) {
	// Every evaluation episode gets its own seed: a fair coin can't give the same reward 20 times.
	agent := &fixedAgent{action: 0}
	tr := New(createEnv(t, "bandit:probs=0.5/0.5,seed=3"), agent, Config{EvalEpisodes: 20, EvalParallelism: 4})
	stats, err := tr.Evaluate(context.Background(), "bandit:probs=0.5/0.5,seed=3")
	require.NoError(t, err)
	fmt.Printf("Evaluation: %s\n", stats)
	assert.Equal(t, 20, stats.Episodes)
	assert.Equal(t, float32(0), stats.Min)
	assert.Equal(t, float32(1), stats.Max)

	// The episode index selects the variant.
	var indices []int
	var mu sync.Mutex
	newEnv := func(episodeIdx int) (env.Environment, error) {
		mu.Lock()
		indices = append(indices, episodeIdx)
		mu.Unlock()
		return env.NewVariant("corridor:length=3", episodeIdx)
	}
	_, err = Evaluate(context.Background(), newEnv, agent, 5, 2, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, indices)
}

func TestTrainer_WithPolicy(t *testing.T) {
	e := createEnv(t, "corridor:length=3,max_steps=20")
	agent, err := policy.New(e.NumFeatures(), e.NumActions(), parameters.NewFromConfigString("seed=11,learning_rate=0.01"))
	require.NoError(t, err)
	defer agent.Finalize()
	stats, err := New(e, agent, Config{Episodes: 5}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Episodes)
	assert.Equal(t, 5, agent.Episode())
	assert.Equal(t, stats.TimeSteps, agent.TimeStep())
	assert.Greater(t, stats.LastEntropy, float32(0))

	tr := New(e, agent, Config{MaxSteps: 20, EvalEpisodes: 4, EvalParallelism: 2})
	evalStats, err := tr.Evaluate(context.Background(), "corridor:length=3,max_steps=20")
	require.NoError(t, err)
	assert.LessOrEqual(t, evalStats.MeanSteps, float32(20))
}
