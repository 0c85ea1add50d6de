package policy

import (
	"fmt"
	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/mcpg/internal/env"
	"github.com/janpfeifer/mcpg/internal/generics"
	"github.com/janpfeifer/mcpg/internal/parameters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestModel_Padding(t *testing.T) {
	m := NewModel(4, 2)
	wantPaddedSizes := []int{1, 8, 8, 8, 8, 8, 8, 8, 12, 12, 12, 12, 18, 18, 18, 18, 18, 18, 27, 27, 27, 27, 27, 27, 27, 27, 27, 41, 41, 41, 41}
	gotPaddedSizes := make([]int, len(wantPaddedSizes))
	for ii := range wantPaddedSizes {
		gotPaddedSizes[ii] = m.paddedSize(ii + 1)
	}
	require.Equal(t, wantPaddedSizes, gotPaddedSizes)
}

func TestModel_InputsAndLabels(t *testing.T) {
	m := NewModel(2, 3)
	observations := [][]float32{{1, 2}, {3, 4}, {5, 6}}
	inputs := m.CreateInputs(observations)
	require.Len(t, inputs, 2)
	inputs[0].Shape().AssertDims(8, 2)
	assert.Equal(t, int32(3), tensors.ToScalar[int32](inputs[1]))
	wantObs := make([]float32, 16)
	copy(wantObs, []float32{1, 2, 3, 4, 5, 6})
	assert.Equal(t, wantObs, tensors.CopyFlatData[float32](inputs[0]))

	labels := m.CreateLabels([]int{2, 0, 1}, []float32{0.5, -1, 2})
	require.Len(t, labels, 2)
	labels[0].Shape().AssertDims(8, 3)
	labels[1].Shape().AssertDims(8)
	wantActions := make([]float32, 24)
	copy(wantActions, []float32{0, 0, 1, 1, 0, 0, 0, 1, 0})
	assert.Equal(t, wantActions, tensors.CopyFlatData[float32](labels[0]))
	wantReturns := make([]float32, 8)
	copy(wantReturns, []float32{0.5, -1, 2})
	assert.Equal(t, wantReturns, tensors.CopyFlatData[float32](labels[1]))

	// A single observation is not padded.
	inputs = m.CreateInputs([][]float32{{1, 1}})
	inputs[0].Shape().AssertDims(1, 2)
}

func TestModel_ForwardGraph(t *testing.T) {
	m := NewModel(3, 4)
	inputs := m.CreateInputs([][]float32{{1, 0, 0}, {0, 1, 0}, {0.5, -0.5, 2}})
	backend := graphtest.BuildTestBackend()
	probsT := context.ExecOnce(backend, m.Context(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		return m.ForwardGraph(ctx, inputs[0])
	}, inputs[0])
	fmt.Printf("Probabilities: %s\n", probsT)
	probsT.Shape().AssertDims(8, 4)
	probs := tensors.CopyFlatData[float32](probsT)
	for step := range 3 {
		var sumProbs float32
		for _, p := range probs[step*4 : (step+1)*4] {
			require.GreaterOrEqual(t, p, float32(0))
			sumProbs += p
		}
		require.InDeltaf(t, 1.0, sumProbs, 1e-4, "Sum of probabilities for step %d is %.3f, it should be 1", step, sumProbs)
	}
}

func TestModel_LossGraph(t *testing.T) {
	m := NewModel(2, 2)
	observations := [][]float32{{1, 0}, {0, 1}, {1, 1}}
	actions := []int{0, 1, 1}
	returns := []float32{1, -0.5, 2}
	inputs := m.CreateInputs(observations)
	labels := m.CreateLabels(actions, returns)
	backend := graphtest.BuildTestBackend()

	probsT := context.ExecOnce(backend, m.Context(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		return m.ForwardGraph(ctx, inputs[0])
	}, inputs[0])
	probs := tensors.CopyFlatData[float32](probsT)

	inputsAny := generics.SliceMap(append(inputs, labels...), func(t *tensors.Tensor) any { return t })
	lossT := context.ExecOnce(backend, m.Context(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		return m.LossGraph(ctx, inputs[:2], inputs[2:])
	}, inputsAny...)
	fmt.Printf("Loss: %s\n", lossT)
	lossT.Shape().AssertScalar()

	// Same loss calculated directly from the probabilities: padding must not contribute.
	var want float32
	for step, action := range actions {
		want -= returns[step] * math32.Log(probs[step*2+action])
	}
	want /= float32(len(actions))
	assert.InDelta(t, want, tensors.ToScalar[float32](lossT), 1e-4)
}

func TestModel_LossGraphEntropyBonus(t *testing.T) {
	const entropyCoef = 0.1
	m := NewModel(2, 3)
	m.Context().SetParam(ParamEntropyCoef, entropyCoef)
	observations := [][]float32{{1, 0}, {0, 1}, {1, 1}}
	actions := []int{0, 2, 1}
	returns := []float32{1, -0.5, 2}
	inputs := m.CreateInputs(observations)
	labels := m.CreateLabels(actions, returns)
	backend := graphtest.BuildTestBackend()

	probsT := context.ExecOnce(backend, m.Context(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		return m.ForwardGraph(ctx, inputs[0])
	}, inputs[0])
	probs := tensors.CopyFlatData[float32](probsT)

	inputsAny := generics.SliceMap(append(inputs, labels...), func(t *tensors.Tensor) any { return t })
	lossT := context.ExecOnce(backend, m.Context(), func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
		return m.LossGraph(ctx, inputs[:2], inputs[2:])
	}, inputsAny...)

	// Only the 3 real steps, out of the 8 padded ones, count for the entropy bonus.
	var want, meanEntropy float32
	for step, action := range actions {
		stepProbs := probs[step*3 : (step+1)*3]
		want -= returns[step] * math32.Log(stepProbs[action])
		meanEntropy += Entropy(stepProbs)
	}
	want /= float32(len(actions))
	meanEntropy /= float32(len(actions))
	want -= entropyCoef * meanEntropy
	assert.InDelta(t, want, tensors.ToScalar[float32](lossT), 1e-4)
}

func TestEntropy(t *testing.T) {
	assert.InDelta(t, float32(0), Entropy([]float32{0, 1, 0}), 1e-6)
	assert.InDelta(t, MaxEntropy(4), Entropy([]float32{0.25, 0.25, 0.25, 0.25}), 1e-6)
	assert.Less(t, Entropy([]float32{0.9, 0.1}), MaxEntropy(2))
	assert.Zero(t, MaxEntropy(1))
}

func TestNew(t *testing.T) {
	_, err := New(0, 2, parameters.Params{})
	require.Error(t, err)
	_, err = New(2, 1, parameters.Params{})
	require.Error(t, err)

	// Unknown parameters are reported.
	_, err = New(2, 2, parameters.NewFromConfigString("learning_rat=0.1"))
	require.Error(t, err)
	_, err = New(2, 2, parameters.NewFromConfigString("gamma=1.5"))
	require.Error(t, err)
	_, err = New(2, 2, parameters.NewFromConfigString("help"))
	require.Error(t, err)

	a, err := New(2, 3, parameters.NewFromConfigString("learning_rate=0.01,gamma=0.99,fnn_num_hidden_nodes=8,seed=1"))
	require.NoError(t, err)
	defer a.Finalize()
	assert.Equal(t, 0.99, a.gamma)
	assert.Equal(t, 0.01, context.GetParamOr(a.model.Context(), "learning_rate", 0.0))
	assert.Equal(t, 2, a.NumFeatures())
	assert.Equal(t, 3, a.NumActions())
	fmt.Printf("Agent: %s\n", a)

	probs := a.ActionProbabilities([]float32{1, -1})
	require.Len(t, probs, 3)
	var sum float32
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
	for range 20 {
		action := a.Act([]float32{1, -1})
		assert.GreaterOrEqual(t, action, 0)
		assert.Less(t, action, 3)
	}
	assert.Equal(t, generics.ArgMax(probs), a.Greedy([]float32{1, -1}))
	assert.Greater(t, a.EpisodeEntropy(), float32(0))
	assert.LessOrEqual(t, a.EpisodeEntropy(), MaxEntropy(3)+1e-4)
}

func TestAgent_TrainEpisode(t *testing.T) {
	a, err := New(2, 2, parameters.NewFromConfigString("seed=7,saving_period=0"))
	require.NoError(t, err)
	defer a.Finalize()

	_, err = a.TrainEpisode()
	require.ErrorIs(t, err, ErrEmptyEpisode)
	_, err = a.Loss()
	require.ErrorIs(t, err, ErrEmptyEpisode)

	require.Error(t, a.StoreTransition([]float32{1}, 0, 1), "wrong number of features")
	require.Error(t, a.StoreTransition([]float32{1, 0}, 2, 1), "invalid action")

	obs := []float32{1, 0}
	for step := range 5 {
		require.NoError(t, a.StoreTransition(obs, a.Act(obs), float32(step)))
	}
	assert.Equal(t, 5, a.EpisodeLen())
	assert.Equal(t, float32(10), a.EpisodeReward())
	lossBefore, err := a.Loss()
	require.NoError(t, err)
	assert.Equal(t, 5, a.EpisodeLen(), "Loss must not clear the episode")

	loss, err := a.TrainEpisode()
	require.NoError(t, err)
	assert.InDelta(t, lossBefore, loss, 1e-5)
	assert.Equal(t, 0, a.EpisodeLen())
	assert.Zero(t, a.EpisodeEntropy())
	assert.Equal(t, 1, a.Episode())
	assert.Equal(t, 5, a.TimeStep())
}

func TestAgent_LearnsBandit(t *testing.T) {
	// Single step episodes: normalizing a single return would zero it.
	e, err := env.New("bandit:probs=0.1/0.9,seed=5")
	require.NoError(t, err)
	a, err := New(e.NumFeatures(), e.NumActions(),
		parameters.NewFromConfigString("seed=5,learning_rate=0.05,normalize_returns=false"))
	require.NoError(t, err)
	defer a.Finalize()

	for range 300 {
		obs := e.Reset()
		action := a.Act(obs)
		_, reward, _ := e.Step(action)
		require.NoError(t, a.StoreTransition(obs, action, reward))
		_, err = a.TrainEpisode()
		require.NoError(t, err)
	}
	probs := a.ActionProbabilities(e.Reset())
	fmt.Printf("Bandit probabilities after training: %v\n", probs)
	assert.Greater(t, probs[1], float32(0.8))
	assert.Equal(t, 1, a.Greedy(e.Reset()))
}

func TestAgent_Checkpoint(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "agent")
	config := fmt.Sprintf("checkpoint=%s,saving_period=10,seed=3,learning_rate=0.01", dir)
	a, err := New(2, 2, parameters.NewFromConfigString(config))
	require.NoError(t, err)
	assert.Contains(t, a.String(), dir)

	// Crossing the saving period triggers a save.
	obs := []float32{0.5, 1}
	for range 12 {
		require.NoError(t, a.StoreTransition(obs, a.Act(obs), 1))
	}
	_, err = a.TrainEpisode()
	require.NoError(t, err)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	probs := a.ActionProbabilities(obs)
	a.Finalize()

	// Reloading restores the weights and the hyperparameters.
	b, err := New(2, 2, parameters.NewFromConfigString(fmt.Sprintf("checkpoint=%s", dir)))
	require.NoError(t, err)
	defer b.Finalize()
	assert.InDeltaSlice(t, probs, b.ActionProbabilities(obs), 1e-5)
	assert.Equal(t, 0.01, context.GetParamOr(b.model.Context(), "learning_rate", 0.0))

	// Counters are restored, and saving continues from where it stopped.
	assert.Equal(t, 1, b.Episode())
	assert.Equal(t, 12, b.TimeStep())
}

func TestAgent_TrainStepPanicReleasesLock(t *testing.T) {
	a, err := New(2, 2, parameters.NewFromConfigString("seed=1,saving_period=0"))
	require.NoError(t, err)
	defer a.Finalize()

	// Missing labels make the train step graph fail.
	inputs := a.model.CreateInputs([][]float32{{1, 0}, {0, 1}})
	invalid := generics.SliceMap(inputs[:1], func(t *tensors.Tensor) any { return t })
	require.Panics(t, func() { _ = a.trainStep(invalid, 2) })
	assert.Equal(t, 0, a.Episode())

	// The agent is still usable.
	done := make(chan []float32)
	go func() { done <- a.ActionProbabilities([]float32{1, 0}) }()
	select {
	case probs := <-done:
		require.Len(t, probs, 2)
	case <-time.After(time.Minute):
		t.Fatal("ActionProbabilities blocked after a failed train step")
	}
	obs := []float32{1, 0}
	require.NoError(t, a.StoreTransition(obs, a.Act(obs), 1))
	_, err = a.TrainEpisode()
	require.NoError(t, err)
	assert.Equal(t, 1, a.Episode())
}
