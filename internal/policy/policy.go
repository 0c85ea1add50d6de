// Package policy implements a REINFORCE (Monte Carlo Policy Gradient) agent using GoMLX.
//
// The Agent samples actions from a feed-forward policy network, collects the transitions of
// an episode, and at the end of the episode performs one gradient step weighting the
// log-probability of each action taken by its (normalized) discounted return.
package policy

import (
	"bytes"
	"fmt"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/xla"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/mcpg/internal/episode"
	"github.com/janpfeifer/mcpg/internal/generics"
	"github.com/janpfeifer/mcpg/internal/parameters"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"sync"
)

var (
	// Backend is a singleton, the same for all agents.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewExec is used to synchronize creation of executors.
	muNewExec sync.Mutex
)

// Defaults for the Agent parameters that are not model hyperparameters.
const (
	DefaultSavingPeriod      = 5000
	DefaultCheckpointsToKeep = 10
)

// CountersScope is the context scope of the episode and time step counters.
const CountersScope = "/counters"

// ErrEmptyEpisode is returned when training without any transition stored.
var ErrEmptyEpisode = errors.New("no transitions stored for the episode")

// Agent wraps the policy Model, the buffer with the current episode transitions, and the
// executors to act and to learn.
//
// Acting (ActionProbabilities, Act, Greedy) can be done concurrently. Storing transitions and
// training should be done from one goroutine only.
type Agent struct {
	model *Model

	// Executors.
	probsExec, lossExec, trainStepExec *context.Exec

	// optimizer used when training the model.
	optimizer optimizers.Interface

	// checkpoint handler, if model is being saved/loaded to/from disk.
	checkpoint *checkpoints.Handler

	// checkpointsToKeep is the number of copies of older checkpoints to keep around.
	checkpointsToKeep int

	// savingPeriod in time steps between checkpoints.
	savingPeriod int

	// Cached hyperparameters: they are also set in the model context.
	gamma     float64
	normalize bool

	// buffer with the transitions of the current episode.
	buffer *episode.Buffer

	// episodeEntropy sums the entropy of the action distributions sampled in the current episode.
	episodeEntropy float32
	numSampled     int

	// episodeCount and timeStep are mirrored in episodeVar and timeStepVar, so they are saved
	// with the checkpoint.
	episodeCount, timeStep  int
	episodeVar, timeStepVar *context.Variable

	// muRng protects rng, used for sampling actions.
	muRng sync.Mutex
	rng   *rand.Rand

	// muLearning "write" for learning, and "read" for acting.
	muLearning sync.RWMutex

	// muSave makes saving sequential.
	muSave sync.Mutex
}

// New creates an Agent for observations with numFeatures values and numActions discrete actions.
//
// params can include (all optional):
//
//   - "checkpoint": directory where to save the model. If it holds a checkpoint, it is loaded.
//   - "keep": number of checkpoints to keep. Default 10.
//   - "saving_period": number of time steps between checkpoints. Default 5000.
//   - "seed": seed for sampling actions and initializing the weights. 0 means random.
//   - Any of the model hyperparameters, e.g. "learning_rate=1e-3,gamma=0.99,fnn_num_hidden_nodes=64".
//   - "help": logs the model hyperparameters and returns an error.
//
// Parameters used are removed from params, and unknown ones are reported as an error.
func New(numFeatures, numActions int, params parameters.Params) (*Agent, error) {
	if numFeatures <= 0 || numActions < 2 {
		return nil, errors.Errorf("invalid policy dimensions: %d features, %d actions", numFeatures, numActions)
	}
	a := &Agent{
		model:  NewModel(numFeatures, numActions),
		buffer: episode.NewBuffer(numFeatures, numActions),
	}

	// Help if requested.
	for _, key := range []string{"help", "-help", "--help", "-h"} {
		if _, found := params[key]; found {
			a.writeHyperparametersHelp()
			return nil, errors.New("policy hyperparameters help requested")
		}
	}

	var err error
	if a.checkpointsToKeep, err = parameters.PopParamOr(params, "keep", DefaultCheckpointsToKeep); err != nil {
		return nil, err
	}
	if a.savingPeriod, err = parameters.PopParamOr(params, "saving_period", DefaultSavingPeriod); err != nil {
		return nil, err
	}
	seed, err := parameters.PopParamOr(params, "seed", int64(0))
	if err != nil {
		return nil, err
	}
	a.seed(seed)

	// Create checkpoint, and load it if it exists.
	checkpointDir, _ := parameters.PopParamOr(params, "checkpoint", "")
	if checkpointDir != "" {
		if err = a.createCheckpoint(checkpointDir); err != nil {
			return nil, errors.WithMessagef(err, "failed to build checkpoint for policy in path %s", checkpointDir)
		}
	}

	// Overwrite hyperparameters from given params.
	if err = extractParams(params, a.model.Context()); err != nil {
		return nil, err
	}
	if err = parameters.CheckAllUsed(params, "policy"); err != nil {
		return nil, err
	}
	ctx := a.model.Context()
	a.gamma = context.GetParamOr(ctx, ParamGamma, 0.9)
	if a.gamma < 0 || a.gamma > 1 {
		return nil, errors.Errorf("invalid %s=%g, it must be in the range [0, 1]", ParamGamma, a.gamma)
	}
	a.normalize = context.GetParamOr(ctx, ParamNormalizeReturns, true)

	a.loadCounters()

	// Create optimizer to be used in training.
	a.optimizer = optimizers.FromContext(ctx)
	a.createExecutors()
	klog.V(1).Infof("Created %s", a)
	return a, nil
}

// seed sets the source for sampling actions and the context random state used to initialize weights.
func (a *Agent) seed(seed int64) {
	if seed == 0 {
		a.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		return
	}
	a.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	a.model.Context().RngStateFromSeed(seed)
}

func (a *Agent) createExecutors() {
	muNewExec.Lock()
	defer muNewExec.Unlock()
	ctx := a.model.Context()
	a.probsExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputs []*graph.Node) *graph.Node {
			return a.model.ForwardGraph(ctx, inputs[0])
		})
	a.lossExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			return a.model.LossGraph(ctx, inputsAndLabels[:2], inputsAndLabels[2:])
		})
	a.trainStepExec = context.NewExec(backend(), ctx,
		func(ctx *context.Context, inputsAndLabels []*graph.Node) *graph.Node {
			g := inputsAndLabels[0].Graph()
			ctx.SetTraining(g, true)
			loss := a.model.LossGraph(ctx, inputsAndLabels[:2], inputsAndLabels[2:])
			a.optimizer.UpdateGraph(ctx, g, loss)
			train.ExecPerStepUpdateGraphFn(ctx, g)
			return loss
		})

	// Force creating/loading of variables without race conditions first.
	_ = a.ActionProbabilities(make([]float32, a.model.NumFeatures()))
}

// loadCounters creates the counter variables, or loads them from the checkpoint.
func (a *Agent) loadCounters() {
	ctx := a.model.Context().InAbsPath(CountersScope)
	a.episodeVar = ctx.VariableWithValue("episode", int64(0)).SetTrainable(false)
	a.timeStepVar = ctx.VariableWithValue("time_step", int64(0)).SetTrainable(false)
	a.episodeCount = int(tensors.ToScalar[int64](a.episodeVar.Value()))
	a.timeStep = int(tensors.ToScalar[int64](a.timeStepVar.Value()))
	if a.episodeCount > 0 {
		klog.V(1).Infof("Restored counters: episode %d, time step %d", a.episodeCount, a.timeStep)
	}
}

// String implements fmt.Stringer.
func (a *Agent) String() string {
	if a == nil {
		return "<nil>[REINFORCE]"
	}
	name := fmt.Sprintf("REINFORCE[GoMLX/%s](%d features, %d actions)",
		backend().Name(), a.model.NumFeatures(), a.model.NumActions())
	if a.checkpoint == nil {
		return name
	}
	return fmt.Sprintf("%s@%s", name, a.checkpoint.Dir())
}

// NumFeatures expected in the observations.
func (a *Agent) NumFeatures() int { return a.model.NumFeatures() }

// NumActions the agent chooses from.
func (a *Agent) NumActions() int { return a.model.NumActions() }

// Episode returns the number of episodes trained so far.
func (a *Agent) Episode() int { return a.episodeCount }

// TimeStep returns the number of transitions trained so far.
func (a *Agent) TimeStep() int { return a.timeStep }

// EpisodeLen is the number of transitions stored for the current episode.
func (a *Agent) EpisodeLen() int { return a.buffer.Len() }

// EpisodeReward is the sum of the rewards stored for the current episode.
func (a *Agent) EpisodeReward() float32 { return a.buffer.TotalReward() }

// ActionProbabilities returns the policy's probability of each action given the observation.
func (a *Agent) ActionProbabilities(observation []float32) []float32 {
	if len(observation) != a.model.NumFeatures() {
		exceptions.Panicf("policy %s: observation has %d features", a, len(observation))
	}
	inputs := a.model.CreateInputs([][]float32{observation})
	a.muLearning.RLock()
	defer a.muLearning.RUnlock()
	probsT := a.probsExec.Call(graph.DonateTensorBuffer(inputs[0], backend()))[0]
	return tensors.CopyFlatData[float32](probsT)
}

// Act samples an action from the policy's distribution given the observation.
func (a *Agent) Act(observation []float32) int {
	probs := a.ActionProbabilities(observation)
	a.muRng.Lock()
	defer a.muRng.Unlock()
	a.episodeEntropy += Entropy(probs)
	a.numSampled++
	dist := distuv.NewCategorical(generics.ConvertSlice[float64](probs), a.rng)
	return int(dist.Rand())
}

// Greedy returns the most probable action given the observation.
func (a *Agent) Greedy(observation []float32) int {
	return generics.ArgMax(a.ActionProbabilities(observation))
}

// EpisodeEntropy is the mean entropy of the action distributions sampled with Act since the
// episode started. It is 0 if no action was sampled.
func (a *Agent) EpisodeEntropy() float32 {
	a.muRng.Lock()
	defer a.muRng.Unlock()
	if a.numSampled == 0 {
		return 0
	}
	return a.episodeEntropy / float32(a.numSampled)
}

// StoreTransition records one step of the current episode: the observation the action was
// chosen from, the action and the immediate reward received.
func (a *Agent) StoreTransition(observation []float32, action int, reward float32) error {
	return a.buffer.Store(observation, action, reward)
}

// ClearEpisode discards the transitions of the current episode.
func (a *Agent) ClearEpisode() {
	a.buffer.Clear()
	a.muRng.Lock()
	a.episodeEntropy, a.numSampled = 0, 0
	a.muRng.Unlock()
}

// createInputsAndLabels for the executors from the current episode.
func (a *Agent) createInputsAndLabels() ([]any, error) {
	if a.buffer.Len() == 0 {
		return nil, ErrEmptyEpisode
	}
	returns, err := episode.Returns(a.buffer.Rewards(), a.gamma, a.normalize)
	if err != nil {
		return nil, err
	}
	inputs := a.model.CreateInputs(a.buffer.Observations())
	inputs = append(inputs, a.model.CreateLabels(a.buffer.Actions(), returns)...)
	return generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend())
	}), nil
}

// TrainEpisode performs one training step with the transitions of the current episode, and
// clears it.
//
// It also increments the episode and time step counters, and saves a checkpoint (if one was
// configured) every time the time step counter crosses a multiple of the saving period.
//
// It returns the loss of the episode before the update.
func (a *Agent) TrainEpisode() (loss float32, err error) {
	inputsAndLabels, err := a.createInputsAndLabels()
	if err != nil {
		return 0, err
	}
	numSteps := a.buffer.Len()
	previousTimeStep := a.timeStep
	loss = a.trainStep(inputsAndLabels, numSteps)
	a.ClearEpisode()
	if klog.V(2).Enabled() {
		klog.Infof("Episode %d: %d steps, loss=%.4f", a.episodeCount, numSteps, loss)
	}

	if a.savingPeriod > 0 && a.timeStep/a.savingPeriod > previousTimeStep/a.savingPeriod {
		if err = a.Save(); err != nil {
			return loss, err
		}
	}
	return loss, nil
}

// trainStep runs the optimizer on the given inputs and labels, and updates the counters.
func (a *Agent) trainStep(inputsAndLabels []any, numSteps int) float32 {
	a.muLearning.Lock()
	defer a.muLearning.Unlock()
	lossT := a.trainStepExec.Call(inputsAndLabels...)[0]
	a.episodeCount++
	a.timeStep += numSteps
	a.episodeVar.SetValue(tensors.FromScalar(int64(a.episodeCount)))
	a.timeStepVar.SetValue(tensors.FromScalar(int64(a.timeStep)))
	return tensors.ToScalar[float32](lossT)
}

// Loss returns the loss for the transitions of the current episode, without training.
func (a *Agent) Loss() (float32, error) {
	inputsAndLabels, err := a.createInputsAndLabels()
	if err != nil {
		return 0, err
	}
	a.muLearning.RLock()
	defer a.muLearning.RUnlock()
	lossT := a.lossExec.Call(inputsAndLabels...)[0]
	return tensors.ToScalar[float32](lossT), nil
}

// Save the model, if a checkpoint directory was configured.
func (a *Agent) Save() error {
	if a.checkpoint == nil {
		klog.V(1).Infof("%s is not associated to a checkpoint directory, not saving", a)
		return nil
	}
	a.muSave.Lock()
	defer a.muSave.Unlock()
	a.muLearning.RLock()
	defer a.muLearning.RUnlock()
	if err := a.checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint to %s", a.checkpoint.Dir())
	}
	klog.V(1).Infof("Saved checkpoint at time step %d, episode %d", a.timeStep, a.episodeCount)
	return nil
}

// Finalize frees the executors and the model, leaving the Agent in an invalid state.
func (a *Agent) Finalize() {
	a.probsExec.Finalize()
	a.lossExec.Finalize()
	a.trainStepExec.Finalize()
	a.model.Context().Finalize()
}

// writeHyperparametersHelp enumerates all the hyperparameters set in the context.
func (a *Agent) writeHyperparametersHelp() {
	buf := &bytes.Buffer{}
	_, _ = fmt.Fprintf(buf, "Policy parameters:\n")
	_, _ = fmt.Fprintf(buf, "\t\"checkpoint\": directory where to save/load the model\n")
	_, _ = fmt.Fprintf(buf, "\t\"keep\": number of checkpoints to keep, default is %d\n", DefaultCheckpointsToKeep)
	_, _ = fmt.Fprintf(buf, "\t\"saving_period\": time steps between checkpoints, default is %d\n", DefaultSavingPeriod)
	_, _ = fmt.Fprintf(buf, "\t\"seed\": random seed, default is 0 (random)\n")
	a.model.Context().EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		_, _ = fmt.Fprintf(buf, "\t%q: default value is %v\n", key, value)
	})
	klog.Info(buf)
}

func (a *Agent) createCheckpoint(dir string) error {
	var err error
	a.checkpoint, err = checkpoints.
		Build(a.model.Context()).
		Dir(dir).
		Immediate().
		Keep(a.checkpointsToKeep).
		Done()
	return err
}

// extractParams and write them as context hyperparameters
func extractParams(params parameters.Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil {
			// If error happened skip the rest.
			return
		}
		if scope != context.RootScope {
			return
		}
		switch defaultValue := valueAny.(type) {
		case string:
			value, _ := parameters.PopParamOr(params, key, defaultValue)
			ctx.SetParam(key, value)
		case int:
			err = popAndSet(params, ctx, key, defaultValue)
		case float64:
			err = popAndSet(params, ctx, key, defaultValue)
		case float32:
			err = popAndSet(params, ctx, key, defaultValue)
		case bool:
			err = popAndSet(params, ctx, key, defaultValue)
		default:
			err = errors.Errorf("policy parameter %q is of unknown type %T", key, defaultValue)
		}
	})
	return err
}

func popAndSet[T parameters.Value](params parameters.Params, ctx *context.Context, key string, defaultValue T) error {
	value, err := parameters.PopParamOr(params, key, defaultValue)
	if err != nil {
		return errors.WithMessagef(err, "parsing %q (%T) for policy", key, defaultValue)
	}
	ctx.SetParam(key, value)
	return nil
}
