package policy

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	fnnLayer "github.com/gomlx/gomlx/ml/layers/fnn"
	"github.com/gomlx/gomlx/ml/layers/regularizers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/mcpg/internal/episode"
)

// Hyperparameters of the REINFORCE learning, stored in the model context along with the
// network and optimizer ones.
const (
	// ParamGamma is the discount rate of future rewards.
	ParamGamma = "gamma"

	// ParamNormalizeReturns: if true, returns of each episode are normalized to mean 0 and
	// standard deviation 1 before weighting the log-probabilities.
	ParamNormalizeReturns = "normalize_returns"

	// ParamEntropyCoef is the weight of an entropy bonus added to the objective, to
	// discourage early collapse of the policy. Zero disables it.
	ParamEntropyCoef = "entropy_coef"
)

// Model is a feed-forward policy network: it maps observations to a softmax distribution
// over the discrete actions.
type Model struct {
	ctx                     *context.Context
	numFeatures, numActions int
}

// NewModel creates a Model with a fresh context, initialized with hyperparameters set to their defaults.
func NewModel(numFeatures, numActions int) *Model {
	m := &Model{ctx: context.New(), numFeatures: numFeatures, numActions: numActions}
	m.ctx.RngStateReset()
	m.ctx.SetParams(map[string]any{
		ParamGamma:            0.9,
		ParamNormalizeReturns: true,
		ParamEntropyCoef:      0.0,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-4,
		optimizers.ParamAdamEpsilon:  1e-7,
		optimizers.ParamAdamDType:    "",
		activations.ParamActivation:  "relu",
		layers.ParamDropoutRate:      0.0,
		regularizers.ParamL2:         0.0,
		regularizers.ParamL1:         0.0,

		// Policy network: one hidden layer of 36 units.
		fnnLayer.ParamNumHiddenLayers: 1,
		fnnLayer.ParamNumHiddenNodes:  36,
		fnnLayer.ParamResidual:        false,
		fnnLayer.ParamNormalization:   "none",
	})
	m.ctx = m.ctx.Checked(false)
	return m
}

// Context used by the model: with both its weights and hyperparameters.
func (m *Model) Context() *context.Context {
	return m.ctx
}

// NumFeatures of the observations taken by the model.
func (m *Model) NumFeatures() int { return m.numFeatures }

// NumActions of the output distribution.
func (m *Model) NumActions() int { return m.numActions }

// paddedSize returns a padded batch size for the given number of steps.
// Episodes have all sorts of lengths, and padding keeps the number of different compiled
// programs (one per shape) small.
func (m *Model) paddedSize(numSteps int) int {
	if numSteps <= 1 {
		// Always have the option to support 1: used when acting.
		return 1
	}
	// Starts with 8, anything smaller than that, the cost in space is too small, not worth having multiple programs
	// for different padding sizes.
	paddedSize := 8
	for paddedSize < numSteps {
		// Increase 1.5x at a time.
		paddedSize = paddedSize + (paddedSize+1)/2
	}
	return paddedSize
}

// CreateInputs returns the padded observations tensor, shaped [paddedSize, numFeatures],
// and a scalar int32 tensor with the number of observations actually used.
func (m *Model) CreateInputs(observations [][]float32) []*tensors.Tensor {
	numSteps := len(observations)
	padded := m.paddedSize(numSteps)
	observationsT := tensors.FromShape(shapes.Make(dtypes.Float32, padded, m.numFeatures))
	tensors.MutableFlatData(observationsT, func(flat []float32) {
		for stepIdx, obs := range observations {
			copy(flat[stepIdx*m.numFeatures:(stepIdx+1)*m.numFeatures], obs)
		}
	})
	return []*tensors.Tensor{observationsT, tensors.FromScalar(int32(numSteps))}
}

// CreateLabels returns the one-hot encoded actions taken, shaped [paddedSize, numActions], and
// the weight (return) of each step, shaped [paddedSize]. Padded rows are all zeros, so they
// don't contribute to the loss.
func (m *Model) CreateLabels(actions []int, returns []float32) []*tensors.Tensor {
	padded := m.paddedSize(len(actions))
	actionsT := tensors.FromShape(shapes.Make(dtypes.Float32, padded, m.numActions))
	tensors.MutableFlatData(actionsT, func(flat []float32) {
		for stepIdx, action := range actions {
			copy(flat[stepIdx*m.numActions:], episode.OneHotEncoding(m.numActions, action))
		}
	})
	returnsT := tensors.FromShape(shapes.Make(dtypes.Float32, padded))
	tensors.MutableFlatData(returnsT, func(flat []float32) {
		copy(flat, returns)
	})
	return []*tensors.Tensor{actionsT, returnsT}
}

// LogitsGraph returns the unnormalized log-probabilities of the actions, shaped [batchSize, numActions].
func (m *Model) LogitsGraph(ctx *context.Context, observations *Node) *Node {
	batchSize := observations.Shape().Dim(0)
	logits := fnnLayer.New(ctx.In("policy"), observations, m.numActions).Done()
	logits.AssertDims(batchSize, m.numActions)
	return logits
}

// ForwardGraph returns the probabilities of each action, shaped [batchSize, numActions].
func (m *Model) ForwardGraph(ctx *context.Context, observations *Node) *Node {
	return Softmax(m.LogitsGraph(ctx, observations), -1)
}

// stepsMask returns a float mask shaped [batchSize] with 1 for the steps in use, and 0 for padding.
func stepsMask(batch, numSteps *Node) *Node {
	g := batch.Graph()
	batchSize := batch.Shape().Dim(0)
	mask := LessThan(Iota(g, shapes.Make(dtypes.Int32, batchSize), 0), numSteps)
	return ConvertDType(mask, dtypes.Float32)
}

// LossGraph calculates the REINFORCE surrogate loss for one episode:
//
//	L = -1/T * Σ_t G_t * log π(a_t|s_t)
//
// where G_t is the (normalized) return of step t. Its gradient is the Monte Carlo estimate of
// the negated policy gradient, so minimizing it ascends the expected return.
//
// inputs are those created by CreateInputs, and labels those created by CreateLabels.
// It returns a scalar.
func (m *Model) LossGraph(ctx *context.Context, inputs, labels []*Node) *Node {
	observations, numSteps := inputs[0], inputs[1]
	actionsOneHot, returns := labels[0], labels[1]
	logProbs := LogSoftmax(m.LogitsGraph(ctx, observations), -1)

	// Log-probability of the action taken at each step: padded rows are zero.
	actionLogProbs := ReduceSum(Mul(logProbs, actionsOneHot), -1)
	numStepsF := ConvertDType(numSteps, dtypes.Float32)
	loss := Neg(Div(ReduceAllSum(Mul(actionLogProbs, returns)), numStepsF))

	entropyCoef := context.GetParamOr(ctx, ParamEntropyCoef, 0.0)
	if entropyCoef > 0 {
		entropy := Neg(ReduceSum(Mul(Exp(logProbs), logProbs), -1))
		entropy = Mul(entropy, stepsMask(observations, numSteps))
		meanEntropy := Div(ReduceAllSum(entropy), numStepsF)
		loss = Sub(loss, MulScalar(meanEntropy, entropyCoef))
	}
	return loss
}
