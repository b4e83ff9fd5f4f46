// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package gate

import "fmt"

// ---------------------------------------------------------------------------
// Actions and decisions
// ---------------------------------------------------------------------------

// Action is the traversal decision for one layer: process it normally,
// skip it, or jump several layers ahead.
type Action int

const (
	ActionNormal Action = iota
	ActionSkip
	ActionJump

	numActions = 3
)

// String returns a human-readable name for the action.
func (a Action) String() string {
	switch a {
	case ActionNormal:
		return "normal"
	case ActionSkip:
		return "skip"
	case ActionJump:
		return "jump"
	default:
		return "unknown"
	}
}

// maxJumpSpan caps how far ahead a single JUMP can reach.
const maxJumpSpan = 5

// Stats carries per-call diagnostics. Purely observational; collected only
// when requested.
type Stats struct {
	MeanScore float32 // mean token-importance score across the batch
	Action    Action  // chosen traversal action
	JumpDist  int     // chosen jump distance
	MeanGate  float32 // mean memory-gate value (how much old memory is kept)
}

// Decision is the complete output of one Gatekeeper call.
//
// Mask marks the tokens the host should process in this layer (exactly 0.0
// or 1.0 per token). Memory is the updated working-memory vector; the caller
// owns it and threads it into the next call. Stats is nil unless diagnostics
// were requested.
type Decision struct {
	Mask     *Tensor // [batch, seq, 1], values in {0, 1}
	Action   Action
	JumpDist int     // 1 for NORMAL, 2 for SKIP, sampled for JUMP
	Memory   *Tensor // [batch, 1, dims]
	Stats    *Stats
}

// ---------------------------------------------------------------------------
// Gatekeeper
// ---------------------------------------------------------------------------

// Gatekeeper is a per-layer decision module for a host sequence model.
//
// Per call it produces a token-importance mask, a traversal decision with a
// jump distance, and an updated working memory:
//
//	score  = sigmoid(MLP(LayerNorm(x)))            -- per token
//	mask   = score > sparsity_threshold            -- per token, {0, 1}
//	probs  = softmax(MLP(mean(x)))                 -- one distribution per call
//	action = epsilon-greedy over probs
//	g      = sigmoid(W_m @ mean_seq(x) + b_m)      -- per batch row, per feature
//	memory = g * prev_memory + (1 - g) * mean_seq(x)
//
// The Gatekeeper holds no mutable per-call state: parameters are read-only
// at inference, the PRNG state is caller-owned, and memory is threaded by
// the caller. Concurrent Forward calls with distinct RandStates are safe.
type Gatekeeper struct {
	cfg Config

	// Importance scorer: per-token scalar in [0, 1].
	scoreNorm *LayerNorm
	scoreUp   *Linear
	scoreOut  *Linear

	// Traversal policy: 3-way categorical over pooled features.
	policyUp  *Linear
	policyOut *Linear

	// Working-memory update gate and learned initial memory.
	memGate     *Linear
	memBaseline *Tensor // [1, 1, dims]
}

// NewGatekeeper constructs a Gatekeeper from cfg. Returns an error wrapping
// ErrInvalidConfig if cfg fails validation.
func NewGatekeeper(cfg Config) (*Gatekeeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	hidden := cfg.Dims / 4
	if hidden < 1 {
		hidden = 1
	}
	return &Gatekeeper{
		cfg:         cfg,
		scoreNorm:   NewLayerNorm(cfg.Dims, 1e-6),
		scoreUp:     NewLinear(cfg.Dims, hidden, true),
		scoreOut:    NewLinear(hidden, 1, true),
		policyUp:    NewLinear(cfg.Dims, hidden, true),
		policyOut:   NewLinear(hidden, numActions, true),
		memGate:     NewLinear(cfg.Dims, cfg.Dims, true),
		memBaseline: RandnWithStd(NewShape(1, 1, cfg.Dims), 0.02),
	}, nil
}

// Config returns the immutable configuration.
func (g *Gatekeeper) Config() Config { return g.cfg }

// InitialMemory returns the learned memory baseline expanded to the batch
// size: [batch, 1, dims]. Hosts call this once before the layer loop.
func (g *Gatekeeper) InitialMemory(batch int) *Tensor {
	out := New(NewShape(batch, 1, g.cfg.Dims))
	base := g.memBaseline.DataPtr()
	dst := out.DataPtr()
	for b := 0; b < batch; b++ {
		copy(dst[b*g.cfg.Dims:(b+1)*g.cfg.Dims], base)
	}
	return out
}

// Parameters returns all learned tensors.
func (g *Gatekeeper) Parameters() []*Tensor {
	return concatParams(
		g.scoreNorm.Parameters(),
		g.scoreUp.Parameters(),
		g.scoreOut.Parameters(),
		g.policyUp.Parameters(),
		g.policyOut.Parameters(),
		g.memGate.Parameters(),
		[]*Tensor{g.memBaseline},
	)
}

// Forward makes the traversal decision for one layer.
//
// x is the layer's input activations [batch, seq, dims]. layerIdx is the
// current layer, 0 <= layerIdx < TotalLayers. memory is the working-memory
// vector from the previous call ([batch, 1, dims]); nil uses the learned
// baseline. rng is the caller-owned PRNG state. collectStats attaches
// diagnostics to the returned Decision.
//
// On the final layer the decision is forced to NORMAL with distance 1
// regardless of the policy: there is nothing left to skip over.
func (g *Gatekeeper) Forward(x *Tensor, layerIdx int, memory *Tensor, rng *RandState, collectStats bool) (*Decision, error) {
	if x == nil || x.Shape().NDim() != 3 {
		return nil, fmt.Errorf("%w: input must be [batch, seq, dims]", ErrInvalidArgument)
	}
	dims := x.Shape().DimsRef()
	batch, seqLen, feat := dims[0], dims[1], dims[2]
	if feat != g.cfg.Dims {
		return nil, fmt.Errorf("%w: feature dim %d does not match configured dims %d", ErrInvalidArgument, feat, g.cfg.Dims)
	}
	if layerIdx < 0 || layerIdx >= g.cfg.TotalLayers {
		return nil, fmt.Errorf("%w: layer index %d out of range [0, %d)", ErrInvalidArgument, layerIdx, g.cfg.TotalLayers)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: nil random state", ErrInvalidArgument)
	}
	if memory == nil {
		memory = g.InitialMemory(batch)
	} else if !memory.Shape().Equal(NewShape(batch, 1, g.cfg.Dims)) {
		return nil, fmt.Errorf("%w: memory shape %v, want %v", ErrInvalidArgument, memory.Shape(), NewShape(batch, 1, g.cfg.Dims))
	}

	// Token importance: sigmoid(MLP(LayerNorm(x))) thresholded to {0, 1}.
	scores := g.scoreOut.Forward(silu(g.scoreUp.Forward(g.scoreNorm.Forward(x))))
	scores.SigmoidInPlace()
	mask := New(NewShape(batch, seqLen, 1))
	sData, mData := scores.DataPtr(), mask.DataPtr()
	for i, s := range sData {
		if s > g.cfg.SparsityThreshold {
			mData[i] = 1
		}
	}

	// Pool once: per-batch-row sequence mean feeds the memory path, the
	// all-row mean feeds the policy (one decision per call, not per row).
	pooled := x.MeanPoolSeq()
	action, dist := g.decide(pooled, layerIdx, rng)
	updated, meanGate := g.updateMemory(memory, pooled)

	d := &Decision{Mask: mask, Action: action, JumpDist: dist, Memory: updated}
	if collectStats {
		d.Stats = &Stats{
			MeanScore: scores.Mean(),
			Action:    action,
			JumpDist:  dist,
			MeanGate:  meanGate,
		}
	}
	return d, nil
}

// decide picks the traversal action and jump distance.
//
// Epsilon-greedy: with probability Epsilon the action is uniform over the
// three choices (exploration); otherwise it is the argmax of the softmax
// policy over the pooled input (exploitation). The final layer is forced
// to NORMAL before the policy is ever consulted.
func (g *Gatekeeper) decide(pooled *Tensor, layerIdx int, rng *RandState) (Action, int) {
	if layerIdx >= g.cfg.TotalLayers-1 {
		return ActionNormal, 1
	}

	var action Action
	if rng.Float32() < g.cfg.Epsilon {
		action = Action(rng.Intn(numActions))
	} else {
		probs := g.policyProbs(pooled)
		idx, _ := argmax(probs.DataPtr())
		action = Action(idx)
	}

	switch action {
	case ActionSkip:
		return ActionSkip, 2
	case ActionJump:
		return ActionJump, g.sampleJumpDist(layerIdx, rng)
	default:
		return ActionNormal, 1
	}
}

// policyProbs computes the softmax action distribution from the mean of the
// pooled rows: [1, 3].
func (g *Gatekeeper) policyProbs(pooled *Tensor) *Tensor {
	dims := pooled.Shape().DimsRef()
	batch, feat := dims[0], dims[2]
	avg := New(NewShape(1, feat))
	src, dst := pooled.DataPtr(), avg.DataPtr()
	for b := 0; b < batch; b++ {
		row := src[b*feat : (b+1)*feat]
		for d := range dst {
			dst[d] += row[d]
		}
	}
	invBatch := 1.0 / float32(batch)
	for d := range dst {
		dst[d] *= invBatch
	}
	logits := g.policyOut.Forward(silu(g.policyUp.Forward(avg)))
	return logits.Softmax()
}

// sampleJumpDist draws a jump distance uniformly from the half-open range
// [2, min(maxJumpSpan, TotalLayers-layerIdx)). When fewer than three layers
// remain that range is empty; the distance clamps to the minimum meaningful
// jump of 2 (the host loop terminates on any index past the last layer).
func (g *Gatekeeper) sampleJumpDist(layerIdx int, rng *RandState) int {
	hi := g.cfg.TotalLayers - layerIdx
	if hi > maxJumpSpan {
		hi = maxJumpSpan
	}
	if hi <= 2 {
		return 2
	}
	return 2 + rng.Intn(hi-2)
}

// updateMemory blends the previous memory with the pooled activations via a
// learned leaky-integrator gate:
//
//	g       = sigmoid(W_m @ pooled + b_m)    -- per feature, strictly in (0, 1)
//	updated = g * prev + (1 - g) * pooled
//
// Every output feature is a strict convex combination of the corresponding
// previous-memory and pooled features. Returns the updated memory and the
// mean gate value (for diagnostics).
func (g *Gatekeeper) updateMemory(prev, pooled *Tensor) (*Tensor, float32) {
	gateVals := g.memGate.Forward(pooled)
	gateVals.SigmoidInPlace()

	updated := New(prev.Shape())
	gv, pv, xv, out := gateVals.DataPtr(), prev.DataPtr(), pooled.DataPtr(), updated.DataPtr()
	for i := range out {
		out[i] = gv[i]*pv[i] + (1-gv[i])*xv[i]
	}
	return updated, gateVals.Mean()
}

// silu applies SiLU in-place and returns the same tensor, for chaining
// through the scorer and policy MLPs.
func silu(t *Tensor) *Tensor {
	t.SiLUInPlace()
	return t
}
