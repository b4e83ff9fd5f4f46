// SPDX-License-Identifier: CC-BY-NC-4.0
// Copyright (c) 2025-2026 fumi-engineer

package gate

import "fmt"

// HostLayer is one layer of the host model as seen by the traversal loop.
// The loop only needs the forward transformation; whatever the layer does
// internally (attention, FFN, anything shape-preserving) is opaque here.
type HostLayer interface {
	Forward(x *Tensor) *Tensor
}

// TraceStep records one iteration of the traversal loop.
type TraceStep struct {
	Layer    int
	Action   Action
	JumpDist int
}

// defaultJumpBlend weights the original input against working memory when a
// JUMP rewrites the activations. Indexed by min(jumpDist-1, 2): longer jumps
// lean harder on memory.
var defaultJumpBlend = [3]float32{0.9, 0.7, 0.5}

// Traversal drives a stack of host layers through the Gatekeeper.
//
// It is the explicit form of the host contract: an index-driven loop where
// each iteration asks the gate what to do with the current layer.
//
//	NORMAL: run the layer on important tokens only, adopt the new memory,
//	        advance by one.
//	SKIP:   leave the activations untouched, advance by one.
//	JUMP:   blend the activations with working memory, advance by the
//	        sampled distance.
//
// The loop terminates as soon as the index passes the last layer, so a jump
// near the end simply finishes traversal early.
type Traversal struct {
	gate      *Gatekeeper
	layers    []HostLayer
	jumpBlend [3]float32
}

// NewTraversal wires a Gatekeeper to its host layers. The layer count must
// match the gate's configured TotalLayers.
func NewTraversal(gk *Gatekeeper, layers []HostLayer) (*Traversal, error) {
	if gk == nil {
		return nil, fmt.Errorf("%w: nil gatekeeper", ErrInvalidArgument)
	}
	if len(layers) != gk.Config().TotalLayers {
		return nil, fmt.Errorf("%w: %d layers for a gate configured with %d",
			ErrInvalidArgument, len(layers), gk.Config().TotalLayers)
	}
	return &Traversal{gate: gk, layers: layers, jumpBlend: defaultJumpBlend}, nil
}

// Run executes the traversal loop over x ([batch, seq, dims]).
//
// memory may be nil to start from the gate's learned baseline. Returns the
// final activations, the final working memory, and the per-step trace.
func (tr *Traversal) Run(x, memory *Tensor, rng *RandState) (*Tensor, *Tensor, []TraceStep, error) {
	if x == nil || x.Shape().NDim() != 3 {
		return nil, nil, nil, fmt.Errorf("%w: input must be [batch, seq, dims]", ErrInvalidArgument)
	}
	if memory == nil {
		memory = tr.gate.InitialMemory(x.Shape().At(0))
	}

	trace := make([]TraceStep, 0, len(tr.layers))
	idx := 0
	for idx < len(tr.layers) {
		d, err := tr.gate.Forward(x, idx, memory, rng, false)
		if err != nil {
			return nil, nil, nil, err
		}
		trace = append(trace, TraceStep{Layer: idx, Action: d.Action, JumpDist: d.JumpDist})

		switch d.Action {
		case ActionNormal:
			x = applyMasked(tr.layers[idx], x, d.Mask)
			memory = d.Memory
			idx++
		case ActionSkip:
			idx++
		case ActionJump:
			x = tr.blendWithMemory(x, memory, d.JumpDist)
			idx += d.JumpDist
		}
	}
	return x, memory, trace, nil
}

// applyMasked runs the layer and keeps its output only for tokens marked
// important; unimportant token rows pass through unchanged.
//
//	out[b, s, :] = mask[b, s] == 1 ? layer(x)[b, s, :] : x[b, s, :]
func applyMasked(layer HostLayer, x, mask *Tensor) *Tensor {
	y := layer.Forward(x)
	dims := x.Shape().DimsRef()
	batch, seqLen, feat := dims[0], dims[1], dims[2]

	out := New(x.Shape())
	xd, yd, od, md := x.DataPtr(), y.DataPtr(), out.DataPtr(), mask.DataPtr()
	for t := 0; t < batch*seqLen; t++ {
		off := t * feat
		src := xd
		if md[t] == 1 {
			src = yd
		}
		copy(od[off:off+feat], src[off:off+feat])
	}
	return out
}

// blendWithMemory rewrites the activations before a jump: every token row
// becomes a fixed-weight blend of itself and the working-memory summary,
// with the weight picked from the 3-element blend table by jump distance.
func (tr *Traversal) blendWithMemory(x, memory *Tensor, jumpDist int) *Tensor {
	wIdx := jumpDist - 1
	if wIdx > 2 {
		wIdx = 2
	}
	w := tr.jumpBlend[wIdx]

	dims := x.Shape().DimsRef()
	batch, seqLen, feat := dims[0], dims[1], dims[2]
	out := New(x.Shape())
	xd, od, mem := x.DataPtr(), out.DataPtr(), memory.DataPtr()
	for b := 0; b < batch; b++ {
		mRow := mem[b*feat : (b+1)*feat]
		for s := 0; s < seqLen; s++ {
			off := (b*seqLen + s) * feat
			for d := 0; d < feat; d++ {
				od[off+d] = w*xd[off+d] + (1-w)*mRow[d]
			}
		}
	}
	return out
}
