// SPDX-License-Identifier: CC-BY-NC-SA-4.0
// Copyright (c) 2025-2026 fumi-engineer

package gate

// Tests for the Gatekeeper decision module.
//
// Testing philosophy: test module boundaries and exported behavior, not
// internals. The deterministic boundary cases (final layer, distance rules)
// are verified on 100% of trials; the stochastic policy is verified
// statistically with a seeded PRNG so every run sees the same draws.

import (
	"errors"
	"testing"
)

func newTestGate(t *testing.T, cfg Config) *Gatekeeper {
	t.Helper()
	g, err := NewGatekeeper(cfg)
	if err != nil {
		t.Fatalf("NewGatekeeper: %v", err)
	}
	return g
}

// forcePolicy plants policy output biases so the exploitation path always
// picks the given action, regardless of the random projection weights.
func forcePolicy(g *Gatekeeper, a Action) {
	bias := g.policyOut.bias.DataPtr()
	for i := range bias {
		bias[i] = -50
	}
	bias[a] = 50
}

func TestConfigValidate(t *testing.T) {
	if err := Tiny().Validate(); err != nil {
		t.Fatalf("expected Tiny config to validate, got %v", err)
	}

	bad := []Config{
		{Dims: 0, TotalLayers: 12, SparsityThreshold: 0.2, Epsilon: 0.1},
		{Dims: 64, TotalLayers: 0, SparsityThreshold: 0.2, Epsilon: 0.1},
		{Dims: 64, TotalLayers: 12, SparsityThreshold: -0.1, Epsilon: 0.1},
		{Dims: 64, TotalLayers: 12, SparsityThreshold: 1.5, Epsilon: 0.1},
		{Dims: 64, TotalLayers: 12, SparsityThreshold: 0.2, Epsilon: 2},
	}
	for i, cfg := range bad {
		if _, err := NewGatekeeper(cfg); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("config %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
}

func TestForwardArgumentErrors(t *testing.T) {
	g := newTestGate(t, Tiny())
	rng := NewRandState(1)
	x := Randn(NewShape(2, 5, 64))

	if _, err := g.Forward(x, -1, nil, rng, false); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("negative layer: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := g.Forward(x, 12, nil, rng, false); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("layer == total: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := g.Forward(Randn(NewShape(2, 5, 32)), 0, nil, rng, false); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("dims mismatch: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := g.Forward(Randn(NewShape(2, 5)), 0, nil, rng, false); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("2D input: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := g.Forward(x, 0, Randn(NewShape(2, 1, 32)), rng, false); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad memory shape: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := g.Forward(x, 0, nil, nil, false); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil rng: expected ErrInvalidArgument, got %v", err)
	}
}

// The importance mask must contain only 0.0 and 1.0, shaped [batch, seq, 1].
func TestMaskBinary(t *testing.T) {
	g := newTestGate(t, Tiny())
	rng := NewRandState(3)
	x := Randn(NewShape(2, 5, 64))

	d, err := g.Forward(x, 0, nil, rng, false)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !d.Mask.Shape().Equal(NewShape(2, 5, 1)) {
		t.Fatalf("expected mask shape [2, 5, 1], got %v", d.Mask.Shape())
	}
	for i, v := range d.Mask.DataPtr() {
		if v != 0 && v != 1 {
			t.Errorf("mask element %d: expected 0 or 1, got %f", i, v)
		}
	}
}

// On the final layer the decision is forced: NORMAL with distance 1,
// on every single trial, even with exploration at 100%.
func TestFinalLayerForcedNormal(t *testing.T) {
	cfg := Tiny()
	cfg.Epsilon = 1
	g := newTestGate(t, cfg)
	rng := NewRandState(5)
	x := Randn(NewShape(2, 5, 64))

	for trial := 0; trial < 100; trial++ {
		d, err := g.Forward(x, cfg.TotalLayers-1, nil, rng, false)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if d.Action != ActionNormal || d.JumpDist != 1 {
			t.Fatalf("trial %d: expected forced NORMAL/1, got %v/%d", trial, d.Action, d.JumpDist)
		}
	}
}

// Distance conventions: SKIP is always exactly 2, NORMAL always exactly 1,
// JUMP always within [2, min(5, totalLayers-layer)-1].
func TestDistanceRules(t *testing.T) {
	cfg := Tiny() // 12 layers
	cfg.Epsilon = 1
	g := newTestGate(t, cfg)
	rng := NewRandState(7)
	x := Randn(NewShape(1, 4, 64))

	sawJump := false
	for layer := 0; layer < cfg.TotalLayers-1; layer++ {
		maxDist := cfg.TotalLayers - layer
		if maxDist > maxJumpSpan {
			maxDist = maxJumpSpan
		}
		maxDist-- // half-open sampling range excludes the upper bound

		for trial := 0; trial < 200; trial++ {
			d, err := g.Forward(x, layer, nil, rng, false)
			if err != nil {
				t.Fatalf("layer %d trial %d: %v", layer, trial, err)
			}
			switch d.Action {
			case ActionNormal:
				if d.JumpDist != 1 {
					t.Fatalf("layer %d: NORMAL with distance %d", layer, d.JumpDist)
				}
			case ActionSkip:
				if d.JumpDist != 2 {
					t.Fatalf("layer %d: SKIP with distance %d", layer, d.JumpDist)
				}
			case ActionJump:
				sawJump = true
				lo, hi := 2, maxDist
				if hi < lo {
					hi = lo // degenerate range clamps to the minimum jump
				}
				if d.JumpDist < lo || d.JumpDist > hi {
					t.Fatalf("layer %d: JUMP distance %d outside [%d, %d]", layer, d.JumpDist, lo, hi)
				}
			}
		}
	}
	if !sawJump {
		t.Fatal("expected at least one JUMP across 2200 uniform trials")
	}
}

// Degenerate jump range: at layer 10 of 12 the sampling range [2, 2) is
// empty and the distance must clamp to exactly 2.
func TestJumpDistanceDegenerate(t *testing.T) {
	cfg := Tiny()
	cfg.Epsilon = 1
	g := newTestGate(t, cfg)
	rng := NewRandState(11)
	x := Randn(NewShape(1, 4, 64))

	sawJump := false
	for trial := 0; trial < 300; trial++ {
		d, err := g.Forward(x, 10, nil, rng, false)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if d.Action == ActionJump {
			sawJump = true
			if d.JumpDist != 2 {
				t.Fatalf("trial %d: expected clamped distance 2, got %d", trial, d.JumpDist)
			}
		}
	}
	if !sawJump {
		t.Fatal("expected at least one JUMP in 300 uniform trials")
	}
}

// The updated memory is a strict convex combination: every feature lies on
// the segment between the previous memory and the pooled activation.
func TestMemoryConvexCombination(t *testing.T) {
	g := newTestGate(t, Tiny())
	rng := NewRandState(13)
	x := Randn(NewShape(2, 5, 64))
	prev := Randn(NewShape(2, 1, 64))

	d, err := g.Forward(x, 0, prev, rng, false)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if !d.Memory.Shape().Equal(prev.Shape()) {
		t.Fatalf("expected memory shape %v, got %v", prev.Shape(), d.Memory.Shape())
	}

	pooled := x.MeanPoolSeq().DataPtr()
	pv := prev.DataPtr()
	up := d.Memory.DataPtr()
	const tol = 1e-5
	for i := range up {
		lo, hi := pv[i], pooled[i]
		if lo > hi {
			lo, hi = hi, lo
		}
		if up[i] < lo-tol || up[i] > hi+tol {
			t.Fatalf("feature %d: memory %f outside segment [%f, %f]", i, up[i], lo, hi)
		}
	}
}

// With exploration off, the exploitation path is a pure function: repeated
// calls with identical input, layer, and seed produce identical decisions.
func TestExploitationDeterminism(t *testing.T) {
	cfg := Tiny()
	cfg.Epsilon = 0
	g := newTestGate(t, cfg)
	x := Randn(NewShape(2, 5, 64))

	first, err := g.Forward(x, 0, nil, NewRandState(17), false)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for trial := 0; trial < 20; trial++ {
		d, err := g.Forward(x, 0, nil, NewRandState(17), false)
		if err != nil {
			t.Fatalf("trial %d: %v", trial, err)
		}
		if d.Action != first.Action || d.JumpDist != first.JumpDist {
			t.Fatalf("trial %d: decision changed: %v/%d vs %v/%d",
				trial, d.Action, d.JumpDist, first.Action, first.JumpDist)
		}
		mask, firstMask := d.Mask.DataPtr(), first.Mask.DataPtr()
		for i := range mask {
			if mask[i] != firstMask[i] {
				t.Fatalf("trial %d: mask diverged at %d", trial, i)
			}
		}
		mem, firstMem := d.Memory.DataPtr(), first.Memory.DataPtr()
		for i := range mem {
			if mem[i] != firstMem[i] {
				t.Fatalf("trial %d: memory diverged at %d", trial, i)
			}
		}
	}
}

// With exploration at 100%, actions are uniform over the three categories.
// Chi-square goodness of fit on 10,000 seeded trials; the 0.001 critical
// value for 2 degrees of freedom is 13.82.
func TestExplorationUniformity(t *testing.T) {
	cfg := Tiny()
	cfg.Epsilon = 1
	g := newTestGate(t, cfg)
	rng := NewRandState(12345)
	x := Randn(NewShape(1, 4, 64))

	const trials = 10000
	var counts [numActions]int
	for i := 0; i < trials; i++ {
		d, err := g.Forward(x, 0, nil, rng, false)
		if err != nil {
			t.Fatalf("trial %d: %v", i, err)
		}
		counts[d.Action]++
	}

	expected := float64(trials) / numActions
	chi2 := 0.0
	for _, c := range counts {
		diff := float64(c) - expected
		chi2 += diff * diff / expected
	}
	if chi2 > 13.82 {
		t.Errorf("action counts %v not uniform: chi-square %.2f > 13.82", counts, chi2)
	}
}

// Spec scenario: dims=64, 12 layers, threshold 0.2, batch 2, seq 5.
// Layer 11 is forced NORMAL/1; layer 0 obeys the distance rules.
func TestScenarioTinyModel(t *testing.T) {
	cfg := Config{Dims: 64, TotalLayers: 12, SparsityThreshold: 0.2, Epsilon: 0.1}
	g := newTestGate(t, cfg)
	rng := NewRandState(23)
	x := Randn(NewShape(2, 5, 64))

	last, err := g.Forward(x, 11, nil, rng, false)
	if err != nil {
		t.Fatalf("layer 11: %v", err)
	}
	if last.Action != ActionNormal || last.JumpDist != 1 {
		t.Fatalf("layer 11: expected NORMAL/1, got %v/%d", last.Action, last.JumpDist)
	}

	first, err := g.Forward(x, 0, nil, rng, false)
	if err != nil {
		t.Fatalf("layer 0: %v", err)
	}
	switch first.Action {
	case ActionNormal:
		if first.JumpDist != 1 {
			t.Errorf("NORMAL with distance %d", first.JumpDist)
		}
	case ActionSkip:
		if first.JumpDist != 2 {
			t.Errorf("SKIP with distance %d", first.JumpDist)
		}
	case ActionJump:
		if first.JumpDist < 2 || first.JumpDist > 4 {
			t.Errorf("JUMP distance %d outside [2, 4]", first.JumpDist)
		}
	default:
		t.Errorf("unexpected action %v", first.Action)
	}
}

// Diagnostics are attached only on request and agree with the decision.
func TestStatsCollection(t *testing.T) {
	g := newTestGate(t, Tiny())
	x := Randn(NewShape(2, 5, 64))

	plain, err := g.Forward(x, 0, nil, NewRandState(29), false)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if plain.Stats != nil {
		t.Error("expected nil stats when not requested")
	}

	d, err := g.Forward(x, 0, nil, NewRandState(29), true)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if d.Stats == nil {
		t.Fatal("expected stats when requested")
	}
	if d.Stats.Action != d.Action || d.Stats.JumpDist != d.JumpDist {
		t.Errorf("stats disagree with decision: %v/%d vs %v/%d",
			d.Stats.Action, d.Stats.JumpDist, d.Action, d.JumpDist)
	}
	if d.Stats.MeanScore < 0 || d.Stats.MeanScore > 1 {
		t.Errorf("mean score %f outside [0, 1]", d.Stats.MeanScore)
	}
	if d.Stats.MeanGate <= 0 || d.Stats.MeanGate >= 1 {
		t.Errorf("mean gate %f outside (0, 1)", d.Stats.MeanGate)
	}
}

// InitialMemory expands the learned baseline to the batch: every row is
// identical to the baseline vector.
func TestInitialMemory(t *testing.T) {
	g := newTestGate(t, Tiny())
	mem := g.InitialMemory(3)
	if !mem.Shape().Equal(NewShape(3, 1, 64)) {
		t.Fatalf("expected shape [3, 1, 64], got %v", mem.Shape())
	}
	base := g.memBaseline.DataPtr()
	data := mem.DataPtr()
	for b := 0; b < 3; b++ {
		row := data[b*64 : (b+1)*64]
		for i := range row {
			if row[i] != base[i] {
				t.Fatalf("row %d feature %d: expected baseline %f, got %f", b, i, base[i], row[i])
			}
		}
	}
}

func TestParametersComplete(t *testing.T) {
	g := newTestGate(t, Tiny())
	// LayerNorm (2) + five biased linears (2 each) + memory baseline (1).
	want := 2 + 5*2 + 1
	if got := len(g.Parameters()); got != want {
		t.Errorf("expected %d parameter tensors, got %d", want, got)
	}
}
