package params

import "testing"

// TestDefaultsValid tests that the protocol defaults pass validation.
func TestDefaultsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

// TestValidateBounds tests representative out-of-range rejections.
func TestValidateBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"sample base low", func(p *Params) { p.SampleSizeBase = 99 }},
		{"sample base high", func(p *Params) { p.SampleSizeBase = 10001 }},
		{"strata zero", func(p *Params) { p.StratificationFactor = 0 }},
		{"strata high", func(p *Params) { p.StratificationFactor = 65 }},
		{"delay zero", func(p *Params) { p.VRFDelayBlocks = 0 }},
		{"delay high", func(p *Params) { p.VRFDelayBlocks = 33 }},
		{"fraud window low", func(p *Params) { p.FraudWindowBlocks = 9 }},
		{"confidence low", func(p *Params) { p.MinConfidence = 0.89 }},
		{"quorum low", func(p *Params) { p.QuorumFraction = 0.49 }},
		{"penalty high", func(p *Params) { p.FalsePassPenaltyBps = 10001 }},
		{"stake zero", func(p *Params) { p.MinValidatorStake = 0 }},
		{"exit below window", func(p *Params) { p.ExitDelayBlocks = p.FraudWindowBlocks - 1 }},
		{"alpha high", func(p *Params) { p.AdaptiveAlpha = 11 }},
		{"epoch zero", func(p *Params) { p.EpochLengthBlocks = 0 }},
	}

	for _, tt := range tests {
		p := Default()
		tt.mutate(&p)

		if err := p.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

// TestStageAppliesAtBoundary tests that staged parameters only take
// effect when ApplyStaged runs.
func TestStageAppliesAtBoundary(t *testing.T) {
	store, err := NewStore(Default())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	update := Default()
	update.SampleSizeBase = 2000

	if err := store.Stage(update); err != nil {
		t.Fatalf("stage: %v", err)
	}

	if store.Active().SampleSizeBase != 1000 {
		t.Fatal("staged params leaked before the boundary")
	}

	if !store.ApplyStaged() {
		t.Fatal("ApplyStaged should report a swap")
	}

	if store.Active().SampleSizeBase != 2000 {
		t.Fatal("staged params not applied")
	}

	if store.ApplyStaged() {
		t.Fatal("second ApplyStaged should be a no-op")
	}
}

// TestStageRejectsInvalid tests that invalid updates never stage.
func TestStageRejectsInvalid(t *testing.T) {
	store, err := NewStore(Default())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	bad := Default()
	bad.QuorumFraction = 0.1

	if err := store.Stage(bad); err == nil {
		t.Fatal("invalid params should not stage")
	}

	if store.ApplyStaged() {
		t.Fatal("nothing should have been staged")
	}
}
