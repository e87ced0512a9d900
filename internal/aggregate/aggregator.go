// Package aggregate converts a sealed verdict set into a decision with
// quantified statistical confidence. Aggregation is a pure function of
// its inputs so every node derives the identical decision bytes.
package aggregate

import (
	"SpotCheck/internal/challenge"
	"SpotCheck/internal/verdict"
	"SpotCheck/internal/wire"
)

// Config holds the decision thresholds, read from governance at expiry
// time.
type Config struct {
	// ThetaPass is the minimum fraction of sampled indices with a
	// correct majority for a pass.
	ThetaPass float64

	// ThetaFail is the minimum fraction of sampled indices with an
	// incorrect majority for a fail.
	ThetaFail float64

	// QuorumFraction is the minimum participating stake fraction.
	QuorumFraction float64

	// MinConfidence is the detection-probability floor for any
	// non-inconclusive outcome.
	MinConfidence float64
}

// Aggregate finalizes one challenge. For each sampled index the
// stake-weighted majority attestation decides the bit; exact ties
// resolve toward incorrect, the cheaper error since a wrong fail still
// passes through the fraud window.
func Aggregate(cfg Config, sealed *verdict.Sealed) *wire.Decision {
	sampleSize := sealed.Challenge.SampleSize()

	decision := &wire.Decision{
		ChallengeHash: sealed.Challenge.Hash(),
		JobID:         sealed.Challenge.JobID,
		Outcome:       wire.OutcomeInconclusive,
		ExpiryHeight:  sealed.Challenge.ExpiryHeight,
		MajorityBits:  make([]byte, (sampleSize+7)/8),
	}

	var participatingStake uint64

	for _, v := range sealed.Verdicts {
		decision.Participants = append(decision.Participants, v.Validator)
		participatingStake += sealed.Snapshot.Weight(v.Validator)
	}

	correctCount := 0

	for i := 0; i < sampleSize; i++ {
		var correctStake, incorrectStake uint64

		for _, v := range sealed.Verdicts {
			weight := sealed.Snapshot.Weight(v.Validator)
			if v.Bit(i) {
				correctStake += weight
			} else {
				incorrectStake += weight
			}
		}

		if correctStake > incorrectStake {
			wire.SetBit(decision.MajorityBits, i)
			correctCount++
		}
	}

	totalStake := sealed.Snapshot.TotalActiveStake()
	if totalStake == 0 || float64(participatingStake) < cfg.QuorumFraction*float64(totalStake) {
		return decision
	}

	correctFraction := float64(correctCount) / float64(sampleSize)
	incorrectFraction := 1 - correctFraction

	switch {
	case correctFraction >= cfg.ThetaPass:
		confidence := challenge.DetectionProbability(correctFraction, sampleSize)
		if confidence < cfg.MinConfidence {
			return decision
		}

		decision.Outcome = wire.OutcomePass
		decision.Confidence = confidence

	case incorrectFraction >= cfg.ThetaFail:
		confidence := challenge.DetectionProbability(incorrectFraction, sampleSize)
		if confidence < cfg.MinConfidence {
			return decision
		}

		decision.Outcome = wire.OutcomeFail
		decision.Confidence = confidence
	}

	return decision
}
