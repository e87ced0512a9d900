// Package challenge turns a revealed seed and a job commitment into a
// sampling plan: an ordered set of segment positions that is
// unpredictable before the seed reveal, verifiable by anyone, and
// byte-identical across correct implementations.
package challenge

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/zeebo/blake3"

	"SpotCheck/internal/wire"
)

// ErrOutputTooSmall means the job output has fewer segments than the
// minimum sample size. The job is deferred, not failed.
var ErrOutputTooSmall = errors.New("output smaller than minimum sample size")

// Config holds the sampling parameters, read from governance at issue
// time.
type Config struct {
	SampleSizeBase uint32
	SampleSizeMin  uint32
	SampleSizeMax  uint32
	Strata         uint32
	AdaptiveAlpha  float64
}

// Generator produces challenges. The fraud stats feed adaptive sizing:
// more recent overturns mean larger samples.
type Generator struct {
	stats *FraudStats
}

// New creates a generator backed by the given fraud statistics.
func New(stats *FraudStats) *Generator {
	return &Generator{stats: stats}
}

// Generate derives the challenge for a committed job from the revealed
// seed. Deterministic: equal inputs yield byte-identical index sets.
// The diversity hint is an external anti-collusion weighting input; it
// is accepted for forward compatibility and currently unused.
func (g *Generator) Generate(
	cfg Config,
	commit *wire.JobCommitment,
	seed wire.Hash,
	vrfProof []byte,
	issueHeight, expiryHeight uint64,
	diversityHint []byte,
) (*wire.Challenge, error) {
	_ = diversityHint

	if commit.OutputSize < uint64(cfg.SampleSizeMin) {
		return nil, fmt.Errorf("output size %d, sample minimum %d: %w",
			commit.OutputSize, cfg.SampleSizeMin, ErrOutputTooSmall)
	}

	size := adaptiveSize(cfg, g.stats.Rate(issueHeight))
	if uint64(size) > commit.OutputSize {
		size = uint32(commit.OutputSize)
	}

	indices := sampleIndices(seed, commit.JobID, commit.OutputRoot, commit.OutputSize, size, cfg.Strata)

	return &wire.Challenge{
		JobID:        commit.JobID,
		OutputRoot:   commit.OutputRoot,
		OutputSize:   commit.OutputSize,
		Seed:         seed,
		VRFProof:     vrfProof,
		Indices:      indices,
		IssueHeight:  issueHeight,
		ExpiryHeight: expiryHeight,
	}, nil
}

// adaptiveSize scales the base sample size by the recent overturn rate
// and clamps it: clamp(base * (1 + alpha*rate), min, max).
func adaptiveSize(cfg Config, fraudRate float64) uint32 {
	scaled := float64(cfg.SampleSizeBase) * (1 + cfg.AdaptiveAlpha*fraudRate)

	if scaled < float64(cfg.SampleSizeMin) {
		return cfg.SampleSizeMin
	}

	if scaled > float64(cfg.SampleSizeMax) {
		return cfg.SampleSizeMax
	}

	return uint32(scaled)
}

// sampleIndices draws the sampling plan: the index space splits into
// equal strata (the last absorbs the remainder), each stratum gets
// ceil(S/T) draws from the keyed PRF stream with rejection on bias and
// duplicates, then the union is sorted and truncated to exactly S.
func sampleIndices(seed, jobID, outputRoot wire.Hash, outputSize uint64, sampleSize, strata uint32) []uint64 {
	stream := newStream(seed, jobID, outputRoot)

	// Full coverage: every index sampled.
	if uint64(sampleSize) == outputSize {
		indices := make([]uint64, outputSize)
		for i := range indices {
			indices[i] = uint64(i)
		}

		return indices
	}

	t := uint64(strata)
	if t > outputSize {
		t = outputSize
	}

	width := outputSize / t
	quota := (uint64(sampleSize) + t - 1) / t

	var indices []uint64

	for s := uint64(0); s < t; s++ {
		start := s * width
		end := start + width

		// Last stratum absorbs the remainder of the division.
		if s == t-1 {
			end = outputSize
		}

		indices = append(indices, drawStratum(stream, start, end, quota)...)
	}

	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	if uint64(len(indices)) > uint64(sampleSize) {
		indices = indices[:sampleSize]
	}

	return indices
}

// drawStratum rejection-samples quota distinct indices in [start, end).
// Biased draws and duplicates advance the stream, which is the
// deterministic tie-break.
func drawStratum(stream *prfStream, start, end, quota uint64) []uint64 {
	length := end - start
	if quota > length {
		quota = length
	}

	// Reject draws that would fold unevenly into [0, length).
	// 2^64 mod length values at the top of the range are biased.
	excess := ((math.MaxUint64 % length) + 1) % length
	maxValid := uint64(math.MaxUint64) - excess

	seen := make(map[uint64]bool, quota)
	out := make([]uint64, 0, quota)

	for uint64(len(out)) < quota {
		v := stream.next()
		if v > maxValid {
			continue
		}

		idx := start + v%length
		if seen[idx] {
			continue
		}

		seen[idx] = true
		out = append(out, idx)
	}

	return out
}

// prfStream is the keyed pseudorandom stream backing index sampling:
// the blake3 XOF under key BLAKE3(seed || job-id || output-root), read
// as consecutive big-endian uint64 draws. Streams reset per challenge.
type prfStream struct {
	digest *blake3.Digest
	buf    [8]byte
}

// newStream derives a fresh stream for one challenge.
func newStream(seed, jobID, outputRoot wire.Hash) *prfStream {
	material := make([]byte, 0, 96)
	material = append(material, seed[:]...)
	material = append(material, jobID[:]...)
	material = append(material, outputRoot[:]...)

	key := blake3.Sum256(material)

	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// Key is always 32 bytes; NewKeyed cannot fail on it.
		panic(fmt.Sprintf("blake3 keyed init: %v", err))
	}

	return &prfStream{digest: h.Digest()}
}

// next returns the stream's next uint64 draw.
func (s *prfStream) next() uint64 {
	if _, err := s.digest.Read(s.buf[:]); err != nil {
		// The XOF never errors.
		panic(fmt.Sprintf("blake3 xof read: %v", err))
	}

	var v uint64
	for _, b := range s.buf {
		v = v<<8 | uint64(b)
	}

	return v
}
