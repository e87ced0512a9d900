// Command node runs the consensus core against the block producer's
// frame stream: length-prefixed block frames on stdin, decisions and
// registry deltas on stdout. Transport, mempool and RPC live outside
// this process and speak only through these frames.
package main

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"SpotCheck/internal/beacon"
	"SpotCheck/internal/engine"
	"SpotCheck/internal/logger"
	"SpotCheck/internal/params"
	"SpotCheck/internal/registry"
	"SpotCheck/internal/storage"
	"SpotCheck/internal/wire"
)

func main() {
	cfg := parseFlags()
	logger.Init(logger.ParseLevel(cfg.LogLevel))

	if err := run(cfg); err != nil {
		logger.Error("node failed", "error", err)
		os.Exit(1)
	}
}

// run wires the core and pumps block frames until stdin closes.
func run(cfg *Config) error {
	key, err := loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	cfg.PrivateKey = key

	prover, err := beacon.NewProver(key)
	if err != nil {
		return err
	}

	identity := prover.Public()

	genesis, err := parseGenesis(cfg.GenesisSeed)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.DataPath)
	if err != nil {
		return fmt.Errorf("open storage:\n%w", err)
	}
	defer store.Close()

	ps, err := params.NewStore(params.Default())
	if err != nil {
		return err
	}

	p := ps.Active()
	bc := beacon.New(genesis, p.VRFDelayBlocks)

	reg := registry.New(registry.Config{
		MinStake:         p.MinValidatorStake,
		ActivationBlocks: p.ActivationBlocks,
		ExitDelayBlocks:  p.ExitDelayBlocks,
		HistoryDepth:     p.FraudWindowBlocks,
	})

	eng := engine.New(ps, bc, reg, store)

	if err := restoreSeeds(store, bc, p.VRFDelayBlocks); err != nil {
		return err
	}

	logger.Info("node started",
		"identity", fmt.Sprintf("%x", identity[:4]),
		"data", cfg.DataPath,
		"vrf_delay", p.VRFDelayBlocks,
		"fraud_window", p.FraudWindowBlocks,
	)

	return pumpBlocks(eng, os.Stdin, os.Stdout)
}

// parseGenesis decodes the genesis seed flag, defaulting to zero
// entropy for local runs.
func parseGenesis(s string) (wire.Hash, error) {
	var genesis wire.Hash

	if s == "" {
		return genesis, nil
	}

	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return genesis, fmt.Errorf("genesis seed must be 32 hex-encoded bytes")
	}

	copy(genesis[:], raw)

	return genesis, nil
}

// restoreSeeds reloads the persisted seed chain tail so a restarted
// node resumes on the same chain.
func restoreSeeds(store *storage.Store, bc *beacon.Beacon, delay uint64) error {
	tip, ok, err := store.TipHeight()
	if err != nil || !ok {
		return err
	}

	low := uint64(0)
	if tip > 2*delay {
		low = tip - 2*delay
	}

	for h := low; h <= tip; h++ {
		seed, found, err := store.Seed(h)
		if err != nil {
			return err
		}

		if found {
			bc.Restore(h, seed)
		}
	}

	logger.Info("seed chain restored", "tip", tip)

	return nil
}

// pumpBlocks reads block frames, processes them, and writes the
// resulting output frames.
func pumpBlocks(eng *engine.Engine, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	writer := bufio.NewWriter(out)
	defer writer.Flush()

	for {
		frame, err := readFrame(reader)
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return fmt.Errorf("read block frame:\n%w", err)
		}

		meta, input, err := decodeBlockFrame(frame)
		if err != nil {
			logger.Warn("malformed block frame", "error", err)
			continue
		}

		result, err := eng.ProcessBlock(meta, input)
		if err != nil {
			return fmt.Errorf("process block %d:\n%w", meta.Height, err)
		}

		for _, inputErr := range result.InputErrors {
			logger.Warn("input rejected", "height", meta.Height, "error", inputErr)
		}

		if err := writeFrame(writer, result.Output.Encode()); err != nil {
			return fmt.Errorf("write output frame:\n%w", err)
		}

		if err := writer.Flush(); err != nil {
			return err
		}
	}
}

// readFrame reads one 4-byte big-endian length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	frame := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}

	return frame, nil
}

// writeFrame writes one 4-byte big-endian length-prefixed frame.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}

	_, err := w.Write(payload)

	return err
}

// decodeBlockFrame splits a frame into the block metadata and the
// inbound payload: height, leader, reveal flag, proof, output, then
// the encoded block input.
func decodeBlockFrame(frame []byte) (engine.BlockMeta, *wire.BlockInput, error) {
	d := wire.NewDecoder(frame)

	meta := engine.BlockMeta{
		Height: d.U64(),
		Leader: d.Hash(),
	}

	meta.HasReveal = d.U8() == 1
	meta.VRFProof = d.Bytes()
	meta.VRFOutput = d.Hash()

	inputBytes := d.Bytes()

	if err := d.Done(); err != nil {
		return meta, nil, err
	}

	input, err := wire.DecodeBlockInput(inputBytes)
	if err != nil {
		return meta, nil, err
	}

	return meta, input, nil
}
