// Package tuning loads the replication tuning file shared by server and
// client binaries.
package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int `yaml:"tick_rate_hz"`
	// HistoryDepth is the snapshot ring size per ghost; a power of two.
	HistoryDepth int `yaml:"history_depth"`
	BackupDepth  int `yaml:"backup_depth"`

	MaxExtrapolationTicks int  `yaml:"max_extrapolation_ticks"`
	SizeHeaders           bool `yaml:"size_headers"`
	MaxGhostsPerPacket    int  `yaml:"max_ghosts_per_packet"`
	ChunkCapacity         int  `yaml:"chunk_capacity"`
	MaxChunkCapacity      int  `yaml:"max_chunk_capacity"`

	Prediction Prediction `yaml:"prediction"`
}

type Prediction struct {
	// LeadTicks is how far past the newest snapshot the client predicts.
	LeadTicks           int `yaml:"lead_ticks"`
	MaxInputTicks       int `yaml:"max_input_ticks"`
	FirstTimeBatchLimit int `yaml:"first_time_batch_limit"`
	RepeatedBatchLimit  int `yaml:"repeated_batch_limit"`
	InputCapacity       int `yaml:"input_capacity"`
	// CaptureWorkers bounds parallel backup capture; 0 uses one goroutine per chunk.
	CaptureWorkers int `yaml:"capture_workers"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:       "1.0",
		TickRateHz:            30,
		HistoryDepth:          32,
		BackupDepth:           12,
		MaxExtrapolationTicks: 4,
		SizeHeaders:           true,
		MaxGhostsPerPacket:    256,
		ChunkCapacity:         8,
		MaxChunkCapacity:      128,
		Prediction: Prediction{
			LeadTicks:           2,
			MaxInputTicks:       64,
			FirstTimeBatchLimit: 1,
			RepeatedBatchLimit:  4,
			InputCapacity:       64,
			CaptureWorkers:      4,
		},
	}
}

// Load reads a tuning file over Defaults, so a file only names what it
// changes.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.TickRateHz <= 0 {
		return fmt.Errorf("tick_rate_hz must be > 0 (got %d)", t.TickRateHz)
	}
	if t.HistoryDepth <= 0 || t.HistoryDepth&(t.HistoryDepth-1) != 0 {
		return fmt.Errorf("history_depth must be a power of two (got %d)", t.HistoryDepth)
	}
	if t.BackupDepth <= 0 {
		return fmt.Errorf("backup_depth must be > 0 (got %d)", t.BackupDepth)
	}
	if t.Prediction.MaxInputTicks <= 0 || t.Prediction.MaxInputTicks > t.Prediction.InputCapacity {
		return fmt.Errorf("prediction.max_input_ticks must be in [1, input_capacity=%d] (got %d)", t.Prediction.InputCapacity, t.Prediction.MaxInputTicks)
	}
	if t.Prediction.LeadTicks <= 0 || t.Prediction.LeadTicks >= t.Prediction.MaxInputTicks {
		return fmt.Errorf("prediction.lead_ticks must be in [1, max_input_ticks) (got %d)", t.Prediction.LeadTicks)
	}
	if t.Prediction.FirstTimeBatchLimit <= 0 || t.Prediction.RepeatedBatchLimit <= 0 {
		return fmt.Errorf("prediction batch limits must be > 0")
	}
	if t.ChunkCapacity <= 0 || t.MaxChunkCapacity < t.ChunkCapacity {
		return fmt.Errorf("chunk_capacity must be > 0 and <= max_chunk_capacity")
	}
	return nil
}
