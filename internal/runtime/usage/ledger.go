// Package usage accumulates per-session billable units and prices them.
package usage

import (
	"fmt"
	"sync"
	"time"

	"github.com/tiger/voice-orchestrator/api/conversation"
)

// Pricing converts unit counts into USD for records whose provider did not
// report a cost.
type Pricing struct {
	TranscriptionPerMinuteUSD    float64 `yaml:"transcription_per_minute_usd" json:"transcription_per_minute_usd"`
	ReasoningInputPerMillionUSD  float64 `yaml:"reasoning_input_per_million_usd" json:"reasoning_input_per_million_usd"`
	ReasoningOutputPerMillionUSD float64 `yaml:"reasoning_output_per_million_usd" json:"reasoning_output_per_million_usd"`
	SynthesisPerMillionCharsUSD  float64 `yaml:"synthesis_per_million_chars_usd" json:"synthesis_per_million_chars_usd"`
	ToolCallUSD                  float64 `yaml:"tool_call_usd" json:"tool_call_usd"`
}

// DefaultPricing returns list prices for the bundled providers.
func DefaultPricing() Pricing {
	return Pricing{
		TranscriptionPerMinuteUSD:    0.0043,
		ReasoningInputPerMillionUSD:  3.00,
		ReasoningOutputPerMillionUSD: 15.00,
		SynthesisPerMillionCharsUSD:  16.00,
	}
}

// Validate rejects negative rates.
func (p Pricing) Validate() error {
	for name, v := range map[string]float64{
		"transcription_per_minute_usd":     p.TranscriptionPerMinuteUSD,
		"reasoning_input_per_million_usd":  p.ReasoningInputPerMillionUSD,
		"reasoning_output_per_million_usd": p.ReasoningOutputPerMillionUSD,
		"synthesis_per_million_chars_usd":  p.SynthesisPerMillionCharsUSD,
		"tool_call_usd":                    p.ToolCallUSD,
	} {
		if v < 0 {
			return fmt.Errorf("pricing %s must be >=0", name)
		}
	}
	return nil
}

// Cost prices one record from its units.
func (p Pricing) Cost(r conversation.UsageRecord) float64 {
	switch r.Stage {
	case conversation.StageTranscription:
		return r.Units / 60 * p.TranscriptionPerMinuteUSD
	case conversation.StageReasoning:
		return r.Units/1e6*p.ReasoningInputPerMillionUSD + r.OutputUnits/1e6*p.ReasoningOutputPerMillionUSD
	case conversation.StageSynthesis:
		return r.Units / 1e6 * p.SynthesisPerMillionCharsUSD
	case conversation.StageTool:
		return r.Units * p.ToolCallUSD
	default:
		return 0
	}
}

// Ledger is an append-only list of usage records for one session. It is
// safe for concurrent use by turn workers and adapters.
type Ledger struct {
	pricing Pricing
	now     func() time.Time

	mu      sync.Mutex
	records []conversation.UsageRecord
}

// NewLedger returns an empty ledger.
func NewLedger(pricing Pricing) *Ledger {
	return &Ledger{pricing: pricing, now: time.Now}
}

// Append validates and stores a copy of r, pricing it when the provider did
// not report a cost. The stored record is returned.
func (l *Ledger) Append(r conversation.UsageRecord) (conversation.UsageRecord, error) {
	if !r.CostReported {
		r.Cost = l.pricing.Cost(r)
	}
	if err := r.Validate(); err != nil {
		return conversation.UsageRecord{}, err
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = l.now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, r)
	return r, nil
}

// Total sums the cost of every appended record.
func (l *Ledger) Total() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0.0
	for _, r := range l.records {
		total += r.Cost
	}
	return total
}

// Records returns a copy of the appended records in order.
func (l *Ledger) Records() []conversation.UsageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]conversation.UsageRecord, len(l.records))
	copy(out, l.records)
	return out
}

// ByStage sums cost per stage.
func (l *Ledger) ByStage() map[conversation.Stage]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[conversation.Stage]float64)
	for _, r := range l.records {
		out[r.Stage] += r.Cost
	}
	return out
}
