package usage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tiger/voice-orchestrator/api/conversation"
)

func TestPricingCost(t *testing.T) {
	t.Parallel()

	p := Pricing{
		TranscriptionPerMinuteUSD:    0.006,
		ReasoningInputPerMillionUSD:  1,
		ReasoningOutputPerMillionUSD: 5,
		SynthesisPerMillionCharsUSD:  16,
		ToolCallUSD:                  0.001,
	}
	assert.InDelta(t, 0.012, p.Cost(conversation.UsageRecord{Stage: conversation.StageTranscription, Units: 120}), 1e-12)
	assert.InDelta(t, 0.0035, p.Cost(conversation.UsageRecord{Stage: conversation.StageReasoning, Units: 1000, OutputUnits: 500}), 1e-12)
	assert.InDelta(t, 0.00016, p.Cost(conversation.UsageRecord{Stage: conversation.StageSynthesis, Units: 10}), 1e-12)
	assert.InDelta(t, 0.002, p.Cost(conversation.UsageRecord{Stage: conversation.StageTool, Units: 2}), 1e-12)

	assert.NoError(t, DefaultPricing().Validate())
	assert.Error(t, Pricing{ToolCallUSD: -1}.Validate())
}

func TestLedgerKeepsReportedCost(t *testing.T) {
	t.Parallel()

	l := NewLedger(DefaultPricing())
	stored, err := l.Append(conversation.UsageRecord{Stage: conversation.StageSynthesis, Units: 100, Cost: 0.5, CostReported: true})
	require.NoError(t, err)
	assert.Equal(t, 0.5, stored.Cost)
	assert.False(t, stored.RecordedAt.IsZero())

	_, err = l.Append(conversation.UsageRecord{Stage: "video", Units: 1})
	assert.Error(t, err)
	assert.Len(t, l.Records(), 1)
}

func TestLedgerRecordsAreCopies(t *testing.T) {
	t.Parallel()

	l := NewLedger(Pricing{ToolCallUSD: 1})
	_, err := l.Append(conversation.UsageRecord{Stage: conversation.StageTool, Units: 1})
	require.NoError(t, err)

	records := l.Records()
	records[0].Cost = 99
	assert.Equal(t, 1.0, l.Total())
	assert.Equal(t, map[conversation.Stage]float64{conversation.StageTool: 1}, l.ByStage())
}

func TestLedgerConcurrentAppend(t *testing.T) {
	t.Parallel()

	l := NewLedger(Pricing{ToolCallUSD: 0.25})
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Append(conversation.UsageRecord{Stage: conversation.StageTool, Units: 1})
		}()
	}
	wg.Wait()
	assert.Len(t, l.Records(), 40)
	assert.InDelta(t, 10.0, l.Total(), 1e-9)
}

func TestLedgerTotalEqualsSumOfRecords(t *testing.T) {
	t.Parallel()

	stages := []conversation.Stage{
		conversation.StageTranscription,
		conversation.StageReasoning,
		conversation.StageSynthesis,
		conversation.StageTool,
	}
	rapid.Check(t, func(t *rapid.T) {
		l := NewLedger(DefaultPricing())
		n := rapid.IntRange(0, 50).Draw(t, "n")
		expected := 0.0
		for i := 0; i < n; i++ {
			rec := conversation.UsageRecord{
				Stage:       rapid.SampledFrom(stages).Draw(t, "stage"),
				Units:       rapid.Float64Range(0, 1e5).Draw(t, "units"),
				OutputUnits: rapid.Float64Range(0, 1e5).Draw(t, "output"),
			}
			if rapid.Bool().Draw(t, "reported") {
				rec.CostReported = true
				rec.Cost = rapid.Float64Range(0, 10).Draw(t, "cost")
			}
			stored, err := l.Append(rec)
			if err != nil {
				t.Fatalf("append: %v", err)
			}
			expected += stored.Cost
		}
		if got := l.Total(); got != expected {
			t.Fatalf("total %v != sum of records %v", got, expected)
		}
		if len(l.Records()) != n {
			t.Fatalf("expected %d records, got %d", n, len(l.Records()))
		}
	})
}
