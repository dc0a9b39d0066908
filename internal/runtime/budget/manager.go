package budget

import (
	"fmt"
	"time"
)

// Action is the budget decision.
type Action string

const (
	ActionContinue  Action = "continue"
	ActionTerminate Action = "terminate"
)

// Reasons reported by Evaluate.
const (
	ReasonWithinBudget = "within_budget"
	ReasonWarning      = "budget_warning"
	ReasonExhausted    = "budget_exhausted"
)

// Spec defines session duration and cost thresholds. Zero values disable
// the corresponding check.
type Spec struct {
	WarnAfter     time.Duration `yaml:"warn_after"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	WarnAtCostUSD float64       `yaml:"warn_at_cost_usd"`
	MaxCostUSD    float64       `yaml:"max_cost_usd"`
}

// Validate rejects inconsistent thresholds.
func (s Spec) Validate() error {
	if s.WarnAfter < 0 || s.MaxDuration < 0 || s.WarnAtCostUSD < 0 || s.MaxCostUSD < 0 {
		return fmt.Errorf("budget thresholds must be >=0")
	}
	if s.MaxDuration > 0 && s.WarnAfter > s.MaxDuration {
		return fmt.Errorf("warn_after must be <= max_duration")
	}
	if s.MaxCostUSD > 0 && s.WarnAtCostUSD > s.MaxCostUSD {
		return fmt.Errorf("warn_at_cost_usd must be <= max_cost_usd")
	}
	return nil
}

// Usage captures observed session consumption.
type Usage struct {
	Elapsed time.Duration
	CostUSD float64
}

// Decision is the outcome of a budget evaluation.
type Decision struct {
	Action        Action
	Reason        string
	Dimension     string
	EmitWarning   bool
	EmitExhausted bool
}

// Manager evaluates budgets.
type Manager struct{}

// NewManager returns a budget manager.
func NewManager() Manager {
	return Manager{}
}

// Evaluate returns continue or terminate. Exhaustion of either dimension
// terminates; the duration dimension is checked first.
func (Manager) Evaluate(spec Spec, usage Usage) (Decision, error) {
	if err := spec.Validate(); err != nil {
		return Decision{}, err
	}
	if usage.Elapsed < 0 || usage.CostUSD < 0 {
		return Decision{}, fmt.Errorf("usage must be >=0")
	}

	if spec.MaxDuration > 0 && usage.Elapsed >= spec.MaxDuration {
		return exhausted("duration"), nil
	}
	if spec.MaxCostUSD > 0 && usage.CostUSD >= spec.MaxCostUSD {
		return exhausted("cost"), nil
	}
	if spec.WarnAfter > 0 && usage.Elapsed >= spec.WarnAfter {
		return Decision{Action: ActionContinue, Reason: ReasonWarning, Dimension: "duration", EmitWarning: true}, nil
	}
	if spec.WarnAtCostUSD > 0 && usage.CostUSD >= spec.WarnAtCostUSD {
		return Decision{Action: ActionContinue, Reason: ReasonWarning, Dimension: "cost", EmitWarning: true}, nil
	}
	return Decision{Action: ActionContinue, Reason: ReasonWithinBudget}, nil
}

func exhausted(dimension string) Decision {
	return Decision{
		Action:        ActionTerminate,
		Reason:        ReasonExhausted,
		Dimension:     dimension,
		EmitWarning:   true,
		EmitExhausted: true,
	}
}
