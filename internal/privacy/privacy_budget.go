package privacy

import (
	"sync"
	"time"

	"github.com/inferloop/dptrain/pkg/errors"
)

// Accountant tracks the cumulative privacy loss of one training run.
// Expenditure is monotonically non-decreasing and never exceeds the target:
// Step refuses to advance when the next step would overspend.
type Accountant interface {
	// Step records one noisy step and returns the cumulative expenditure
	Step() (Budget, error)
	// Spent returns the cumulative expenditure without changing it
	Spent() Budget
	// NextSpend returns what Spent would report after one more step
	NextSpend() Budget
	// Exhausted reports whether one more step would exceed the target
	Exhausted() bool
	Target() Budget
	Steps() int
	Strategy() CompositionStrategy
	Ledger() []BudgetTransaction
	Status() *BudgetStatus
}

// BudgetTransaction records the expenditure of one step
type BudgetTransaction struct {
	Step        int       `json:"step" yaml:"step"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
	EpsilonUsed float64   `json:"epsilon_used" yaml:"epsilon_used"`
	DeltaUsed   float64   `json:"delta_used" yaml:"delta_used"`
	Cumulative  Budget    `json:"cumulative" yaml:"cumulative"`
}

// BudgetStatus provides current budget status information
type BudgetStatus struct {
	Strategy           CompositionStrategy `json:"composition_strategy" yaml:"composition_strategy"`
	TargetEpsilon      float64             `json:"target_epsilon" yaml:"target_epsilon"`
	TargetDelta        float64             `json:"target_delta" yaml:"target_delta"`
	ConsumedEpsilon    float64             `json:"consumed_epsilon" yaml:"consumed_epsilon"`
	ConsumedDelta      float64             `json:"consumed_delta" yaml:"consumed_delta"`
	RemainingEpsilon   float64             `json:"remaining_epsilon" yaml:"remaining_epsilon"`
	RemainingDelta     float64             `json:"remaining_delta" yaml:"remaining_delta"`
	UtilizationEpsilon float64             `json:"utilization_epsilon" yaml:"utilization_epsilon"`
	UtilizationDelta   float64             `json:"utilization_delta" yaml:"utilization_delta"`
	StepsTaken         int                 `json:"steps_taken" yaml:"steps_taken"`
	StepsPlanned       int                 `json:"steps_planned" yaml:"steps_planned"`
	HealthStatus       string              `json:"health_status" yaml:"health_status"`
	Warnings           []string            `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// NewAccountant returns the accountant matching the calibration's strategy
func NewAccountant(cal *Calibration) (Accountant, error) {
	if cal == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidBudget, "calibration is required")
	}
	switch cal.Strategy {
	case CompositionSimple:
		return NewSimpleAccountant(cal), nil
	case CompositionAdvanced:
		return NewRDPAccountant(cal), nil
	default:
		_, err := ParseCompositionStrategy(string(cal.Strategy))
		return nil, err
	}
}

const maxLedgerPrealloc = 1024

// budgetLedger holds the state shared by both accountants. spendAt maps a
// step count to the cumulative expenditure and must be monotone.
type budgetLedger struct {
	mu           sync.RWMutex
	strategy     CompositionStrategy
	target       Budget
	stepsPlanned int
	steps        int
	spent        Budget
	transactions []BudgetTransaction
	spendAt      func(k int) Budget
}

func (bl *budgetLedger) init(cal *Calibration, spendAt func(k int) Budget) {
	bl.strategy = cal.Strategy
	bl.target = cal.Target
	bl.stepsPlanned = cal.Steps
	bl.transactions = make([]BudgetTransaction, 0, min(cal.Steps, maxLedgerPrealloc))
	bl.spendAt = spendAt
}

// Step records one step
func (bl *budgetLedger) Step() (Budget, error) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	next := bl.spendAt(bl.steps + 1)
	if next.Exceeds(bl.target) {
		return bl.spent, errors.NewBudgetExceededError(
			bl.target.Epsilon, bl.target.Delta, next.Epsilon, next.Delta).
			WithContext("step", bl.steps)
	}

	bl.transactions = append(bl.transactions, BudgetTransaction{
		Step:        bl.steps,
		Timestamp:   time.Now(),
		EpsilonUsed: next.Epsilon - bl.spent.Epsilon,
		DeltaUsed:   next.Delta - bl.spent.Delta,
		Cumulative:  next,
	})
	bl.steps++
	bl.spent = next
	return next, nil
}

// Spent returns the cumulative expenditure
func (bl *budgetLedger) Spent() Budget {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return bl.spent
}

// NextSpend returns the expenditure after one more step
func (bl *budgetLedger) NextSpend() Budget {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return bl.spendAt(bl.steps + 1)
}

// Exhausted reports whether another step would exceed the target
func (bl *budgetLedger) Exhausted() bool {
	return bl.NextSpend().Exceeds(bl.Target())
}

// Target returns the (ε, δ) target
func (bl *budgetLedger) Target() Budget {
	return bl.target
}

// Steps returns the number of recorded steps
func (bl *budgetLedger) Steps() int {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return bl.steps
}

// Strategy returns the composition strategy
func (bl *budgetLedger) Strategy() CompositionStrategy {
	return bl.strategy
}

// Ledger returns a copy of the per-step transactions
func (bl *budgetLedger) Ledger() []BudgetTransaction {
	bl.mu.RLock()
	defer bl.mu.RUnlock()

	out := make([]BudgetTransaction, len(bl.transactions))
	copy(out, bl.transactions)
	return out
}

// Status returns a snapshot of the budget state
func (bl *budgetLedger) Status() *BudgetStatus {
	bl.mu.RLock()
	defer bl.mu.RUnlock()

	remaining := bl.spent.Remaining(bl.target)
	utilizationEpsilon := bl.spent.Epsilon / bl.target.Epsilon
	utilizationDelta := 0.0
	if bl.target.Delta > 0 {
		utilizationDelta = bl.spent.Delta / bl.target.Delta
	}

	healthStatus := "healthy"
	warnings := []string{}

	if bl.spendAt(bl.steps + 1).Exceeds(bl.target) {
		healthStatus = "exhausted"
		warnings = append(warnings, "Next step would exceed the privacy budget")
	} else if utilizationEpsilon > 0.9 {
		healthStatus = "critical"
		warnings = append(warnings, "Epsilon budget nearly exhausted")
	} else if utilizationEpsilon > 0.7 {
		healthStatus = "warning"
		warnings = append(warnings, "Epsilon budget running low")
	}

	return &BudgetStatus{
		Strategy:           bl.strategy,
		TargetEpsilon:      bl.target.Epsilon,
		TargetDelta:        bl.target.Delta,
		ConsumedEpsilon:    bl.spent.Epsilon,
		ConsumedDelta:      bl.spent.Delta,
		RemainingEpsilon:   remaining.Epsilon,
		RemainingDelta:     remaining.Delta,
		UtilizationEpsilon: utilizationEpsilon,
		UtilizationDelta:   utilizationDelta,
		StepsTaken:         bl.steps,
		StepsPlanned:       bl.stepsPlanned,
		HealthStatus:       healthStatus,
		Warnings:           warnings,
	}
}

// SimpleAccountant composes linearly: after k of T steps the run has spent
// k/T of the calibrated allocation.
type SimpleAccountant struct {
	budgetLedger
	allocated Budget
}

// NewSimpleAccountant creates a linear-composition accountant
func NewSimpleAccountant(cal *Calibration) *SimpleAccountant {
	sa := &SimpleAccountant{allocated: cal.Projected}
	steps := float64(cal.Steps)
	sa.init(cal, func(k int) Budget {
		frac := float64(k) / steps
		return Budget{
			Epsilon: sa.allocated.Epsilon * frac,
			Delta:   sa.allocated.Delta * frac,
		}
	})
	return sa
}

// RDPAccountant accumulates Rényi DP per order and converts to (ε, δ) at the
// target δ.
type RDPAccountant struct {
	budgetLedger
	perStep []float64
}

// NewRDPAccountant creates a Rényi DP accountant for the calibrated mechanism
func NewRDPAccountant(cal *Calibration) *RDPAccountant {
	ra := &RDPAccountant{perStep: ComputeRDP(cal.SamplingRate, cal.NoiseMultiplier)}
	delta := cal.Target.Delta
	ra.init(cal, func(k int) Budget {
		if k <= 0 {
			return Budget{}
		}
		return Budget{Epsilon: EpsilonFromRDP(ra.perStep, k, delta), Delta: delta}
	})
	return ra
}

// RDP returns the cumulative Rényi DP per order after the recorded steps
func (ra *RDPAccountant) RDP() []float64 {
	steps := float64(ra.Steps())
	out := make([]float64, len(ra.perStep))
	for i, v := range ra.perStep {
		out[i] = v * steps
	}
	return out
}
