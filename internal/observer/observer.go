package observer

import (
	"context"
	"strings"
	"time"

	"github.com/aegisrpa/aegis/internal/automation"
)

// ExpectKind selects the verification policy for an action.
type ExpectKind string

const (
	// ExpectChange passes when the screen visibly changed.
	ExpectChange ExpectKind = "change"
	// ExpectNoChange passes when the screen stayed the same.
	ExpectNoChange ExpectKind = "no_change"
	// ExpectWindow passes when a window matching Value is open.
	ExpectWindow ExpectKind = "window"
	// ExpectText passes when the surface text contains Value.
	ExpectText ExpectKind = "text"
)

// Expectation describes what an action should have done to the desktop.
type Expectation struct {
	Kind  ExpectKind
	Value string
}

// State is a snapshot of the desktop at one point in time.
type State struct {
	Screenshot []byte
	Text       string
	Windows    []string
	CapturedAt time.Time
}

// VerificationResult reports whether an executed action had its intended
// effect. Consumed only by the executor's retry decision.
type VerificationResult struct {
	Success      bool
	StateMatched bool
	TimeTaken    time.Duration
}

// Observer captures desktop state and decides whether an action succeeded.
type Observer interface {
	Capture(ctx context.Context) (State, error)
	Verify(ctx context.Context, before, after State, expect Expectation) VerificationResult
}

const (
	// DefaultBudget bounds a single verification; exceeding it is a
	// verification failure, not a hang.
	DefaultBudget = 5 * time.Second

	// similarityThreshold separates "changed" from "unchanged" captures.
	similarityThreshold = 0.95
)

// ScreenObserver verifies actions by comparing before/after captures taken
// through the automation driver. Verify itself is a pure function of the
// two states, so identical captures always verify identically.
type ScreenObserver struct {
	driver automation.Driver
	budget time.Duration
}

func NewScreenObserver(driver automation.Driver, budget time.Duration) *ScreenObserver {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &ScreenObserver{driver: driver, budget: budget}
}

// Capture snapshots the screen, window list, and readable text. Window and
// text failures are tolerated; a capture with only a screenshot is still
// usable for change detection.
func (o *ScreenObserver) Capture(ctx context.Context) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, o.budget)
	defer cancel()

	shot, err := o.driver.Capture(ctx, nil)
	if err != nil {
		return State{}, err
	}

	state := State{Screenshot: shot, CapturedAt: time.Now()}

	if windows, err := o.driver.ListOpenWindows(ctx); err == nil {
		for _, w := range windows {
			state.Windows = append(state.Windows, w.Title)
		}
	}
	if text, err := o.driver.PageText(ctx); err == nil {
		state.Text = text
	}
	return state, nil
}

func (o *ScreenObserver) Verify(ctx context.Context, before, after State, expect Expectation) VerificationResult {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return VerificationResult{Success: false, StateMatched: false, TimeTaken: time.Since(start)}
	}

	matched := false
	switch expect.Kind {
	case ExpectNoChange:
		matched = similarity(before.Screenshot, after.Screenshot) >= similarityThreshold
	case ExpectWindow:
		matched = containsTitle(after.Windows, expect.Value)
	case ExpectText:
		matched = strings.Contains(strings.ToLower(after.Text), strings.ToLower(expect.Value))
	default: // ExpectChange
		matched = similarity(before.Screenshot, after.Screenshot) < similarityThreshold
	}

	elapsed := time.Since(start)
	if elapsed > o.budget {
		// Over-budget verification counts as a failure regardless of
		// what the comparison said.
		return VerificationResult{Success: false, StateMatched: matched, TimeTaken: elapsed}
	}
	return VerificationResult{Success: matched, StateMatched: matched, TimeTaken: elapsed}
}

// similarity returns the fraction of identical bytes between two captures.
// Size mismatch counts as fully changed.
func similarity(before, after []byte) float64 {
	if len(before) == 0 && len(after) == 0 {
		return 1
	}
	if len(before) != len(after) || len(before) == 0 {
		return 0
	}
	identical := 0
	for i := range before {
		if before[i] == after[i] {
			identical++
		}
	}
	return float64(identical) / float64(len(before))
}

func containsTitle(titles []string, want string) bool {
	want = strings.ToLower(want)
	for _, t := range titles {
		if strings.Contains(strings.ToLower(t), want) {
			return true
		}
	}
	return false
}
