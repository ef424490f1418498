package executor

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/aegisrpa/aegis/internal/automation"
	"github.com/aegisrpa/aegis/internal/observer"
	"github.com/aegisrpa/aegis/internal/plan"
)

// ActionResult is the outcome of one execute cycle: at most MaxAttempts
// attempts of a single tool call. RetryCount counts failed attempt cycles,
// so a first-try success reports 0 and exhaustion reports MaxAttempts.
type ActionResult struct {
	Success    bool   `json:"success"`
	RetryCount int    `json:"retry_count"`
	Detail     string `json:"detail,omitempty"`
	Error      string `json:"error,omitempty"`
}

const DefaultMaxAttempts = 3

// DefaultBackoff is slept between attempts: 1s before the second attempt,
// 2s before the third. The 4s slot only applies when max attempts is raised.
var DefaultBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Executor runs one tool call against the automation driver, verifying each
// attempt through the observer and retrying with exponential backoff.
// Retries never re-run prior tool calls; the caller owns plan ordering.
type Executor struct {
	driver      automation.Driver
	obs         observer.Observer
	clock       Clock
	maxAttempts int
	backoff     []time.Duration
}

func New(driver automation.Driver, obs observer.Observer, clock Clock) *Executor {
	if clock == nil {
		clock = NewClock()
	}
	return &Executor{
		driver:      driver,
		obs:         obs,
		clock:       clock,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
	}
}

// SetRetryPolicy overrides the attempt budget and backoff schedule.
func (e *Executor) SetRetryPolicy(maxAttempts int, backoff []time.Duration) {
	if maxAttempts > 0 {
		e.maxAttempts = maxAttempts
	}
	if len(backoff) > 0 {
		e.backoff = backoff
	}
}

// Execute attempts the tool call until it verifies or the retry budget is
// exhausted. A success on any attempt short-circuits the remaining retries.
// Cancellation is honored between attempts, never mid-action.
func (e *Executor) Execute(ctx context.Context, call plan.ToolCall) ActionResult {
	expect := expectationFor(call)
	retryCount := 0
	var lastErr string

	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr == "" {
				lastErr = err.Error()
			}
			return ActionResult{Success: false, RetryCount: retryCount, Error: lastErr}
		}

		detail, err := e.attempt(ctx, call, expect)
		if err == nil {
			log.Printf("action %s succeeded on attempt %d", call.Name, attempt)
			return ActionResult{Success: true, RetryCount: retryCount, Detail: detail}
		}

		lastErr = err.Error()
		retryCount++
		log.Printf("action %s failed on attempt %d/%d: %v", call.Name, attempt, e.maxAttempts, err)

		if attempt < e.maxAttempts {
			delay := e.delayFor(attempt - 1)
			if err := e.clock.Sleep(ctx, delay); err != nil {
				return ActionResult{Success: false, RetryCount: retryCount, Error: lastErr}
			}
		}
	}

	return ActionResult{
		Success:    false,
		RetryCount: retryCount,
		Error:      fmt.Sprintf("%s failed after %d attempts: %s", call.Name, e.maxAttempts, lastErr),
	}
}

func (e *Executor) delayFor(i int) time.Duration {
	if i < len(e.backoff) {
		return e.backoff[i]
	}
	return e.backoff[len(e.backoff)-1]
}

// attempt runs one act-then-verify cycle. The attempt itself is detached
// from cancellation: desktop actions cannot be safely interrupted mid-action,
// so cancellation and deadlines are observed only at attempt and retry-wait
// boundaries. The driver bounds each action with its own timeout.
func (e *Executor) attempt(outer context.Context, call plan.ToolCall, expect observer.Expectation) (string, error) {
	ctx := context.WithoutCancel(outer)

	before, err := e.obs.Capture(ctx)
	if err != nil {
		return "", fmt.Errorf("pre-action capture failed: %v", err)
	}

	detail, err := e.dispatch(ctx, call)
	if err != nil {
		return "", err
	}

	after, err := e.obs.Capture(ctx)
	if err != nil {
		return "", fmt.Errorf("post-action capture failed: %v", err)
	}

	vr := e.obs.Verify(ctx, before, after, expect)
	if !vr.Success {
		return "", fmt.Errorf("verification failed for %s (expected %s, took %s)",
			call.Name, expect.Kind, vr.TimeTaken.Round(time.Millisecond))
	}
	return detail, nil
}

// dispatch maps a tool call onto the driver capability set.
func (e *Executor) dispatch(ctx context.Context, call plan.ToolCall) (string, error) {
	switch call.Name {
	case "move_click":
		x := argInt(call.Args, "x")
		y := argInt(call.Args, "y")
		button := automation.Button(argString(call.Args, "button"))
		if err := e.driver.MoveClick(ctx, x, y, button); err != nil {
			return "", err
		}
		return fmt.Sprintf("clicked at (%d, %d)", x, y), nil

	case "send_keys":
		text := argString(call.Args, "text")
		if text == "" {
			return "", fmt.Errorf("send_keys requires text")
		}
		interval := time.Duration(argInt(call.Args, "interval_ms")) * time.Millisecond
		if err := e.driver.SendKeys(ctx, text, interval); err != nil {
			return "", err
		}
		return fmt.Sprintf("typed %d characters", len(text)), nil

	case "press_key":
		key := argString(call.Args, "key")
		if key == "" {
			return "", fmt.Errorf("press_key requires key")
		}
		if err := e.driver.PressKey(ctx, key, argStrings(call.Args, "modifiers")); err != nil {
			return "", err
		}
		return fmt.Sprintf("pressed %s", key), nil

	case "launch":
		app := argString(call.Args, "app")
		if app == "" {
			return "", fmt.Errorf("launch requires app")
		}
		if err := e.driver.Launch(ctx, app); err != nil {
			return "", err
		}
		return fmt.Sprintf("launched %s", app), nil

	case "focus_window":
		title := argString(call.Args, "title")
		if title == "" {
			return "", fmt.Errorf("focus_window requires title")
		}
		if err := e.driver.FocusWindow(ctx, title); err != nil {
			return "", err
		}
		return fmt.Sprintf("focused window %q", title), nil

	case "capture":
		region := regionFrom(call.Args)
		shot, err := e.driver.Capture(ctx, region)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("captured %d bytes", len(shot)), nil

	case "list_windows":
		windows, err := e.driver.ListOpenWindows(ctx)
		if err != nil {
			return "", err
		}
		titles := make([]string, len(windows))
		for i, w := range windows {
			titles[i] = w.Title
		}
		return strings.Join(titles, "; "), nil

	default:
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}
}

// expectationFor derives the verification policy from the tool. Actuation
// should change the screen; sensing should not; focusing is verified by the
// window list.
func expectationFor(call plan.ToolCall) observer.Expectation {
	switch call.Name {
	case "focus_window":
		return observer.Expectation{Kind: observer.ExpectWindow, Value: argString(call.Args, "title")}
	case "capture", "list_windows":
		return observer.Expectation{Kind: observer.ExpectNoChange}
	default:
		return observer.Expectation{Kind: observer.ExpectChange}
	}
}

func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}

func argStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func regionFrom(args map[string]any) *automation.Region {
	w := argInt(args, "width")
	h := argInt(args, "height")
	if w == 0 || h == 0 {
		return nil
	}
	return &automation.Region{X: argInt(args, "x"), Y: argInt(args, "y"), Width: w, Height: h}
}
