package automation

import (
	"context"
	"time"
)

// Button identifies a pointer button.
type Button string

const (
	ButtonLeft   Button = "left"
	ButtonRight  Button = "right"
	ButtonMiddle Button = "middle"
)

// Region is a rectangular screen area.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// WindowInfo describes one open window.
type WindowInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Driver is the narrow capability set the orchestration core drives the
// desktop through. The executor and observer are its only callers; nothing
// above them assumes a specific OS or surface.
type Driver interface {
	MoveClick(ctx context.Context, x, y int, button Button) error
	SendKeys(ctx context.Context, text string, interval time.Duration) error
	PressKey(ctx context.Context, key string, modifiers []string) error
	Launch(ctx context.Context, app string) error
	FocusWindow(ctx context.Context, title string) error
	Capture(ctx context.Context, region *Region) ([]byte, error)
	ListOpenWindows(ctx context.Context) ([]WindowInfo, error)
	// PageText extracts the readable text of the active surface, used by
	// the observer for text expectations.
	PageText(ctx context.Context) (string, error)
	Close() error
}
