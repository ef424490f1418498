package observability

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypePlan      EventType = "plan"
	EventTypeCache     EventType = "cache"
	EventTypeStep      EventType = "step"
	EventTypeToolCall  EventType = "tool_call"
	EventTypeSession   EventType = "session"
	EventTypeHeartbeat EventType = "heartbeat"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging. Events go to stdout as JSON; session
// events are additionally appended to a JSONL file with simple rotation.
type Logger struct {
	sessionLogPath string
	maxSize        int64
}

func NewLogger(dataDir string) *Logger {
	return &Logger{
		sessionLogPath: filepath.Join(dataDir, "logs", "sessions.jsonl"),
		maxSize:        10 * 1024 * 1024, // 10MB
	}
}

// Log emits a structured JSON event to stdout.
func (l *Logger) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		fmt.Printf("{\"error\": \"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Println(string(data))

	if evt.Type == EventTypeSession {
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.sessionLogPath), 0755); err != nil {
		log.Printf("failed to create log directory: %v", err)
		return
	}

	// Check size before writing
	info, err := os.Stat(l.sessionLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.sessionLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		log.Printf("failed to write to log file: %v", err)
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.sessionLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.sessionLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogPlan(sessionID, instruction string, steps int) {
	l.Log(Event{
		Type:      EventTypePlan,
		SessionID: sessionID,
		Data: map[string]any{
			"instruction": instruction,
			"steps":       steps,
		},
	})
}

func (l *Logger) LogCache(sessionID, instruction string, hit bool) {
	l.Log(Event{
		Type:      EventTypeCache,
		SessionID: sessionID,
		Data: map[string]any{
			"instruction": instruction,
			"hit":         hit,
		},
	})
}

func (l *Logger) LogStep(sessionID string, subtaskID int, tool, status string) {
	l.Log(Event{
		Type:      EventTypeStep,
		SessionID: sessionID,
		Data: map[string]any{
			"subtask_id": subtaskID,
			"tool":       tool,
			"status":     status,
		},
	})
}

func (l *Logger) LogToolCall(sessionID, tool string, args any) {
	l.Log(Event{
		Type:      EventTypeToolCall,
		SessionID: sessionID,
		Data: map[string]any{
			"tool": tool,
			"args": args,
		},
	})
}

func (l *Logger) LogSession(sessionID, status, errMsg string) {
	data := map[string]any{"status": status}
	if errMsg != "" {
		data["error"] = errMsg
	}
	l.Log(Event{
		Type:      EventTypeSession,
		SessionID: sessionID,
		Data:      data,
	})
}

func (l *Logger) LogHeartbeat() {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]string{"status": "alive"},
	})
}
