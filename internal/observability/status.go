package observability

import (
	"sync"
	"time"
)

type WorkerState string

const (
	StateIdle      WorkerState = "IDLE"
	StatePlanning  WorkerState = "PLANNING"
	StateExecuting WorkerState = "EXECUTING"
)

type SystemStatus struct {
	mu            sync.RWMutex
	CurrentState  WorkerState
	ActiveSession string
	LastHeartbeat time.Time
}

var globalStatus = &SystemStatus{
	CurrentState:  StateIdle,
	LastHeartbeat: time.Now(),
}

// SetStatus updates the global system status.
func SetStatus(state WorkerState, sessionID string) {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.CurrentState = state
	globalStatus.ActiveSession = sessionID
}

// GetStatus retrieves a copy of the global system status.
func GetStatus() (WorkerState, string, time.Time) {
	globalStatus.mu.RLock()
	defer globalStatus.mu.RUnlock()
	return globalStatus.CurrentState, globalStatus.ActiveSession, globalStatus.LastHeartbeat
}

// Heartbeat updates the last heartbeat time.
func Heartbeat() {
	globalStatus.mu.Lock()
	defer globalStatus.mu.Unlock()
	globalStatus.LastHeartbeat = time.Now()
}
