package mapping

import (
	"context"
	"sync"
)

type alert struct {
	containerID, alertType, message string
}

type recordingEmitter struct {
	mu     sync.Mutex
	alerts []alert
}

func (r *recordingEmitter) Emit(context.Context, string, *uint, string, any) {}

func (r *recordingEmitter) Alert(_ context.Context, containerID, alertType, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert{containerID, alertType, message})
}
