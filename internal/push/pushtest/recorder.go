// Package pushtest provides a recording push channel for tests.
package pushtest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/soyeahso/tutorchat/internal/protocol"
)

// Recorder is a push.Channel that keeps every frame it is asked to send.
// Connections listed in Fail return the configured error instead.
type Recorder struct {
	mu     sync.Mutex
	frames map[string][]protocol.Frame
	fail   map[string]error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		frames: make(map[string][]protocol.Frame),
		fail:   make(map[string]error),
	}
}

// Fail makes pushes to connID return err. A nil err clears the failure.
func (r *Recorder) Fail(connID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.fail, connID)
		return
	}
	r.fail[connID] = err
}

func (r *Recorder) Send(_ context.Context, connID string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[connID]; err != nil {
		return err
	}
	f, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	r.frames[connID] = append(r.frames[connID], f)
	return nil
}

// Frames returns the frames sent to connID.
func (r *Recorder) Frames(connID string) []protocol.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Frame(nil), r.frames[connID]...)
}

// Events returns the event names sent to connID in order.
func (r *Recorder) Events(connID string) []string {
	var out []string
	for _, f := range r.Frames(connID) {
		out = append(out, f.Event)
	}
	return out
}

// Last decodes the payload of the most recent event named event sent to
// connID into v. It reports false when there is none.
func (r *Recorder) Last(connID, event string, v any) bool {
	frames := r.Frames(connID)
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Event == event {
			return json.Unmarshal(frames[i].Payload, v) == nil
		}
	}
	return false
}

// Reset forgets all recorded frames.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = make(map[string][]protocol.Frame)
}
