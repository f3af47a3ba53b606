package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"classlive/internal/config"
	"classlive/pkg/types"
)

type fakeWaiter struct {
	id string

	mu   sync.Mutex
	msgs []types.ServerMessage
}

func (w *fakeWaiter) SocketID() string { return w.id }
func (w *fakeWaiter) RemoteIP() string { return "10.0.0.1" }

func (w *fakeWaiter) Send(msg types.ServerMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msg)
	return nil
}

func (w *fakeWaiter) countOf(msgType string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, msg := range w.msgs {
		if msg.Type == msgType {
			n++
		}
	}
	return n
}

func TestControlMessagesFromSelfAreSkipped(t *testing.T) {
	application, err := NewApplication(config.DefaultConfig())
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	t.Cleanup(func() { _ = application.Stop(context.Background()) })
	ctx := context.Background()

	generated, err := application.links.GenerateHash("quiz", "code")
	if err != nil {
		t.Fatalf("GenerateHash failed: %v", err)
	}
	w := &fakeWaiter{id: "w1"}
	redirected, err := application.coordinator.Join(ctx, generated.Hash, "quiz", w)
	if err != nil || redirected {
		t.Fatalf("Join failed: redirected=%v err=%v", redirected, err)
	}

	// A looped-back message from this instance must not notify waiters a
	// second time; the reset callback already did.
	own, _ := json.Marshal(types.ControlMessage{
		Type:      types.MessageTypeSessionEnded,
		SessionID: "abc123",
		Hash:      generated.Hash,
		Origin:    application.instanceID,
	})
	application.handleControlMessage(own)
	if got := w.countOf(types.MessageTypeSessionEnded); got != 0 {
		t.Errorf("Own control message notified waiters %d times", got)
	}

	foreign, _ := json.Marshal(types.ControlMessage{
		Type:      types.MessageTypeSessionEnded,
		SessionID: "abc123",
		Hash:      generated.Hash,
		Origin:    "peer-instance",
	})
	application.handleControlMessage(foreign)
	if got := w.countOf(types.MessageTypeSessionEnded); got != 1 {
		t.Errorf("Peer control message notified waiters %d times, want 1", got)
	}
}
