package store

import (
	"context"
	"testing"
)

func TestListenerDispatchFiltersByBranch(t *testing.T) {
	listener := NewListener("postgres://unused")
	var mainEvents, featureEvents []Event

	cancelMain, err := listener.Subscribe(context.Background(), "main", func(e Event) { mainEvents = append(mainEvents, e) })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if _, err := listener.Subscribe(context.Background(), "feature-x", func(e Event) { featureEvents = append(featureEvents, e) }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	listener.dispatch([]byte(`{"kind":"insert","file_path":"guide.md","branch_name":"main","updated_at":"2025-03-01T09:00:00Z","user_id":"a"}`))
	listener.dispatch([]byte(`{"kind":"update","file_path":"guide.md","branch_name":"feature-x","updated_at":"2025-03-01T09:00:00Z","user_id":"a"}`))
	listener.dispatch([]byte(`not json`))

	if len(mainEvents) != 1 || mainEvents[0].Kind != EventInsert {
		t.Fatalf("unexpected main events: %+v", mainEvents)
	}
	if len(featureEvents) != 1 || featureEvents[0].Row.BranchName != "feature-x" {
		t.Fatalf("unexpected feature events: %+v", featureEvents)
	}

	cancelMain()
	cancelMain()
	listener.dispatch([]byte(`{"kind":"delete","file_path":"guide.md","branch_name":"main","updated_at":"2025-03-01T09:00:00Z","user_id":"a"}`))
	if len(mainEvents) != 1 {
		t.Fatalf("expected no events after cancel, got %d", len(mainEvents))
	}
}
