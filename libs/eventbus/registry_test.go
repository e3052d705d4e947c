package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type noteAdded struct {
	Envelope
	NoteID string `json:"noteId"`
	Body   string `json:"body"`
}

func (noteAdded) EventType() string { return "test.note.added" }

func TestRegistry_DecodeRegisteredTopic(t *testing.T) {
	r := NewRegistry()
	RegisterType[noteAdded](r, "test.note.added")

	evt, registered, err := r.Decode("test.note.added", []byte(`{"eventId":"e1","timestamp":"2026-01-02T03:04:05Z","noteId":"n1","body":"hi"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !registered {
		t.Fatal("expected topic to be registered")
	}
	note, ok := evt.(noteAdded)
	if !ok {
		t.Fatalf("unexpected event type %T", evt)
	}
	if note.EventID() != "e1" || note.NoteID != "n1" || note.Body != "hi" {
		t.Fatalf("unexpected decoded event: %+v", note)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !note.OccurredAt().Equal(want) {
		t.Fatalf("unexpected timestamp: %s", note.OccurredAt())
	}
}

func TestRegistry_UnregisteredTopic(t *testing.T) {
	r := NewRegistry()
	_, registered, err := r.Decode("test.unknown", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if registered {
		t.Fatal("expected topic to be unregistered")
	}
}

func TestRegistry_DecodeError(t *testing.T) {
	r := NewRegistry()
	RegisterType[noteAdded](r, "test.note.added")
	_, registered, err := r.Decode("test.note.added", []byte(`not json`))
	if !registered {
		t.Fatal("expected topic to be registered")
	}
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestRegistry_DispatchZeroHandlersIsSilent(t *testing.T) {
	r := NewRegistry()
	RegisterType[noteAdded](r, "test.note.added")
	if err := r.Dispatch(context.Background(), "test.note.added", noteAdded{}); err != nil {
		t.Fatalf("dispatch with zero handlers should succeed: %v", err)
	}
}

func TestRegistry_DispatchRunsAllHandlersAndJoinsErrors(t *testing.T) {
	r := NewRegistry()
	var first, second, third bool
	boom := errors.New("boom")

	Subscribe(r, "test.note.added", func(_ context.Context, _ noteAdded) error {
		first = true
		return nil
	})
	Subscribe(r, "test.note.added", func(_ context.Context, _ noteAdded) error {
		second = true
		return boom
	})
	Subscribe(r, "test.note.added", func(_ context.Context, _ noteAdded) error {
		third = true
		return nil
	})

	err := r.Dispatch(context.Background(), "test.note.added", noteAdded{Envelope: NewEnvelope()})
	if !first || !second || !third {
		t.Fatalf("all handlers must run even when one fails (got %v %v %v)", first, second, third)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected dispatch to report the handler failure, got %v", err)
	}
}

func TestRegistry_TypedHandlerReceivesDecodedEvent(t *testing.T) {
	r := NewRegistry()
	var got noteAdded
	Subscribe(r, "test.note.added", func(_ context.Context, evt noteAdded) error {
		got = evt
		return nil
	})

	evt, _, err := r.Decode("test.note.added", []byte(`{"eventId":"e2","timestamp":"2026-01-01T00:00:00Z","noteId":"n2"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := r.Dispatch(context.Background(), "test.note.added", evt); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got.NoteID != "n2" {
		t.Fatalf("handler saw wrong event: %+v", got)
	}
}

func TestRegistry_Topics(t *testing.T) {
	r := NewRegistry()
	RegisterType[noteAdded](r, "test.b")
	RegisterType[noteAdded](r, "test.a")
	topics := r.Topics()
	if len(topics) != 2 || topics[0] != "test.a" || topics[1] != "test.b" {
		t.Fatalf("unexpected topics: %v", topics)
	}
}
