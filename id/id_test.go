package id_test

import (
	"testing"

	"github.com/replicante-io/replicore/id"
)

func TestNewCarriesPrefix(t *testing.T) {
	taskID := id.NewTaskID()
	if taskID.Prefix() != id.PrefixTask {
		t.Fatalf("expected prefix %q, got %q", id.PrefixTask, taskID.Prefix())
	}
	if taskID.IsNil() {
		t.Fatal("new ID should not be nil")
	}
}

func TestParseRoundTrip(t *testing.T) {
	actionID := id.NewActionID()

	parsed, err := id.ParseActionID(actionID.String())
	if err != nil {
		t.Fatalf("ParseActionID: %v", err)
	}
	if parsed.String() != actionID.String() {
		t.Fatalf("round trip mismatch: %q != %q", parsed.String(), actionID.String())
	}
}

func TestParseRejectsWrongPrefix(t *testing.T) {
	eventID := id.NewEventID()
	if _, err := id.ParseTaskID(eventID.String()); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestNilMarshalsEmpty(t *testing.T) {
	data, err := id.Nil.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty text for Nil, got %q", data)
	}

	var decoded id.ID
	if err := decoded.UnmarshalText(nil); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if !decoded.IsNil() {
		t.Fatal("expected Nil after unmarshalling empty text")
	}
}
