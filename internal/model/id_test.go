package model

import "testing"

func TestGenerateID(t *testing.T) {
	id, err := GenerateID(IDTypeTask)
	if err != nil {
		t.Fatalf("GenerateID: %v", err)
	}
	if !ValidateID(id) {
		t.Errorf("generated id %q fails validation", id)
	}

	if _, err := GenerateID(IDType("bogus")); err == nil {
		t.Error("expected error for unknown id type")
	}
}

func TestParseIDTimestamp(t *testing.T) {
	id, err := GenerateID(IDTypeDraft)
	if err != nil {
		t.Fatalf("GenerateID: %v", err)
	}
	ts, err := ParseIDTimestamp(id)
	if err != nil {
		t.Fatalf("ParseIDTimestamp: %v", err)
	}
	if ts.IsZero() {
		t.Error("parsed timestamp is zero")
	}

	if _, err := ParseIDTimestamp("task_bad"); err == nil {
		t.Error("expected error for malformed id")
	}
}
