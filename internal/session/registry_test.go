package session

import "testing"

func TestPlanningRegistryReplace(t *testing.T) {
	r := NewPlanningRegistry()

	replaced, err := r.Register("default", "sess-1", PolicyReplace)
	if err != nil || replaced != "" {
		t.Fatalf("first register: replaced=%q err=%v", replaced, err)
	}

	replaced, err = r.Register("default", "sess-2", PolicyReplace)
	if err != nil {
		t.Fatalf("replace register: %v", err)
	}
	if replaced != "sess-1" {
		t.Errorf("replaced = %q, want sess-1", replaced)
	}

	if owner, ok := r.Owner("default"); !ok || owner != "sess-2" {
		t.Errorf("owner = %q, %t", owner, ok)
	}
}

func TestPlanningRegistryReject(t *testing.T) {
	r := NewPlanningRegistry()

	if _, err := r.Register("default", "sess-1", PolicyReject); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("default", "sess-2", PolicyReject); err == nil {
		t.Error("second register under reject policy should fail")
	}

	// Other workspaces are unaffected.
	if _, err := r.Register("other", "sess-3", PolicyReject); err != nil {
		t.Errorf("independent workspace rejected: %v", err)
	}
}

func TestPlanningRegistryStaleRelease(t *testing.T) {
	r := NewPlanningRegistry()

	if _, err := r.Register("default", "sess-1", PolicyReplace); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("default", "sess-2", PolicyReplace); err != nil {
		t.Fatal(err)
	}

	// The replaced session's release must not evict the new owner.
	r.Release("default", "sess-1")
	if owner, ok := r.Owner("default"); !ok || owner != "sess-2" {
		t.Errorf("owner after stale release = %q, %t", owner, ok)
	}

	r.Release("default", "sess-2")
	if _, ok := r.Owner("default"); ok {
		t.Error("slot should be free after owner release")
	}
}
