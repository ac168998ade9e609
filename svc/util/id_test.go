package util

import (
	"strings"
	"testing"
)

func neverExists(string) (bool, error) { return false, nil }

func TestGenIDLengthAndAlphabet(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := GenID(neverExists)
		if err != nil {
			t.Fatalf("GenID failed: %v", err)
		}
		if len(id) != 11 {
			t.Fatalf("id length = %d, want 11 (%s)", len(id), id)
		}
		for _, r := range id {
			if !strings.ContainsRune(base62Chars, r) {
				t.Fatalf("id %q contains non-base62 rune %q", id, r)
			}
		}
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestGenIDRetriesOnCollision(t *testing.T) {
	calls := 0
	id, err := GenID(func(string) (bool, error) {
		calls++
		return calls < 3, nil
	})
	if err != nil {
		t.Fatalf("GenID failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("exists called %d times, want 3", calls)
	}
	if id == "" {
		t.Error("empty id returned")
	}
}

func TestGenIDGivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	_, err := GenID(func(string) (bool, error) {
		calls++
		return true, nil
	})
	if err == nil {
		t.Fatal("expected error after persistent collisions")
	}
	if calls != maxRetries {
		t.Errorf("exists called %d times, want %d", calls, maxRetries)
	}
}
