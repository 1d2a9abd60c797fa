package id

import (
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestGenerateUnique(t *testing.T) {
	gen := NewGenerator()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := gen.Generate().String()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestGenerateSorted(t *testing.T) {
	gen := NewGenerator()

	prev := gen.Generate().String()
	for i := 0; i < 100; i++ {
		next := gen.Generate().String()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestTypedIDs(t *testing.T) {
	tests := []struct {
		id     string
		prefix string
	}{
		{NewTransferID().String(), TransferPrefix},
		{NewMountID().String(), MountPrefix},
		{NewLoadingID().String(), LoadingPrefix},
	}

	for _, tt := range tests {
		if !strings.HasPrefix(tt.id, tt.prefix+"_") {
			t.Errorf("id %q should start with %q", tt.id, tt.prefix+"_")
		}
		parts := strings.Split(tt.id, "_")
		if len(parts) != 2 {
			t.Fatalf("unexpected id format %q", tt.id)
		}
		if _, err := ulid.Parse(parts[1]); err != nil {
			t.Errorf("ULID part should parse: %v", err)
		}
	}
}

func TestTimestamp(t *testing.T) {
	before := time.Now().Add(-time.Second)
	ts, err := Timestamp(NewTransferID().String())
	if err != nil {
		t.Fatalf("Timestamp: %v", err)
	}
	if ts.Before(before) {
		t.Errorf("timestamp %v earlier than %v", ts, before)
	}

	if _, err := Timestamp("xfer_not-a-ulid"); err == nil {
		t.Error("expected error for invalid ulid")
	}
}
