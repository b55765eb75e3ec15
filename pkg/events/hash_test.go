package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestComputeHash(t *testing.T) {
	now := time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)
	payload, _ := json.Marshal(map[string]any{"taskId": "t1"})

	h1 := computeHash("", StreamTask, "TASK_CREATED", "u1", "t1", now, payload)
	h2 := computeHash("", StreamTask, "TASK_CREATED", "u1", "t1", now, payload)
	if h1 != h2 {
		t.Fatalf("same inputs should produce same hash: %s != %s", h1, h2)
	}

	h3 := computeHash("", StreamTask, "TASK_CREATED", "u1", "t2", now, payload)
	if h1 == h3 {
		t.Fatalf("different task should produce different hash")
	}

	h4 := computeHash("prevhash", StreamTask, "TASK_CREATED", "u1", "t1", now, payload)
	if h1 == h4 {
		t.Fatalf("different prevHash should produce different hash")
	}

	h5 := computeHash("", StreamML, "TASK_CREATED", "u1", "t1", now, payload)
	if h1 == h5 {
		t.Fatalf("different stream should produce different hash")
	}
}

func TestParseCursor(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{StartCursor, 0, false},
		{"42", 42, false},
		{"1700000000000-0", 0, true},
	}
	for _, tc := range cases {
		got, err := parseCursor(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("parseCursor(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("parseCursor(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
