package dedup

import (
	"fmt"
	"testing"
	"time"
)

func TestWindow_MarkAndSeen(t *testing.T) {
	w, err := New(time.Hour)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if w.Seen("a") {
		t.Error("Expected unknown key to be unseen")
	}
	if err := w.Mark("a"); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}
	if !w.Seen("a") {
		t.Error("Expected marked key to be seen")
	}
	if w.Seen("b") {
		t.Error("Expected other key to be unseen")
	}
	if w.Len() != 1 {
		t.Errorf("Expected 1 key, got %d", w.Len())
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if !w.Seen("a") {
		t.Error("Expected keys to stay readable after Close")
	}
}

func TestWindow_Defaults(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, DefaultTTL},
		{-time.Second, DefaultTTL},
		{time.Millisecond, time.Second},
		{time.Minute, time.Minute},
	}

	for _, tt := range tests {
		w, err := New(tt.in)
		if err != nil {
			t.Fatalf("New(%v) error = %v", tt.in, err)
		}
		if w.TTL() != tt.want {
			t.Errorf("New(%v).TTL() = %v, want %v", tt.in, w.TTL(), tt.want)
		}
		_ = w.Close()
	}
}

func TestWindow_ForgetsExpiredKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for eviction")
	}

	w, err := New(time.Second)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = w.Close() }()

	for i := 0; i < 100; i++ {
		if err := w.Mark(fmt.Sprintf("share-%d", i)); err != nil {
			t.Fatalf("Mark() error = %v", err)
		}
	}
	if w.Len() != 100 {
		t.Fatalf("Expected 100 keys, got %d", w.Len())
	}

	deadline := time.Now().Add(10 * time.Second)
	for w.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if w.Len() != 0 {
		t.Errorf("Expected every key to expire, %d left", w.Len())
	}
	if w.Seen("share-0") {
		t.Error("Expected expired key to be unseen")
	}
}
