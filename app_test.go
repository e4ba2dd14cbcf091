package main

import (
	"context"
	"testing"
	"time"

	"tgpanel/internal/telegram"
)

func TestBackfillProgress(t *testing.T) {
	if got := backfillProgress(nil); got != 100 {
		t.Fatalf("expected 100 for empty result set, got %d", got)
	}

	results := []telegram.ChatSyncResult{
		{ChatID: 1, BackfillDone: true},
		{ChatID: 2, BackfillDone: false},
		{ChatID: 3, BackfillDone: true},
		{ChatID: 4, BackfillDone: false},
	}
	if got := backfillProgress(results); got != 50 {
		t.Fatalf("expected 50, got %d", got)
	}

	results = append(results, telegram.ChatSyncResult{ChatID: 5, BackfillDone: true})
	if got := backfillProgress(results); got != 60 {
		t.Fatalf("expected 60, got %d", got)
	}
}

func TestSleepOrDoneExpires(t *testing.T) {
	start := time.Now()
	if !sleepOrDone(context.Background(), 10*time.Millisecond) {
		t.Fatal("expected true when the timer expires")
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("returned before the timer expired")
	}
}

func TestSleepOrDoneCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleepOrDone(ctx, time.Minute) {
		t.Fatal("expected false for a cancelled context")
	}
}
