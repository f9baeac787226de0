package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		want        time.Duration
	}{
		{
			name:    "first attempt no jitter",
			policy:  Policy{InitialMs: 100, MaxMs: 30_000, Factor: 2},
			attempt: 1,
			want:    100 * time.Millisecond,
		},
		{
			name:    "doubles per attempt",
			policy:  Policy{InitialMs: 100, MaxMs: 30_000, Factor: 2},
			attempt: 4,
			want:    800 * time.Millisecond,
		},
		{
			name:    "clamped to max",
			policy:  Policy{InitialMs: 100, MaxMs: 1000, Factor: 2},
			attempt: 10,
			want:    time.Second,
		},
		{
			name:        "jitter adds fraction of base",
			policy:      Policy{InitialMs: 100, MaxMs: 30_000, Factor: 2, Jitter: 0.1},
			attempt:     1,
			randomValue: 1,
			want:        110 * time.Millisecond,
		},
		{
			name:    "attempt zero treated as first",
			policy:  Policy{InitialMs: 100, MaxMs: 30_000, Factor: 2},
			attempt: 0,
			want:    100 * time.Millisecond,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.want {
				t.Errorf("ComputeWithRand(%+v, %d, %v) = %v, want %v",
					tt.policy, tt.attempt, tt.randomValue, got, tt.want)
			}
		})
	}
}

func TestSleep_Zero(t *testing.T) {
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("Sleep(0) = %v", err)
	}
}

func TestSleep_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Sleep(ctx, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Sleep blocked %v after cancel", elapsed)
	}
}
