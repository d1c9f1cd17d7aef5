package dial

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig() should validate, got: %v", err)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []Config{
		{MaxAttempts: 0, BaseTimeout: time.Second, MaxTimeout: time.Second, RetryInterval: time.Second},
		{MaxAttempts: 1, BaseTimeout: 0, MaxTimeout: time.Second, RetryInterval: time.Second},
		{MaxAttempts: 1, BaseTimeout: time.Minute, MaxTimeout: time.Second, RetryInterval: time.Second},
		{MaxAttempts: 1, BaseTimeout: time.Second, MaxTimeout: time.Second, RetryInterval: 0},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected validation error, got nil", i)
		}
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := Config{MaxAttempts: 3, BaseTimeout: time.Second, MaxTimeout: time.Second, RetryInterval: time.Millisecond}

	attempts := 0
	conn, err := Retry(context.Background(), cfg, "sess", logger, func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("connection refused")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected success, got: %v", err)
	}
	if conn != 42 {
		t.Errorf("conn = %d, want 42", conn)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cfg := Config{MaxAttempts: 2, BaseTimeout: time.Second, MaxTimeout: time.Second, RetryInterval: time.Millisecond}

	_, err := Retry(context.Background(), cfg, "sess", logger, func(ctx context.Context) (int, error) {
		return 0, errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
}
