package redis

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mossy-p/webrtc-chat/config"
)

func TestConnectGivesUpAfterAttempts(t *testing.T) {
	cfg := config.RedisConfig{Host: "127.0.0.1", Port: "1", ConnectAttempts: 2, RetryDelay: 10 * time.Millisecond}

	err := Connect(context.Background(), cfg, zerolog.Nop())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Connect = %v, want ErrUnavailable", err)
	}
	if !strings.Contains(err.Error(), "after 2 attempts") || !strings.Contains(err.Error(), "check your connection") {
		t.Errorf("error lacks actionable text: %v", err)
	}
	if GetClient() != nil {
		t.Error("client kept after failed connect")
	}
}

func TestConnectStopsOnCancel(t *testing.T) {
	cfg := config.RedisConfig{Host: "127.0.0.1", Port: "1", ConnectAttempts: 5, RetryDelay: time.Hour}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if err := Connect(ctx, cfg, zerolog.Nop()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Connect = %v, want ErrUnavailable", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Connect waited out the retry delay after cancellation")
	}
}

func TestConnect(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("skip: REDIS_ADDR not set")
	}
	host, port, _ := strings.Cut(addr, ":")
	if err := Connect(context.Background(), config.RedisConfig{Host: host, Port: port, ConnectAttempts: 1}, zerolog.Nop()); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer Close()
	if GetClient() == nil {
		t.Fatal("no client after successful connect")
	}
}
