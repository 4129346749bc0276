package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAsyncHandlerWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	handler := NewAsyncHandler(dir, slog.LevelDebug)
	log := slog.New(handler).With("conn", "abc")

	log.Info("hello gateway", "seq", 3)
	log.Debug("debug line")

	cb := &ShutdownCallback{handler: handler}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := cb.Invoke(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, time.Now().Format("2006-01-02")+".log"))
	if err != nil {
		t.Fatalf("expected log file: %v", err)
	}
	content := string(data)
	for _, want := range []string{"hello gateway", "conn=abc", "seq=3", "debug line"} {
		if !strings.Contains(content, want) {
			t.Errorf("log output missing %q:\n%s", want, content)
		}
	}

	// writes after close are dropped instead of panicking
	log.Info("after close")
}

func TestAsyncHandlerLevel(t *testing.T) {
	handler := NewAsyncHandler("", slog.LevelWarn)
	defer handler.Close()
	if handler.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("info should be disabled at warn level")
	}
	if !handler.Enabled(context.Background(), LevelFatal) {
		t.Fatal("fatal should always be enabled")
	}
}
