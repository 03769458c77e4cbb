package main

import (
	"bytes"
	"context"
	"elogbook/internal/platform/config"
	"elogbook/internal/platform/logger"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func memoryEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ELOGBOOK_JWT_SECRET", testSecret)
	t.Setenv("ELOGBOOK_STORAGE_DRIVER", "memory")
	t.Setenv("ELOGBOOK_BLOB_DRIVER", "memory")
	t.Setenv("ELOGBOOK_KAFKA_BROKERS", "")
	t.Setenv("ELOGBOOK_BOOTSTRAP_ADMIN", "qa.admin")
	t.Setenv("ELOGBOOK_ADDR", "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("LOG_DEV", "")
}

func TestIssueTokenForBootstrapAdmin(t *testing.T) {
	memoryEnv(t)
	var stdout, stderr bytes.Buffer
	code := cli(context.Background(), []string{"-env", "absent.env", "-issue-token", " QA.Admin "}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit %d, stderr %s", code, stderr.String())
	}
	token := strings.TrimSpace(stdout.String())
	if strings.Count(token, ".") != 2 {
		t.Fatalf("expected a JWT on stdout, got %q", token)
	}
}

func TestIssueTokenUnknownUser(t *testing.T) {
	memoryEnv(t)
	var stdout, stderr bytes.Buffer
	if code := cli(context.Background(), []string{"-env", "absent.env", "-issue-token", "ghost"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if stdout.Len() != 0 {
		t.Fatalf("nothing should be printed, got %q", stdout.String())
	}
}

func TestCLIRejectsBadConfigAndFlags(t *testing.T) {
	memoryEnv(t)
	t.Setenv("ELOGBOOK_JWT_SECRET", "")
	var stdout, stderr bytes.Buffer
	if code := cli(context.Background(), []string{"-env", "absent.env"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected config failure, got %d", code)
	}
	if !strings.Contains(stderr.String(), "ELOGBOOK_JWT_SECRET") {
		t.Fatalf("expected config error on stderr, got %q", stderr.String())
	}
	if code := cli(context.Background(), []string{"-bogus"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	memoryEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	var stdout, stderr bytes.Buffer
	go func() {
		done <- cli(ctx, []string{"-env", "absent.env", "-addr", "127.0.0.1:0"}, &stdout, &stderr)
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("expected clean shutdown, got %d", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestBuildWiresRouterAndMetrics(t *testing.T) {
	memoryEnv(t)
	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	a, err := build(context.Background(), cfg, logger.Adapt(zap.NewNop()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	token, err := a.issueToken(context.Background(), "qa.admin", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: %d %s", rec.Code, rec.Body.String())
	}
	var me struct {
		User struct {
			Username string `json:"username"`
			Role     string `json:"role"`
		} `json:"user"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if me.User.Username != "qa.admin" || me.User.Role != "ADMIN" {
		t.Fatalf("unexpected me %+v", me)
	}

	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "elogbook_core_operations_total") {
		t.Fatalf("metrics missing service counters: %d", rec.Code)
	}
}

func TestBuildFailsOnUnknownDriver(t *testing.T) {
	memoryEnv(t)
	cfg, err := config.FromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Blob.Driver = "tape"
	if _, err := build(context.Background(), cfg, logger.Adapt(zap.NewNop())); err == nil {
		t.Fatalf("expected unknown blob driver to fail")
	}
}
