package billing

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rcourtman/pulse-billing/internal/billing/registry"
)

func TestRun_LoadConfigError(t *testing.T) {
	clearBillingEnv(t)

	err := Run(context.Background(), "test-version")
	if err == nil {
		t.Fatal("Run() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "load config:") {
		t.Fatalf("Run() error = %q, want load config prefix", err)
	}
}

func TestRun_CreateStoreDirError(t *testing.T) {
	tempDir := t.TempDir()
	filePath := filepath.Join(tempDir, "not-a-directory")
	if err := os.WriteFile(filePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile(%q): %v", filePath, err)
	}

	clearBillingEnv(t)
	t.Setenv("BILLING_DATA_DIR", filePath)
	t.Setenv("BILLING_ADMIN_KEY", "test-admin-key")

	err := Run(context.Background(), "test-version")
	if err == nil {
		t.Fatal("Run() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "create store dir:") {
		t.Fatalf("Run() error = %q, want create store dir error", err)
	}
}

func TestRun_BadPlansFile(t *testing.T) {
	clearBillingEnv(t)
	t.Setenv("BILLING_DATA_DIR", t.TempDir())
	t.Setenv("BILLING_ADMIN_KEY", "test-admin-key")
	t.Setenv("BILLING_PLANS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	err := Run(context.Background(), "test-version")
	if err == nil {
		t.Fatal("Run() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "load plan catalog:") {
		t.Fatalf("Run() error = %q, want load plan catalog error", err)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRun_ServesUntilContextCancelled(t *testing.T) {
	dataDir := t.TempDir()
	port := freePort(t)

	clearBillingEnv(t)
	t.Setenv("BILLING_DATA_DIR", dataDir)
	t.Setenv("BILLING_ADMIN_KEY", "test-admin-key")
	t.Setenv("BILLING_BIND_ADDRESS", "127.0.0.1")
	t.Setenv("BILLING_PORT", strconv.Itoa(port))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, "test-version") }()

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/healthz"
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("/healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
			}
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server did not come up: %v", err)
		}
		time.Sleep(25 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
	case <-time.After(35 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	// The built-in catalog was seeded on first start.
	reg, err := registry.NewRegistry(filepath.Join(dataDir, "billing"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	defer reg.Close()
	n, err := reg.CountPlans(context.Background())
	if err != nil {
		t.Fatalf("CountPlans: %v", err)
	}
	if n != 3 {
		t.Fatalf("plans = %d, want 3", n)
	}
}
