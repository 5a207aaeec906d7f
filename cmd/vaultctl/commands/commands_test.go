package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"seedvault/go-backend/internal/vault"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := "store:\n" +
		"  backend: file\n" +
		"  path: " + filepath.Join(dir, "vault.json") + "\n" +
		"vault:\n" +
		"  kdf:\n" +
		"    time: 1\n" +
		"    memory_kb: 64\n" +
		"    threads: 1\n" +
		"  authRatePerSecond: 0\n" +
		"log:\n" +
		"  level: error\n"
	path := filepath.Join(dir, "seedvault.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVaultLifecycleThroughCLI(t *testing.T) {
	cfg := writeTestConfig(t)
	t.Setenv("SEEDVAULT_AUTH_SECRET", "k1")
	base := []string{"--config", cfg, "--auth-id", "A", "--label", "p1"}

	out, err := run(t, "", append([]string{"init"}, base...)...)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !strings.HasPrefix(out, "identity: did:seedvault:z") {
		t.Fatalf("unexpected init output: %q", out)
	}
	identityLine := out

	if _, err := run(t, "s2\n", append([]string{"add-authenticator", "--new-id", "B", "--new-label", "p2"}, base...)...); err != nil {
		t.Fatalf("add-authenticator failed: %v", err)
	}
	out, err = run(t, "", append([]string{"list"}, base...)...)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if got := strings.Fields(out); !slices.Equal(got, []string{"A", "B"}) {
		t.Fatalf("unexpected list: %v", got)
	}

	// B unlocks the same vault and sees the first seed.
	t.Setenv("SEEDVAULT_AUTH_SECRET", "s2")
	viaB := []string{"--config", cfg, "--auth-id", "B"}
	out, err = run(t, "", append([]string{"init"}, viaB...)...)
	if err != nil || out != identityLine {
		t.Fatalf("B must unlock the same identity: %q err=%v", out, err)
	}
	out, err = run(t, "", append([]string{"seed"}, viaB...)...)
	if err != nil || strings.TrimSpace(out) != "k1" {
		t.Fatalf("expected seed k1, got %q err=%v", out, err)
	}
	out, err = run(t, "", append([]string{"keypair", "p2"}, viaB...)...)
	if err != nil || out != "id: B\nsecret: s2\n" {
		t.Fatalf("unexpected keypair output %q err=%v", out, err)
	}

	out, err = run(t, "", append([]string{"meta"}, viaB...)...)
	if err != nil {
		t.Fatalf("meta failed: %v", err)
	}
	var view metaView
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("meta output is not JSON: %v", err)
	}
	if !view.HasMasterSeed || view.Controllers[0] != view.Identity || !slices.Equal(view.Keys, []string{"A", "B"}) {
		t.Fatalf("unexpected meta: %+v", view)
	}
	if strings.Contains(out, "ciphertext") {
		t.Fatal("meta must not print encrypted blobs")
	}

	t.Setenv("SEEDVAULT_AUTH_SECRET", "k1")
	if _, err := run(t, "", append([]string{"remove-authenticator", "B"}, base...)...); err != nil {
		t.Fatalf("remove-authenticator failed: %v", err)
	}
	t.Setenv("SEEDVAULT_AUTH_SECRET", "s2")
	if _, err := run(t, "", append([]string{"seed"}, viaB...)...); !errors.Is(err, vault.ErrAuthentication) {
		t.Fatalf("removed authenticator must be refused, got %v", err)
	}
}

func TestOnlyInitProvisions(t *testing.T) {
	cfg := writeTestConfig(t)
	t.Setenv("SEEDVAULT_AUTH_SECRET", "k1")
	_, err := run(t, "", "seed", "--config", cfg, "--auth-id", "A")
	if !errors.Is(err, vault.ErrAuthentication) {
		t.Fatalf("seed on an empty vault must not provision, got %v", err)
	}
}

func TestSecretSources(t *testing.T) {
	cfg := writeTestConfig(t)
	t.Setenv("SEEDVAULT_AUTH_SECRET", "")
	secretPath := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(secretPath, []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	if _, err := run(t, "", "init", "--config", cfg, "--auth-id", "A", "--secret-file", secretPath); err != nil {
		t.Fatalf("init with secret file failed: %v", err)
	}
	out, err := run(t, "from-file\n", "seed", "--config", cfg, "--auth-id", "A")
	if err != nil || strings.TrimSpace(out) != "from-file" {
		t.Fatalf("stdin secret must unlock the same vault: %q err=%v", out, err)
	}
	if _, err := run(t, "\n", "init", "--config", cfg, "--auth-id", "A"); err == nil {
		t.Fatal("empty secret must be rejected")
	}
	if _, err := run(t, "", "init", "--config", cfg); !errors.Is(err, errMissingAuthID) {
		t.Fatalf("expected errMissingAuthID, got %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3", "abc", "today")
	out, err := run(t, "", "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if strings.TrimSpace(out) != "vaultctl version=1.2.3 commit=abc build_date=today" {
		t.Fatalf("unexpected version output: %q", out)
	}
}

func TestDoctorReportsPlaintextStore(t *testing.T) {
	cfg := writeTestConfig(t)
	t.Setenv("SEEDVAULT_STORE_PASSPHRASE", "")
	out, err := run(t, "", "doctor", "--config", cfg)
	if !errors.Is(err, errNotReady) {
		t.Fatalf("expected errNotReady for a plaintext store, got %v", err)
	}
	if !strings.Contains(out, `"store_sealed"`) {
		t.Fatalf("missing store_sealed check: %s", out)
	}

	t.Setenv("SEEDVAULT_STORE_PASSPHRASE", "pass")
	if _, err := run(t, "", "doctor", "--config", cfg); err != nil {
		t.Fatalf("sealed store must be ready: %v", err)
	}
}
