package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/warden-foundation/warden/authz"
	"github.com/warden-foundation/warden/keys"
	"github.com/warden-foundation/warden/policy"
	"github.com/warden-foundation/warden/registry"
)

const testSeedHex = "8f2a0000000000000000000000000000000000000000000000000000000000aa"

func writeDeployment(t *testing.T) (configPath string) {
	t.Helper()
	base := t.TempDir()

	seed, err := keys.ParseSeedHex(testSeedHex)
	if err != nil {
		t.Fatalf("ParseSeedHex: %v", err)
	}
	pol := &policy.Policy{
		Meta:  map[string]string{"Version": "1"},
		Trust: []policy.TrustEntry{{Key: keys.SigningKeyFromSeed(seed), Role: "release"}},
		Grants: []policy.Grant{
			{Principal: "alice", Role: authz.RoleSteward},
			{Principal: "bob", Role: authz.RoleOperator},
		},
	}
	policyPath := filepath.Join(base, "trust-policy.txt")
	if err := os.WriteFile(policyPath, policy.Render(pol), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	configPath = filepath.Join(base, "warden.yaml")
	cfgYAML := fmt.Sprintf(
		"paths:\n  root: %s\n  governed_roots:\n    - %s\n  trust_policy: %s\n",
		base, filepath.Join(base, "governed"), policyPath)
	if err := os.WriteFile(configPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

func runCLI(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = run(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestCLI_InstallFlow(t *testing.T) {
	configPath := writeDeployment(t)

	code, _, stderr := runCLI(t, "init", "--config", configPath, "--tier", "ho1")
	if code != 0 {
		t.Fatalf("init: exit %d: %s", code, stderr)
	}

	// Lineage rows, as a provisioning step would write them.
	reg, err := registry.Open(filepath.Join(filepath.Dir(configPath), "registries", "ho1"))
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	if err := reg.SaveFrameworks([]registry.FrameworkRecord{{FrameworkID: "FW-1", Name: "core"}}); err != nil {
		t.Fatalf("SaveFrameworks: %v", err)
	}
	if err := reg.SaveSpecs([]registry.SpecRecord{{SpecID: "SPEC-1", FrameworkID: "FW-1"}}); err != nil {
		t.Fatalf("SaveSpecs: %v", err)
	}

	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "lib"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "lib", "x.py"), []byte("alpha"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	archive := filepath.Join(t.TempDir(), "pkg-a.tar.zst")
	code, stdout, stderr := runCLI(t, "pack",
		"--src", src, "--id", "PKG-A", "--version", "1.0.0", "--spec", "SPEC-1",
		"--out", archive, "--seed-hex", testSeedHex)
	if code != 0 {
		t.Fatalf("pack: exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, archive) {
		t.Fatalf("pack output: %q", stdout)
	}

	code, stdout, stderr = runCLI(t, "install",
		"--config", configPath, "--tier", "ho1", "--principal", "bob",
		"--id", "PKG-A", archive)
	if code != 0 {
		t.Fatalf("install: exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, `"INSTALLED"`) {
		t.Fatalf("install output: %q", stdout)
	}

	code, stdout, _ = runCLI(t, "verify",
		"--config", configPath, "--tier", "ho1", "--principal", "bob")
	if code != 0 || !strings.Contains(stdout, `"clean": true`) {
		t.Fatalf("verify: exit %d, output %q", code, stdout)
	}

	code, stdout, _ = runCLI(t, "ledger", "verify",
		"--config", configPath, "--tier", "ho1", "--principal", "bob")
	if code != 0 || !strings.Contains(stdout, `"valid": true`) {
		t.Fatalf("ledger verify: exit %d, output %q", code, stdout)
	}

	// An unauthorized principal is rejected before anything runs.
	code, _, stderr = runCLI(t, "install",
		"--config", configPath, "--tier", "ho1", "--principal", "mallory",
		"--id", "PKG-A", archive)
	if code != 1 || !strings.Contains(stderr, "no role") {
		t.Fatalf("unauthorized install: exit %d, stderr %q", code, stderr)
	}
}

func TestCLI_UnknownCommand(t *testing.T) {
	code, _, stderr := runCLI(t, "frobnicate")
	if code != 2 || !strings.Contains(stderr, "unknown command") {
		t.Fatalf("exit %d, stderr %q", code, stderr)
	}
}

func TestSeedHexIsValid(t *testing.T) {
	if _, err := hex.DecodeString(testSeedHex); err != nil {
		t.Fatalf("test seed: %v", err)
	}
}
