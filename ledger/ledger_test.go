package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestLedger(t *testing.T, tier Tier) *Ledger {
	t.Helper()
	l, err := Open(t.TempDir(), tier)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return l
}

func TestWriteGenesis_RootTier(t *testing.T) {
	l := openTestLedger(t, TierRoot)
	hash, err := l.WriteGenesis("sub-1", "", "")
	if err != nil {
		t.Fatalf("WriteGenesis failed: %v", err)
	}
	if hash == "" {
		t.Fatal("empty genesis hash")
	}
	entries, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries: got %d want 1", len(entries))
	}
	if entries[0].EventType != EventGenesis || entries[0].PreviousHash != "" {
		t.Fatalf("unexpected genesis entry: %+v", entries[0])
	}
	if _, err := l.WriteGenesis("sub-2", "", ""); err == nil {
		t.Fatal("second genesis must be rejected")
	}
}

func TestWriteGenesis_CrossTierChaining(t *testing.T) {
	dir := t.TempDir()
	root, err := Open(dir, TierRoot)
	if err != nil {
		t.Fatalf("Open root: %v", err)
	}
	rootHash, err := root.WriteGenesis("sub-1", "", "")
	if err != nil {
		t.Fatalf("root genesis: %v", err)
	}

	ho1, err := Open(dir, TierHO1)
	if err != nil {
		t.Fatalf("Open ho1: %v", err)
	}
	if _, err := ho1.WriteGenesis("sub-2", "root", ""); err == nil {
		t.Fatal("parent ref without parent hash must be rejected")
	}
	if _, err := ho1.WriteGenesis("sub-2", "root", rootHash); err != nil {
		t.Fatalf("ho1 genesis: %v", err)
	}
	entries, err := ho1.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if entries[0].PreviousHash != rootHash {
		t.Fatalf("cross-tier anchor: got %s want %s", entries[0].PreviousHash, rootHash)
	}
}

func TestAppend_ChainsAndVerifies(t *testing.T) {
	l := openTestLedger(t, TierHO1)
	if _, err := l.Append(Entry{EventType: EventInstalled, SubmissionID: "s"}); err == nil {
		t.Fatal("append before genesis must fail")
	}
	if _, err := l.WriteGenesis("sub-0", "", ""); err != nil {
		t.Fatalf("genesis: %v", err)
	}

	var last string
	for i, event := range []string{EventInstallStarted, EventInstalled} {
		hash, err := l.Append(Entry{
			EventType:    event,
			SubmissionID: "sub-1",
			Decision:     DecisionApproved,
			Metadata:     map[string]any{"package_id": "PKG-A", "seq": i},
		})
		if err != nil {
			t.Fatalf("Append %s: %v", event, err)
		}
		last = hash
	}

	report, entries, err := l.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if !report.Valid {
		t.Fatalf("chain invalid: %+v", report.Issues)
	}
	if entries[len(entries)-1].EntryHash != last {
		t.Fatal("head hash does not match last append")
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PreviousHash != entries[i-1].EntryHash {
			t.Fatalf("linkage broken at %d", i)
		}
	}
}

func TestAppend_RejectsPrefilledHashes(t *testing.T) {
	l := openTestLedger(t, TierHO1)
	if _, err := l.WriteGenesis("sub-0", "", ""); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	_, err := l.Append(Entry{EventType: EventInstalled, SubmissionID: "s", EntryHash: "deadbeef"})
	if err == nil {
		t.Fatal("prefilled entry_hash must be rejected")
	}
}

func TestVerifyChain_DetectsFieldMutation(t *testing.T) {
	l := openTestLedger(t, TierHO1)
	if _, err := l.WriteGenesis("sub-0", "", ""); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if _, err := l.Append(Entry{EventType: EventInstalled, SubmissionID: "sub-1", Reason: "ok"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Mutate a persisted field other than entry_hash out-of-band.
	raw, err := os.ReadFile(l.Path())
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	tampered := strings.Replace(string(raw), `"reason":"ok"`, `"reason":"forged"`, 1)
	if tampered == string(raw) {
		t.Fatal("tamper replacement did not apply")
	}
	if err := os.WriteFile(l.Path(), []byte(tampered), 0o644); err != nil {
		t.Fatalf("write tampered ledger: %v", err)
	}

	report, _, err := l.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if report.Valid {
		t.Fatal("tampered entry not detected")
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Index == 1 && issue.RuleID == "WARDEN-LED-061" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected hash mismatch at index 1, got %+v", report.Issues)
	}
}

func TestReport_UsableAfterRepair(t *testing.T) {
	l := openTestLedger(t, TierHO1)
	if _, err := l.WriteGenesis("sub-0", "", ""); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if _, err := l.Append(Entry{EventType: EventInstalled, SubmissionID: "sub-1", Reason: "ok"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	raw, _ := os.ReadFile(l.Path())
	tampered := strings.Replace(string(raw), `"reason":"ok"`, `"reason":"bad"`, 1)
	if err := os.WriteFile(l.Path(), []byte(tampered), 0o644); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	report, entries, err := l.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if report.Usable(entries) {
		t.Fatal("broken chain must not be usable before repair")
	}

	if _, err := l.WriteRepair("sub-adm", "manual audit 2026-08: index 1 reason field restored from backup"); err != nil {
		t.Fatalf("WriteRepair: %v", err)
	}
	report, entries, err = l.VerifyChain()
	if err != nil {
		t.Fatalf("VerifyChain after repair: %v", err)
	}
	if report.Valid {
		t.Fatal("repair must not erase historical issues")
	}
	if !report.Usable(entries) {
		t.Fatal("ledger must be usable after explicit repair")
	}
}

func TestLedger_BoundaryEnforcement(t *testing.T) {
	if _, err := Open("", TierRoot); err == nil {
		t.Fatal("empty boundary accepted")
	}
	if _, err := Open("relative/dir", TierRoot); err == nil {
		t.Fatal("relative boundary accepted")
	}

	dir := t.TempDir()
	l, err := Open(dir, TierRoot)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// A symlinked ledger file is refused before any bytes are written.
	outside := filepath.Join(t.TempDir(), "elsewhere.jsonl")
	if err := os.WriteFile(outside, nil, 0o644); err != nil {
		t.Fatalf("write decoy: %v", err)
	}
	if err := os.Symlink(outside, l.Path()); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	_, gerr := l.WriteGenesis("sub-0", "", "")
	if gerr == nil {
		t.Fatal("symlinked ledger file accepted")
	}
	if !IsKind(gerr, KindBoundary) {
		t.Fatalf("expected boundary error, got %v", gerr)
	}
}

func TestQueries(t *testing.T) {
	l := openTestLedger(t, TierHO1)
	if _, err := l.WriteGenesis("sub-0", "", ""); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if _, err := l.Append(Entry{
		EventType:    EventInstalled,
		SubmissionID: "sub-1",
		Decision:     DecisionApproved,
		Metadata:     map[string]any{"package_id": "PKG-A", "manifest_hash": "aaa"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(Entry{
		EventType:    EventInstallFailed,
		SubmissionID: "sub-2",
		Decision:     DecisionDenied,
		Metadata:     map[string]any{"package_id": "PKG-A", "manifest_hash": "bbb"},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	last, err := l.LastTerminal("PKG-A")
	if err != nil {
		t.Fatalf("LastTerminal: %v", err)
	}
	if last == nil || last.ManifestHash() != "bbb" {
		t.Fatalf("LastTerminal: got %+v", last)
	}
	if missing, err := l.LastTerminal("PKG-X"); err != nil || missing != nil {
		t.Fatalf("LastTerminal for unknown package: %+v, %v", missing, err)
	}

	digest := "sha256:" + strings.Repeat("ab", 32)
	ok, err := l.HasWaiver(digest)
	if err != nil || ok {
		t.Fatalf("unexpected waiver before record: %v %v", ok, err)
	}
	if _, err := l.RecordWaiver("sub-3", "PKG-A", digest, "vendor archive predates signing"); err != nil {
		t.Fatalf("RecordWaiver: %v", err)
	}
	ok, err = l.HasWaiver(digest)
	if err != nil || !ok {
		t.Fatalf("waiver not found after record: %v %v", ok, err)
	}
}

func TestParseTier(t *testing.T) {
	for _, good := range []string{"root", "ho1", "ho2"} {
		if _, err := ParseTier(good); err != nil {
			t.Errorf("ParseTier(%q): %v", good, err)
		}
	}
	for _, bad := range []string{"", "FIRST", "SECOND", "kernel"} {
		if _, err := ParseTier(bad); err == nil {
			t.Errorf("ParseTier(%q): expected error", bad)
		}
	}
}
