// Package ledger implements the append-only, hash-chained event log.
//
// One JSONL file per tier. Appends are serialized with an exclusive flock
// held for the duration of the read-last/compute-hash/write sequence, so
// previous_hash linkage cannot race between processes. Writes outside the
// approved ledgers directory are rejected before any bytes are written.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/warden-foundation/warden/canonjson"
)

// Ledger is the append-only log for one tier.
type Ledger struct {
	tier     Tier
	boundary string
	path     string
	now      func() time.Time
}

// Open prepares the tier ledger inside the approved boundary directory.
// The file itself is created lazily by WriteGenesis.
func Open(boundary string, tier Tier) (*Ledger, error) {
	if _, err := ParseTier(string(tier)); err != nil {
		return nil, err
	}
	if boundary == "" {
		return nil, newError(KindBoundary, "WARDEN-LED-020", "ledger boundary directory is required")
	}
	if !filepath.IsAbs(boundary) {
		return nil, newError(KindBoundary, "WARDEN-LED-021", fmt.Sprintf("ledger boundary must be absolute, got %q", boundary))
	}
	return &Ledger{
		tier:     tier,
		boundary: filepath.Clean(boundary),
		path:     filepath.Join(filepath.Clean(boundary), string(tier)+".jsonl"),
		now:      time.Now,
	}, nil
}

// Tier returns the ledger's tier.
func (l *Ledger) Tier() Tier { return l.tier }

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// checkBoundary refuses writes when the ledger file would land outside the
// approved directory, or when the file has been replaced with a symlink.
func (l *Ledger) checkBoundary() error {
	rel, err := filepath.Rel(l.boundary, l.path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return newError(KindBoundary, "WARDEN-LED-022",
			fmt.Sprintf("ledger path %q escapes approved boundary %q", l.path, l.boundary))
	}
	fi, err := os.Lstat(l.path)
	if err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return newError(KindBoundary, "WARDEN-LED-023",
			fmt.Sprintf("ledger path %q is a symlink", l.path))
	}
	return nil
}

// WriteGenesis creates the first entry of a new tier ledger. parentRef names
// the parent tier's ledger (empty for the root tier); parentHash anchors the
// cross-tier chain and must be the parent ledger's last entry hash at
// creation time.
func (l *Ledger) WriteGenesis(submissionID, parentRef, parentHash string) (string, error) {
	if err := l.checkBoundary(); err != nil {
		return "", err
	}
	f, unlock, err := l.openLocked()
	if err != nil {
		return "", err
	}
	defer unlock()

	entries, err := readEntries(f)
	if err != nil {
		return "", err
	}
	if len(entries) != 0 {
		return "", newError(KindGenesis, "WARDEN-LED-030", "ledger already has a genesis entry")
	}
	if (parentRef == "") != (parentHash == "") {
		return "", newError(KindGenesis, "WARDEN-LED-031", "parent ledger reference and parent hash must be set together")
	}

	entry := Entry{
		EventType:    EventGenesis,
		SubmissionID: submissionID,
		Decision:     DecisionApproved,
		Reason:       "tier ledger created",
		Metadata: map[string]any{
			"tier": string(l.tier),
		},
	}
	if parentRef != "" {
		entry.Metadata["parent_ledger"] = parentRef
	}
	if err := entry.seal(parentHash, l.now()); err != nil {
		return "", err
	}
	if err := appendEntry(f, entry); err != nil {
		return "", err
	}
	return entry.EntryHash, nil
}

// Append writes one entry, computing and filling previous_hash/entry_hash.
// The ledger must already have a genesis entry.
func (l *Ledger) Append(entry Entry) (string, error) {
	if entry.EventType == "" {
		return "", newError(KindParse, "WARDEN-LED-040", "entry event_type is required")
	}
	if entry.EventType == EventGenesis {
		return "", newError(KindGenesis, "WARDEN-LED-041", "genesis entries are written only by WriteGenesis")
	}
	if entry.PreviousHash != "" || entry.EntryHash != "" {
		return "", newError(KindParse, "WARDEN-LED-042", "previous_hash and entry_hash are computed by the ledger")
	}
	if err := l.checkBoundary(); err != nil {
		return "", err
	}

	f, unlock, err := l.openLocked()
	if err != nil {
		return "", err
	}
	defer unlock()

	entries, err := readEntries(f)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", newError(KindGenesis, "WARDEN-LED-043", "ledger has no genesis entry")
	}
	head := entries[len(entries)-1]
	if err := entry.seal(head.EntryHash, l.now()); err != nil {
		return "", err
	}
	if err := appendEntry(f, entry); err != nil {
		return "", err
	}
	return entry.EntryHash, nil
}

// ReadAll returns the full ordered entry sequence.
func (l *Ledger) ReadAll() ([]Entry, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapError(KindIO, "WARDEN-LED-050", "read ledger", err)
	}
	return parseEntries(raw)
}

// Issue describes one chain-verification finding.
type Issue struct {
	Index   int    `json:"index"`
	RuleID  string `json:"rule_id"`
	Message string `json:"message"`
}

// Report summarizes a chain verification pass.
type Report struct {
	Entries int     `json:"entries"`
	Valid   bool    `json:"valid"`
	Issues  []Issue `json:"issues,omitempty"`
}

// Usable reports whether installs may proceed against this ledger: either
// the chain is fully valid, or every issue predates the most recent
// chain_repair entry. Repair never rewrites history; it anchors a new
// verified head after an explicitly-audited administrative action.
func (r Report) Usable(entries []Entry) bool {
	if r.Valid {
		return true
	}
	lastRepair := -1
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].EventType == EventChainRepair {
			lastRepair = i
			break
		}
	}
	if lastRepair < 0 {
		return false
	}
	for _, issue := range r.Issues {
		if issue.Index >= lastRepair {
			return false
		}
	}
	return true
}

// VerifyChain walks the sequence, checking the hash-recomputation invariant
// and previous_hash linkage. A broken link is reported with its entry index;
// Valid summarizes pass/fail. Verification never repairs.
func (l *Ledger) VerifyChain() (Report, []Entry, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return Report{}, nil, err
	}
	report := Report{Entries: len(entries), Valid: true}
	flag := func(i int, ruleID, msg string) {
		report.Valid = false
		report.Issues = append(report.Issues, Issue{Index: i, RuleID: ruleID, Message: msg})
	}
	for i, e := range entries {
		sum, herr := ComputeEntryHash(e)
		if herr != nil {
			flag(i, "WARDEN-LED-060", "entry cannot be canonicalized")
			continue
		}
		if sum != e.EntryHash {
			flag(i, "WARDEN-LED-061", fmt.Sprintf("entry_hash mismatch: stored %s computed %s", e.EntryHash, sum))
		}
		if i == 0 {
			if e.EventType != EventGenesis {
				flag(i, "WARDEN-LED-062", "first entry is not a genesis entry")
			}
			continue
		}
		if e.EventType == EventGenesis {
			flag(i, "WARDEN-LED-063", "genesis entry after position 0")
		}
		// A chain_repair entry is allowed to anchor onto a head whose own
		// hash check failed, but its linkage is still recorded verbatim.
		if e.PreviousHash != entries[i-1].EntryHash {
			flag(i, "WARDEN-LED-064", fmt.Sprintf("previous_hash %s does not match prior entry_hash %s", e.PreviousHash, entries[i-1].EntryHash))
		}
	}
	return report, entries, nil
}

// WriteRepair records an explicit administrative repair action. It anchors a
// new verified head; history before it is left exactly as found.
func (l *Ledger) WriteRepair(submissionID, reason string) (string, error) {
	if reason == "" {
		return "", newError(KindChain, "WARDEN-LED-070", "repair reason is required")
	}
	return l.Append(Entry{
		EventType:    EventChainRepair,
		SubmissionID: submissionID,
		Decision:     DecisionApproved,
		Reason:       reason,
	})
}

func (l *Ledger) openLocked() (*os.File, func(), error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, wrapError(KindIO, "WARDEN-LED-051", "open ledger", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, nil, wrapError(KindIO, "WARDEN-LED-052", "lock ledger", err)
	}
	unlock := func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}
	return f, unlock, nil
}

func readEntries(f *os.File) ([]Entry, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, wrapError(KindIO, "WARDEN-LED-053", "seek ledger", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, wrapError(KindIO, "WARDEN-LED-054", "read ledger", err)
	}
	return parseEntries(buf.Bytes())
}

func parseEntries(raw []byte) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var e Entry
		dec := json.NewDecoder(bytes.NewReader(text))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&e); err != nil {
			return nil, wrapError(KindParse, "WARDEN-LED-055", fmt.Sprintf("ledger line %d", line), err)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, wrapError(KindIO, "WARDEN-LED-056", "scan ledger", err)
	}
	return entries, nil
}

func appendEntry(f *os.File, entry Entry) error {
	line, err := canonjson.Marshal(entry)
	if err != nil {
		return wrapError(KindParse, "WARDEN-LED-057", "serialize entry", err)
	}
	if _, err := f.Seek(0, 2); err != nil {
		return wrapError(KindIO, "WARDEN-LED-058", "seek ledger tail", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return wrapError(KindIO, "WARDEN-LED-059", "append entry", err)
	}
	if err := f.Sync(); err != nil {
		return wrapError(KindIO, "WARDEN-LED-072", "sync ledger", err)
	}
	return nil
}
