package ledger

// LastTerminal returns the most recent installed/install_failed entry for a
// package, or nil when the package has no terminal history. Used by the
// idempotency check.
func (l *Ledger) LastTerminal(packageID string) (*Entry, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Terminal() && e.PackageID() == packageID {
			return &e, nil
		}
	}
	return nil, nil
}

// HasWaiver reports whether a signature_waiver entry binds the exact
// artifact digest. Waivers are ledger events, never silent.
func (l *Ledger) HasWaiver(artifactDigest string) (bool, error) {
	if artifactDigest == "" {
		return false, nil
	}
	entries, err := l.ReadAll()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.EventType == EventSignatureWaiver && e.ArtifactDigest() == artifactDigest {
			return true, nil
		}
	}
	return false, nil
}

// RecordWaiver appends a signature_waiver entry binding an artifact digest.
// The caller is responsible for authorizing the steward beforehand.
func (l *Ledger) RecordWaiver(submissionID, packageID, artifactDigest, reason string) (string, error) {
	if artifactDigest == "" {
		return "", newError(KindParse, "WARDEN-LED-080", "waiver requires an artifact digest")
	}
	return l.Append(Entry{
		EventType:    EventSignatureWaiver,
		SubmissionID: submissionID,
		Decision:     DecisionApproved,
		Reason:       reason,
		Metadata: map[string]any{
			"package_id":      packageID,
			"artifact_digest": artifactDigest,
		},
	})
}
