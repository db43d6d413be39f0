// Package policy implements parsing for the Warden trust policy, a strict
// canonical text format listing trusted signing keys, waiver-eligible
// package types, and principal role grants.
package policy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

const (
	preamble  = "-----BEGIN WARDEN TRUST POLICY-----"
	postamble = "-----END WARDEN TRUST POLICY-----"
)

type Policy struct {
	Meta    map[string]string
	Trust   []TrustEntry
	Waivers []string
	Grants  []Grant
}

// TrustEntry binds one signing key to a role. Key is "<alg>:<base64>",
// e.g. "ed25519:MCowBQYD...".
type TrustEntry struct {
	Key  string
	Role string
}

// Grant authorizes one principal for one role.
type Grant struct {
	Principal string
	Role      string
}

// Parse parses a trust policy from bytes. The format is strict: no BOM, no
// CR line endings, no trailing whitespace, and the preamble/postamble must
// be present.
func Parse(data []byte) (*Policy, error) {
	if bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
		return nil, errors.New("BOM not allowed")
	}
	if bytes.Contains(data, []byte("\r")) {
		return nil, errors.New("CR line endings not allowed")
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) > 0 && (line[len(line)-1] == ' ' || line[len(line)-1] == '\t') {
			return nil, errors.New("trailing whitespace forbidden")
		}
	}
	if !bytes.HasPrefix(data, []byte(preamble)) {
		return nil, errors.New("missing policy preamble")
	}
	if !bytes.HasSuffix(bytes.TrimSpace(data), []byte(postamble)) {
		return nil, errors.New("missing policy postamble")
	}

	sections := map[string]bool{"META": true, "TRUST": true, "WAIVERS": true, "ROLES": true}
	reader := bufio.NewReader(bytes.NewReader(data))
	var currSection string
	p := &Policy{Meta: make(map[string]string)}
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err.Error() != "EOF" {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if sections[line] {
			currSection = line
			if err != nil {
				break
			}
			continue
		}
		switch currSection {
		case "META":
			if strings.Contains(line, ": ") {
				kv := strings.SplitN(line, ": ", 2)
				p.Meta[kv[0]] = kv[1]
			}
		case "TRUST":
			if strings.HasPrefix(line, "Key: ") {
				key := strings.TrimPrefix(line, "Key: ")
				roleLine, _ := reader.ReadString('\n')
				roleLine = strings.TrimSpace(roleLine)
				if !strings.HasPrefix(roleLine, "Role: ") {
					return nil, errors.New("expected Role after Key")
				}
				role := strings.TrimPrefix(roleLine, "Role: ")
				if !strings.Contains(key, ":") {
					return nil, fmt.Errorf("trust key %q missing algorithm prefix", key)
				}
				p.Trust = append(p.Trust, TrustEntry{Key: key, Role: role})
			}
		case "WAIVERS":
			if strings.HasPrefix(line, "Type: ") {
				p.Waivers = append(p.Waivers, strings.TrimPrefix(line, "Type: "))
			}
		case "ROLES":
			if strings.HasPrefix(line, "Principal: ") {
				principal := strings.TrimPrefix(line, "Principal: ")
				roleLine, _ := reader.ReadString('\n')
				roleLine = strings.TrimSpace(roleLine)
				if !strings.HasPrefix(roleLine, "Role: ") {
					return nil, errors.New("expected Role after Principal")
				}
				p.Grants = append(p.Grants, Grant{Principal: principal, Role: strings.TrimPrefix(roleLine, "Role: ")})
			}
		}
		if err != nil {
			break
		}
	}
	return p, nil
}

// Render serializes a policy in canonical form: sorted meta keys, entries
// in their declared order, LF line endings.
func Render(p *Policy) []byte {
	var b strings.Builder
	b.WriteString(preamble + "\n")
	b.WriteString("META\n")
	keys := make([]string, 0, len(p.Meta))
	for k := range p.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, p.Meta[k])
	}
	b.WriteString("TRUST\n")
	for _, t := range p.Trust {
		fmt.Fprintf(&b, "Key: %s\nRole: %s\n", t.Key, t.Role)
	}
	b.WriteString("WAIVERS\n")
	for _, w := range p.Waivers {
		fmt.Fprintf(&b, "Type: %s\n", w)
	}
	b.WriteString("ROLES\n")
	for _, g := range p.Grants {
		fmt.Fprintf(&b, "Principal: %s\nRole: %s\n", g.Principal, g.Role)
	}
	b.WriteString(postamble + "\n")
	return []byte(b.String())
}

// Load reads and parses a policy file. A missing file yields an empty
// policy: no trusted keys, no waivers, no grants.
func Load(path string) (*Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Policy{Meta: map[string]string{}}, nil
		}
		return nil, err
	}
	return Parse(raw)
}

// TrustedRole returns the role bound to a key, if the key is trusted.
func (p *Policy) TrustedRole(key string) (string, bool) {
	for _, t := range p.Trust {
		if t.Key == key {
			return t.Role, true
		}
	}
	return "", false
}

// WaiverEligible reports whether a package type may receive signature
// waivers.
func (p *Policy) WaiverEligible(packageType string) bool {
	for _, w := range p.Waivers {
		if w == packageType {
			return true
		}
	}
	return false
}

// HasRole reports whether a principal holds a role.
func (p *Policy) HasRole(principal, role string) bool {
	for _, g := range p.Grants {
		if g.Principal == principal && g.Role == role {
			return true
		}
	}
	return false
}
