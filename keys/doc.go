// Package keys provides signing-key helpers for the control plane.
//
// The pure primitives (signing-key formatting, sign/verify) are
// deterministic and stable. The filesystem-backed Store is a local-first
// convenience for the CLI; it is not a vault and holds raw seeds on disk
// with 0600 permissions.
package keys
