package storage

import (
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/warden-foundation/warden/cidutil"
)

// NamedCAS associates a store with a stable backend name, retained for
// audit reporting of per-backend write results.
type NamedCAS struct {
	Name string
	CAS  CAS
}

// MirroredCAS keeps identical archive copies on every backend, so a
// checkpoint rollback can still fetch its archives after losing the
// primary store.
//
// Writes go to all backends and every returned CID must match the CID
// computed from the bytes; a disagreeing backend is corruption, not a
// retry case. Reads fall back in backend order.
type MirroredCAS struct {
	Backends []NamedCAS
}

var _ CAS = (*MirroredCAS)(nil)

// PutAll writes the same bytes to every backend and returns the canonical
// CID plus the per-backend CID map for audit logs.
func (m MirroredCAS) PutAll(bytes []byte) (cid.Cid, map[string]cid.Cid, error) {
	want, err := cidutil.CIDv1RawSHA256CID(bytes)
	if err != nil {
		return cid.Undef, nil, err
	}
	if !want.Defined() {
		return cid.Undef, nil, ErrInvalidCID
	}
	if len(m.Backends) == 0 {
		return cid.Undef, nil, fmt.Errorf("storage: MirroredCAS has no backends")
	}

	out := make(map[string]cid.Cid, len(m.Backends))
	for _, b := range m.Backends {
		if b.CAS == nil {
			return cid.Undef, nil, fmt.Errorf("storage: nil CAS for backend %q", b.Name)
		}
		got, err := b.CAS.Put(bytes)
		if err != nil {
			return cid.Undef, nil, err
		}
		out[b.Name] = got
		if got != want {
			return cid.Undef, out, ErrCIDMismatch
		}
	}
	return want, out, nil
}

func (m MirroredCAS) Put(bytes []byte) (cid.Cid, error) {
	id, _, err := m.PutAll(bytes)
	return id, err
}

func (m MirroredCAS) Get(id cid.Cid) ([]byte, error) {
	for _, b := range m.Backends {
		if b.CAS == nil {
			continue
		}
		out, err := b.CAS.Get(id)
		if err == nil {
			return out, nil
		}
		if !IsNotFound(err) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (m MirroredCAS) Has(id cid.Cid) bool {
	for _, b := range m.Backends {
		if b.CAS != nil && b.CAS.Has(id) {
			return true
		}
	}
	return false
}
