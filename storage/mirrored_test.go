package storage_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/warden-foundation/warden/cidutil"
	"github.com/warden-foundation/warden/storage"
	"github.com/warden-foundation/warden/storage/localfs"
	"github.com/warden-foundation/warden/storage/testkit"
)

func newMirrored(t *testing.T, backends int) (storage.MirroredCAS, []string) {
	t.Helper()
	m := storage.MirroredCAS{}
	var dirs []string
	for i := 0; i < backends; i++ {
		dir := t.TempDir()
		cas, err := localfs.New(dir)
		if err != nil {
			t.Fatalf("localfs.New: %v", err)
		}
		m.Backends = append(m.Backends, storage.NamedCAS{Name: filepath.Base(dir), CAS: cas})
		dirs = append(dirs, dir)
	}
	return m, dirs
}

func TestMirroredCAS_Conformance(t *testing.T) {
	testkit.RunCASConformance(t, func(t *testing.T) storage.CAS {
		m, _ := newMirrored(t, 2)
		return m
	})
}

func TestMirroredCAS_WritesEveryBackend(t *testing.T) {
	m, _ := newMirrored(t, 3)
	id, perBackend, err := m.PutAll([]byte("archive bytes"))
	if err != nil {
		t.Fatalf("PutAll: %v", err)
	}
	if len(perBackend) != 3 {
		t.Fatalf("backend map: %v", perBackend)
	}
	for name, got := range perBackend {
		if got != id {
			t.Fatalf("backend %s returned %s, want %s", name, got, id)
		}
	}
	for _, b := range m.Backends {
		if !b.CAS.Has(id) {
			t.Fatalf("backend %s missing object", b.Name)
		}
	}
}

func TestMirroredCAS_ReadSurvivesPrimaryLoss(t *testing.T) {
	m, dirs := newMirrored(t, 2)
	id, err := m.Put([]byte("survives"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := os.RemoveAll(dirs[0]); err != nil {
		t.Fatalf("destroy primary: %v", err)
	}
	raw, err := m.Get(id)
	if err != nil || string(raw) != "survives" {
		t.Fatalf("Get after primary loss: %q, %v", raw, err)
	}
}

func TestMirroredCAS_NoBackends(t *testing.T) {
	var m storage.MirroredCAS
	if _, err := m.Put([]byte("x")); err == nil {
		t.Fatal("expected error with no backends")
	}
	id, err := cidutil.CIDv1RawSHA256CID([]byte("absent"))
	if err != nil {
		t.Fatalf("CIDv1RawSHA256CID: %v", err)
	}
	if _, err := m.Get(id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
