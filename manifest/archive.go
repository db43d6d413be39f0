package manifest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/warden-foundation/warden/cidutil"
)

// Compression selects the archive's outer encoding.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

const (
	manifestEntry = "manifest.json"
	contentPrefix = "content/"
)

// epochZero normalizes TAR mod times so packing is reproducible.
var epochZero = time.Unix(0, 0).UTC()

// BuildManifest walks srcDir and produces an unsigned manifest covering
// every regular file, hashed and sorted by path.
func BuildManifest(srcDir, packageID, packageType, version, specID string) (*Manifest, error) {
	var assets []Asset
	err := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return newError(KindArchive, "WARDEN-MAN-020", fmt.Sprintf("source entry %q is not a regular file", p))
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		raw, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		assets = append(assets, Asset{Path: rel, Hash: cidutil.Digest(raw)})
		return nil
	})
	if err != nil {
		return nil, wrapError(KindIO, "WARDEN-MAN-021", "walk source directory", err)
	}
	if len(assets) == 0 {
		return nil, newError(KindArchive, "WARDEN-MAN-022", "source directory has no files")
	}
	SortAssets(assets)
	sum, err := ComputeAssetsHash(assets)
	if err != nil {
		return nil, err
	}
	return &Manifest{
		PackageID:    packageID,
		PackageType:  packageType,
		Version:      version,
		SpecID:       specID,
		Assets:       assets,
		ManifestHash: sum,
	}, nil
}

// Pack writes a deterministic archive: a TAR whose entries are the
// canonical manifest plus one content/ entry per asset, in lexicographic
// order with normalized headers, optionally compressed. Packing the same
// inputs always yields identical bytes.
func Pack(w io.Writer, m *Manifest, srcDir string, compression Compression) error {
	encoded, err := m.Encode()
	if err != nil {
		return err
	}

	out, closer, err := compressWriter(w, compression)
	if err != nil {
		return err
	}
	tw := tar.NewWriter(out)

	entries := make([]string, 0, len(m.Assets)+1)
	payloads := make(map[string][]byte, len(m.Assets)+1)
	for _, a := range m.Assets {
		raw, err := os.ReadFile(filepath.Join(srcDir, filepath.FromSlash(a.Path)))
		if err != nil {
			_ = tw.Close()
			_ = closer()
			return wrapError(KindIO, "WARDEN-MAN-023", fmt.Sprintf("read asset %q", a.Path), err)
		}
		if got := cidutil.Digest(raw); got != a.Hash {
			_ = tw.Close()
			_ = closer()
			return newError(KindHash, "WARDEN-MAN-024",
				fmt.Sprintf("asset %q content hash %s does not match declared %s", a.Path, got, a.Hash))
		}
		name := contentPrefix + a.Path
		entries = append(entries, name)
		payloads[name] = raw
	}
	entries = append(entries, manifestEntry)
	payloads[manifestEntry] = encoded
	sort.Strings(entries)

	for _, name := range entries {
		if err := writeTarFile(tw, name, payloads[name]); err != nil {
			_ = tw.Close()
			_ = closer()
			return wrapError(KindIO, "WARDEN-MAN-025", fmt.Sprintf("write archive entry %q", name), err)
		}
	}
	if err := tw.Close(); err != nil {
		_ = closer()
		return wrapError(KindIO, "WARDEN-MAN-026", "finalize archive", err)
	}
	return closer()
}

// Extract unpacks an archive into destDir and returns its parsed manifest.
//
// Fail-closed: entries that are not the manifest or a declared asset are
// rejected, as are unsafe paths and archives exceeding maxBytes of
// decompressed content.
func Extract(r io.Reader, destDir string, maxBytes int64) (*Manifest, error) {
	if maxBytes <= 0 {
		return nil, newError(KindArchive, "WARDEN-MAN-030", "extraction size limit is required")
	}
	plain, closer, err := decompressReader(r)
	if err != nil {
		return nil, err
	}
	defer closer()

	tr := tar.NewReader(io.LimitReader(plain, maxBytes+1))
	var manifestRaw []byte
	files := make(map[string][]byte)
	var total int64
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapError(KindArchive, "WARDEN-MAN-031", "read archive", err)
		}
		name := cleanArchivePath(h.Name)
		if name == "" {
			return nil, newError(KindArchive, "WARDEN-MAN-032", fmt.Sprintf("unsafe archive entry path %q", h.Name))
		}
		if h.Typeflag != tar.TypeReg {
			return nil, newError(KindArchive, "WARDEN-MAN-033", fmt.Sprintf("unexpected archive entry type for %q", name))
		}
		payload, err := io.ReadAll(tr)
		if err != nil {
			return nil, wrapError(KindArchive, "WARDEN-MAN-031", fmt.Sprintf("read archive entry %q", name), err)
		}
		total += int64(len(payload))
		if total > maxBytes {
			return nil, newError(KindArchive, "WARDEN-MAN-034", "archive exceeds extraction size limit")
		}
		switch {
		case name == manifestEntry:
			manifestRaw = payload
		case strings.HasPrefix(name, contentPrefix):
			files[strings.TrimPrefix(name, contentPrefix)] = payload
		default:
			return nil, newError(KindArchive, "WARDEN-MAN-035", fmt.Sprintf("unknown archive entry %q", name))
		}
	}
	if manifestRaw == nil {
		return nil, newError(KindArchive, "WARDEN-MAN-036", "archive has no manifest")
	}
	m, err := Parse(manifestRaw)
	if err != nil {
		return nil, err
	}

	declared := make(map[string]bool, len(m.Assets))
	for _, a := range m.Assets {
		declared[a.Path] = true
		if _, ok := files[a.Path]; !ok {
			return nil, newError(KindArchive, "WARDEN-MAN-037", fmt.Sprintf("declared asset %q missing from archive", a.Path))
		}
	}
	for p := range files {
		if !declared[p] {
			return nil, newError(KindArchive, "WARDEN-MAN-038", fmt.Sprintf("archive entry %q is not a declared asset", p))
		}
	}

	for p, payload := range files {
		target := filepath.Join(destDir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, wrapError(KindIO, "WARDEN-MAN-039", fmt.Sprintf("create directory for %q", p), err)
		}
		if err := os.WriteFile(target, payload, 0o644); err != nil {
			return nil, wrapError(KindIO, "WARDEN-MAN-039", fmt.Sprintf("write extracted file %q", p), err)
		}
	}
	return m, nil
}

func compressWriter(w io.Writer, c Compression) (io.Writer, func() error, error) {
	switch c {
	case CompressionNone, "":
		return w, func() error { return nil }, nil
	case CompressionGzip:
		gz := gzip.NewWriter(w)
		return gz, gz.Close, nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, nil, wrapError(KindArchive, "WARDEN-MAN-040", "initialize zstd writer", err)
		}
		return zw, zw.Close, nil
	default:
		return nil, nil, newError(KindArchive, "WARDEN-MAN-041", fmt.Sprintf("unknown compression %q", c))
	}
}

// decompressReader sniffs the outer encoding from magic bytes.
func decompressReader(r io.Reader) (io.Reader, func(), error) {
	buf := make([]byte, 4)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, nil, wrapError(KindIO, "WARDEN-MAN-042", "read archive header", err)
	}
	buf = buf[:n]
	rest := io.MultiReader(bytes.NewReader(buf), r)
	switch {
	case len(buf) >= 4 && buf[0] == 0x28 && buf[1] == 0xB5 && buf[2] == 0x2F && buf[3] == 0xFD:
		zr, err := zstd.NewReader(rest)
		if err != nil {
			return nil, nil, wrapError(KindArchive, "WARDEN-MAN-043", "initialize zstd reader", err)
		}
		return zr.IOReadCloser(), zr.Close, nil
	case len(buf) >= 2 && buf[0] == 0x1F && buf[1] == 0x8B:
		gz, err := gzip.NewReader(rest)
		if err != nil {
			return nil, nil, wrapError(KindArchive, "WARDEN-MAN-044", "initialize gzip reader", err)
		}
		return gz, func() { _ = gz.Close() }, nil
	default:
		return rest, func() {}, nil
	}
}

func writeTarFile(tw *tar.Writer, name string, content []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
		Uid:      0,
		Gid:      0,
		ModTime:  epochZero,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := io.Copy(tw, bytes.NewReader(content))
	return err
}

// cleanArchivePath rejects anything that could escape the destination:
// absolute paths, backslashes, empty or dot segments.
func cleanArchivePath(name string) string {
	name = strings.TrimSpace(name)
	if strings.Contains(name, "\\") || strings.HasPrefix(name, "/") {
		return ""
	}
	name = strings.TrimPrefix(name, "./")
	if name == "" {
		return ""
	}
	parts := strings.Split(name, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			return ""
		}
		out = append(out, part)
	}
	return strings.Join(out, "/")
}
