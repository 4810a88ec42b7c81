// Package assets implements workspace snapshots, artifact archiving into the
// blob store, and manifest-based restore.
package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sort"

	"github.com/runicorn/runicorn/errors"
)

// Asset kinds.
const (
	KindCode       = "code"
	KindConfig     = "config"
	KindDataset    = "dataset"
	KindPretrained = "pretrained"
	KindOutput     = "output"
	KindCustom     = "custom"
)

// Identity id types, in the preference order used to derive one.
const (
	IDTypeFingerprint = "fingerprint"
	IDTypeArchivePath = "archive_path"
	IDTypeSourceURI   = "source_uri"
	IDTypeName        = "name"
)

// Asset is one entry of a run's assets.json. Saved assets carry a blob
// digest; referenced assets only an external URI.
type Asset struct {
	Kind        string  `json:"kind"`
	IDType      string  `json:"id_type"`
	IDValue     string  `json:"id_value"`
	Name        string  `json:"name,omitempty"`
	Saved       bool    `json:"saved"`
	Digest      string  `json:"digest,omitempty"`
	Size        int64   `json:"size,omitempty"`
	Path        string  `json:"path,omitempty"` // original relative path
	SourceURI   string  `json:"source_uri,omitempty"`
	Description string  `json:"description,omitempty"`
	Context     string  `json:"context,omitempty"`
	CreatedAt   float64 `json:"created_at,omitempty"`
}

// Identity derives (idType, idValue): the first available of fingerprint,
// archive path, source URI, or name.
func (a *Asset) Identity() (string, string) {
	switch {
	case a.Digest != "":
		return IDTypeFingerprint, a.Digest
	case a.Path != "":
		return IDTypeArchivePath, a.Path
	case a.SourceURI != "":
		return IDTypeSourceURI, a.SourceURI
	default:
		return IDTypeName, a.Name
	}
}

// RunManifest is the content of a run's assets.json. The writer SDK owns the
// file; the viewer treats it as read-only.
type RunManifest struct {
	Assets []Asset `json:"assets"`
}

// ReadRunManifest parses an assets.json. A missing file is an empty manifest.
func ReadRunManifest(path string) (*RunManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &RunManifest{}, nil
		}
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var m RunManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return &m, nil
}

// Digests returns the blob digests of saved assets.
func (m *RunManifest) Digests() []string {
	var out []string
	for _, a := range m.Assets {
		if a.Saved && a.Digest != "" {
			out = append(out, a.Digest)
		}
	}
	return out
}

// Entry is one file of a directory or snapshot manifest.
type Entry struct {
	Path   string `json:"path"` // relative, forward slashes
	Size   int64  `json:"size"`
	Digest string `json:"digest"`
	Mode   uint32 `json:"mode"`
}

// Manifest describes a snapshot or archived directory and enables round-trip
// restore.
type Manifest struct {
	Entries     []Entry `json:"entries"`
	Fingerprint string  `json:"fingerprint"`
	TotalSize   int64   `json:"total_size"`
}

// ComputeFingerprint hashes the sorted (path, digest) pairs; two trees with
// identical contents fingerprint identically regardless of walk order.
func ComputeFingerprint(entries []Entry) string {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	h := sha256.New()
	for _, e := range sorted {
		h.Write([]byte(e.Path))
		h.Write([]byte{0})
		h.Write([]byte(e.Digest))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// NewManifest assembles a manifest with its fingerprint.
func NewManifest(entries []Entry) *Manifest {
	m := &Manifest{Entries: entries, Fingerprint: ComputeFingerprint(entries)}
	for _, e := range entries {
		m.TotalSize += e.Size
	}
	return m
}

// WriteManifest writes a manifest as JSON.
func WriteManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal manifest")
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", path)
}

// ReadManifest parses a manifest file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return &m, nil
}
