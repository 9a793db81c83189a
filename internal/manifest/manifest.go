// Package manifest defines the question-package manifest schema and the
// tagged-union package location types used to address a package before it is
// loaded by a worker.
package manifest

import (
	"fmt"
	"strconv"
	"strings"
)

// PackageType mirrors the Python questionpy_common.manifest.PackageType enum.
type PackageType string

const (
	QuestionType PackageType = "QUESTION_TYPE"
	Library      PackageType = "LIBRARY"
)

func (t PackageType) Valid() bool {
	switch t {
	case QuestionType, Library:
		return true
	default:
		return false
	}
}

// DefaultEntrypoint is used when a manifest omits an explicit entrypoint.
const DefaultEntrypoint = "__main__"

// StaticFile describes one file under the package's dist/ subtree that is
// servable without invoking a worker.
type StaticFile struct {
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// Manifest is the validated, language-neutral metadata of a question package.
//
// Namespace plus ShortName plus Version form the package's secondary
// identity, unique only among indexable (local/repository) sources; Hash is
// always primary (see internal/collector/indexer Package).
type Manifest struct {
	Namespace    string                `json:"namespace"`
	ShortName    string                `json:"short_name"`
	Version      string                `json:"version"`
	APIVersion   string                `json:"api_version"`
	Author       string                `json:"author"`
	Name         map[string]string     `json:"name,omitempty"`
	Description  map[string]string     `json:"description,omitempty"`
	Entrypoint   string                `json:"entrypoint,omitempty"`
	URL          string                `json:"url,omitempty"`
	Languages    []string              `json:"languages,omitempty"`
	Type         PackageType           `json:"type,omitempty"`
	License      string                `json:"license,omitempty"`
	Permissions  []string              `json:"permissions,omitempty"`
	Tags         []string              `json:"tags,omitempty"`
	Requirements []string              `json:"requirements,omitempty"`
	StaticFiles  map[string]StaticFile `json:"static_files,omitempty"`
}

// EntrypointOrDefault returns the manifest's declared entrypoint, falling
// back to DefaultEntrypoint when unset. Ported from
// questionpy_server/utils/manifest.py.
func (m *Manifest) EntrypointOrDefault() string {
	if m.Entrypoint == "" {
		return DefaultEntrypoint
	}
	return m.Entrypoint
}

// Validate checks the structural invariants spec.md §3 requires of a
// manifest, independent of the on-disk static file sizes (which the caller
// cross-checks separately once the archive/dir is open).
func (m *Manifest) Validate() error {
	if m.ShortName == "" {
		return fmt.Errorf("manifest: short_name is required")
	}
	if m.Namespace == "" {
		return fmt.Errorf("manifest: namespace is required")
	}
	if m.APIVersion == "" {
		return fmt.Errorf("manifest: api_version is required")
	}
	if m.Author == "" {
		return fmt.Errorf("manifest: author is required")
	}
	if _, err := ParseSemver(m.Version); err != nil {
		return fmt.Errorf("manifest: invalid version %q: %w", m.Version, err)
	}
	if m.Type == "" {
		m.Type = QuestionType
	}
	if !m.Type.Valid() {
		return fmt.Errorf("manifest: invalid type %q", m.Type)
	}
	for path, sf := range m.StaticFiles {
		if sf.Size < 0 {
			return fmt.Errorf("manifest: static_files[%q] has negative size", path)
		}
	}
	return nil
}

// Semver is a minimal, comparable parse of a semantic version string; the
// manifest only needs ordering and equality, not full SemVer 2.0 precedence
// (build metadata, pre-release ordering), so this stays deliberately small.
type Semver struct {
	Major, Minor, Patch int
	raw                 string
}

func (s Semver) String() string { return s.raw }

// Less reports whether s is ordered before o.
func (s Semver) Less(o Semver) bool {
	if s.Major != o.Major {
		return s.Major < o.Major
	}
	if s.Minor != o.Minor {
		return s.Minor < o.Minor
	}
	return s.Patch < o.Patch
}

// ParseSemver parses a "major.minor.patch[-prerelease][+build]" string. Only
// the numeric triple is parsed for ordering purposes.
func ParseSemver(v string) (Semver, error) {
	if v == "" {
		return Semver{}, fmt.Errorf("empty version")
	}
	core := v
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Semver{}, fmt.Errorf("expected major.minor.patch, got %q", v)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Semver{}, fmt.Errorf("invalid numeric component %q", p)
		}
		nums[i] = n
	}
	return Semver{Major: nums[0], Minor: nums[1], Patch: nums[2], raw: v}, nil
}
