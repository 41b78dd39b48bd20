// Package semantic implements the Semantic Identity Service (C9):
// stable, within-run unique identifiers for POIs, of the shape
// {filePrefix}_{kindTag}_{normalizedName}[_{n}].
package semantic

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/codegraph-dev/orchestrator/internal/domain"
)

var filePrefixAbbreviations = map[string]string{
	"index":  "idx",
	"config": "cfg",
	"utils":  "util",
	"server": "srv",
	"client": "cli",
}

var kindTags = map[domain.POIKind]string{
	domain.POIFunction:  "func",
	domain.POIClass:     "class",
	domain.POIMethod:    "method",
	domain.POIProperty:  "prop",
	domain.POIVariable:  "var",
	domain.POIConstant:  "const",
	domain.POIImport:    "import",
	domain.POIExport:    "export",
	domain.POIInterface: "iface",
	domain.POIEnum:      "enum",
	domain.POIType:      "type",
}

var (
	nonAlnum     = regexp.MustCompile(`[^a-z0-9]+`)
	camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	trimSeparators = regexp.MustCompile(`^[_\-]+|[_\-]+$`)
)

// Registry generates and tracks semantic identifiers for a single
// run, guaranteeing uniqueness across concurrent callers.
type Registry struct {
	mu          sync.Mutex
	used        map[string]struct{}
	filePrefix  map[string]string
}

// NewRegistry returns an empty identity registry. Existing
// identifiers from a prior run of the same store may be imported via
// Seed before use.
func NewRegistry() *Registry {
	return &Registry{
		used:       make(map[string]struct{}),
		filePrefix: make(map[string]string),
	}
}

// Seed imports identifiers already present in the store (e.g. on
// supervisor restart with a preserved run) so collision detection
// sees them.
func (r *Registry) Seed(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.used[id] = struct{}{}
	}
}

// Generate produces the semantic id for a POI in filePath, resolving
// collisions with the lowest unused positive integer suffix.
func (r *Registry) Generate(filePath string, name string, kind domain.POIKind) string {
	prefix := r.filePrefixFor(filePath)
	tag := kindTags[kind]
	if tag == "" {
		tag = string(kind)
	}
	base := fmt.Sprintf("%s_%s_%s", prefix, tag, normalizeName(name))

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.used[base]; !taken {
		r.used[base] = struct{}{}
		return base
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d", base, n)
		if _, taken := r.used[candidate]; !taken {
			r.used[candidate] = struct{}{}
			return candidate
		}
	}
}

func (r *Registry) filePrefixFor(filePath string) string {
	r.mu.Lock()
	if p, ok := r.filePrefix[filePath]; ok {
		r.mu.Unlock()
		return p
	}
	r.mu.Unlock()

	base := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	p := strings.ToLower(base)
	if abbrev, ok := filePrefixAbbreviations[p]; ok {
		p = abbrev
	}
	p = nonAlnum.ReplaceAllString(p, "")
	if len(p) > 8 {
		p = p[:8]
	}
	if p == "" {
		p = "file"
	}

	r.mu.Lock()
	r.filePrefix[filePath] = p
	r.mu.Unlock()
	return p
}

func normalizeName(name string) string {
	n := camelBoundary.ReplaceAllString(name, "${1}_${2}")
	n = strings.ToLower(n)
	n = trimSeparators.ReplaceAllString(n, "")
	n = nonAlnum.ReplaceAllString(n, "_")
	n = strings.Trim(n, "_")
	if len(n) > 20 {
		n = n[:20]
	}
	if n == "" {
		n = "anon"
	}
	return n
}

// Parsed is the result of reversing a generated identifier.
type Parsed struct {
	FilePrefix string
	KindTag    string
	Name       string
	Suffix     int // 0 if no collision suffix was present
}

// Parse reverses Generate's construction. It is lossy with respect to
// the original name (normalization is one-way) but recovers the
// components used to build the identifier.
func Parse(id string) (Parsed, error) {
	parts := strings.Split(id, "_")
	if len(parts) < 3 {
		return Parsed{}, fmt.Errorf("semantic: malformed identifier %q", id)
	}
	suffix := 0
	if n, err := strconv.Atoi(parts[len(parts)-1]); err == nil {
		suffix = n
		parts = parts[:len(parts)-1]
	}
	if len(parts) < 3 {
		return Parsed{}, fmt.Errorf("semantic: malformed identifier %q", id)
	}
	return Parsed{
		FilePrefix: parts[0],
		KindTag:    parts[1],
		Name:       strings.Join(parts[2:], "_"),
		Suffix:     suffix,
	}, nil
}
