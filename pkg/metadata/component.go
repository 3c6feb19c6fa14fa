package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

const (
	ComponentPackages   = "packages"
	ComponentUserConfig = "user_config"
)

// Component is the summary one collector contributes to the manifest.
type Component interface {
	Kind() string
}

// FilesSummary describes a collected file tree.
type FilesSummary struct {
	TotalFiles      int    `json:"total_files"`
	TotalSizeBytes  int64  `json:"total_size_bytes"`
	SkippedFiles    int    `json:"skipped_files"`
	ArchivePath     string `json:"archive_path,omitempty"`
	PermissionsFile string `json:"permissions_file,omitempty"`
}

func (FilesSummary) Kind() string { return "files" }

// PackagesSummary describes the collected package lists.
type PackagesSummary struct {
	TotalCount    int `json:"total_count"`
	ExplicitCount int `json:"explicit_count"`
	AURCount      int `json:"aur_count"`
	OfficialCount int `json:"official_count"`
}

func (PackagesSummary) Kind() string { return "packages" }

// RawComponent keeps a component this version doesn't know verbatim.
type RawComponent json.RawMessage

func (RawComponent) Kind() string { return "raw" }

func (r RawComponent) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// componentKinds maps well-known component names to their summary type.
var componentKinds = map[string]func() Component{
	ComponentPackages:   func() Component { return &PackagesSummary{} },
	ComponentUserConfig: func() Component { return &FilesSummary{} },
}

// Components is keyed by component name.
type Components map[string]Component

func (c Components) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	raw := make(map[string]json.RawMessage, len(c))
	for name, component := range c {
		body, err := json.Marshal(component)
		if err != nil {
			return nil, fmt.Errorf("can't marshal component %s: %w", name, err)
		}
		raw[name] = body
	}
	return json.Marshal(raw)
}

func (c *Components) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Components, len(raw))
	for name, body := range raw {
		factory, known := componentKinds[name]
		if !known {
			var compact bytes.Buffer
			if err := json.Compact(&compact, body); err != nil {
				return fmt.Errorf("component %s: %w", name, err)
			}
			out[name] = RawComponent(compact.Bytes())
			continue
		}
		target := factory()
		if err := json.Unmarshal(body, target); err != nil {
			return fmt.Errorf("component %s: %w", name, err)
		}
		switch v := target.(type) {
		case *PackagesSummary:
			out[name] = *v
		case *FilesSummary:
			out[name] = *v
		}
	}
	*c = out
	return nil
}

// Names returns component names in lexical order.
func (c Components) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Files returns the named component if it is a file tree summary.
func (c Components) Files(name string) (FilesSummary, bool) {
	v, ok := c[name].(FilesSummary)
	return v, ok
}

// Packages returns the named component if it is a package summary.
func (c Components) Packages(name string) (PackagesSummary, bool) {
	v, ok := c[name].(PackagesSummary)
	return v, ok
}
