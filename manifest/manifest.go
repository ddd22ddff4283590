// Package manifest loads the versioned list of resources to pre-populate on install.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// Manifest names one generation of the static resources.
type Manifest struct {
	Version   string   `yaml:"version" json:"version"`
	Resources []string `yaml:"resources" json:"resources"`
}

// JSONPaths tells where the version and the resource list live in a JSON
// manifest, as gjson paths. The zero value reads {"version": ..., "resources": [...]}.
//
// A bundler asset manifest such as {"files": {"main.js": "/static/main.1a2b.js"}}
// is read with Resources set to "files|@values". When the version path yields
// nothing, the version is derived from the resource list.
type JSONPaths struct {
	Version   string `yaml:"version"`
	Resources string `yaml:"resources"`
}

func (p JSONPaths) withDefaults() JSONPaths {
	if p.Version == "" {
		p.Version = "version"
	}
	if p.Resources == "" {
		p.Resources = "resources"
	}
	return p
}

// Validate checks that the manifest can be installed.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return errors.New("manifest has no version")
	}
	for i, r := range m.Resources {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("manifest resource %d is empty", i)
		}
	}
	return nil
}

// Resolve returns the absolute URLs of the resources, in manifest order.
// Paths are resolved against origin; duplicates are dropped.
func (m Manifest) Resolve(origin *url.URL) ([]*url.URL, error) {
	urls := make([]*url.URL, 0, len(m.Resources))
	seen := make(map[string]bool, len(m.Resources))
	for _, r := range m.Resources {
		u, err := url.Parse(strings.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("manifest resource %q: %w", r, err)
		}
		if !u.IsAbs() {
			if origin == nil {
				return nil, fmt.Errorf("manifest resource %q is relative and no origin is configured", r)
			}
			u = origin.ResolveReference(u)
		}
		u.Fragment = ""
		if seen[u.String()] {
			continue
		}
		seen[u.String()] = true
		urls = append(urls, u)
	}
	return urls, nil
}

// Parse decodes a manifest. Documents starting with '{' are read as JSON
// using paths; anything else is read as YAML.
func Parse(b []byte, paths JSONPaths) (Manifest, error) {
	trimmed := strings.TrimSpace(string(b))
	if strings.HasPrefix(trimmed, "{") {
		return parseJSON(trimmed, paths)
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse yaml manifest: %w", err)
	}
	return m, m.Validate()
}

func parseJSON(doc string, paths JSONPaths) (Manifest, error) {
	if !gjson.Valid(doc) {
		return Manifest{}, errors.New("parse json manifest: invalid json")
	}
	paths = paths.withDefaults()
	var m Manifest
	resources := gjson.Get(doc, paths.Resources)
	if !resources.Exists() {
		return Manifest{}, fmt.Errorf("parse json manifest: nothing at %q", paths.Resources)
	}
	if resources.IsArray() || resources.IsObject() {
		resources.ForEach(func(_, value gjson.Result) bool {
			m.Resources = append(m.Resources, value.String())
			return true
		})
	} else {
		m.Resources = append(m.Resources, resources.String())
	}
	m.Version = gjson.Get(doc, paths.Version).String()
	if m.Version == "" {
		m.Version = digest(m.Resources)
	}
	return m, m.Validate()
}

// digest derives a version from the resource list.
func digest(resources []string) string {
	h := sha256.New()
	for _, r := range resources {
		h.Write([]byte(r))
		h.Write([]byte{0})
	}
	return "sha-" + hex.EncodeToString(h.Sum(nil))[:12]
}
