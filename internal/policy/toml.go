package policy

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
)

// tomlFile is the import/export document shape: one [[policies]] table per
// policy, configuration fields only (runtime fields carry toml:"-").
type tomlFile struct {
	Policies []Policy `toml:"policies"`
}

// ExportTOML renders the configuration of the given policies as TOML.
func ExportTOML(policies []Policy) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(tomlFile{Policies: policies}); err != nil {
		return "", fmt.Errorf("encode policies: %w", err)
	}
	return buf.String(), nil
}

// ImportTOML parses a TOML policy document and validates every record.
func ImportTOML(content string) ([]Policy, error) {
	var doc tomlFile
	if _, err := toml.Decode(content, &doc); err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}
	seen := make(map[string]bool, len(doc.Policies))
	for _, p := range doc.Policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("%w: duplicate policy name %q", ErrInvalid, p.Name)
		}
		seen[p.Name] = true
	}
	return doc.Policies, nil
}
