package normalizer

import (
	"fmt"
	"os"

	"github.com/trailproof/core/pkg/contracts"
	"gopkg.in/yaml.v3"
)

// Profile selects which payload fields are canonical content for a source.
// What counts as "content" versus volatile metadata (view counts, last-viewed
// timestamps) is per-connector policy, so it lives in configuration rather
// than code.
type Profile struct {
	// ContentFields are the top-level payload keys hashed as content.
	ContentFields []string `yaml:"content_fields"`
	// Required payload keys; absence is a validation error.
	Required []string `yaml:"required"`
}

// Profiles maps source system to its profile.
type Profiles map[contracts.SourceSystem]Profile

// DefaultProfiles covers the built-in source variants.
func DefaultProfiles() Profiles {
	return Profiles{
		contracts.SourceGitHub: {
			ContentFields: []string{"title", "body", "diff_summary", "reviewers", "merged", "merged_at", "base_branch", "head_branch"},
			Required:      []string{"title"},
		},
		contracts.SourceJira: {
			ContentFields: []string{"summary", "description", "status", "resolution", "changelog", "assignee"},
			Required:      []string{"summary", "status"},
		},
		contracts.SourceGoogleDrive: {
			ContentFields: []string{"name", "mime_type", "revision_id", "content_text", "owners"},
			Required:      []string{"name"},
		},
	}
}

// LoadProfiles reads profile overrides from a YAML file and merges them over
// the defaults. Sources absent from the file keep their default profile.
func LoadProfiles(path string) (Profiles, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}

	var overrides map[contracts.SourceSystem]Profile
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}

	profiles := DefaultProfiles()
	for system, p := range overrides {
		if len(p.ContentFields) == 0 {
			return nil, fmt.Errorf("profile for %s has no content_fields", system)
		}
		profiles[system] = p
	}
	return profiles, nil
}
