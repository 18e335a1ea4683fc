package spec

import (
	"os"
	"path/filepath"
	"strings"

	"model-orchestrator/core/models"

	"emperror.dev/errors"
	"gopkg.in/yaml.v3"
)

// SubmissionSpec represents the YAML submission manifest
type SubmissionSpec struct {
	Submission SubmissionSpecBody `yaml:"submission"`
}

// SubmissionSpecBody represents the submission section of the manifest
type SubmissionSpecBody struct {
	ModelName    string   `yaml:"model_name"`
	Email        string   `yaml:"email"`
	Owner        string   `yaml:"owner,omitempty"`
	SubmissionID string   `yaml:"submission_id,omitempty"`
	Images       []string `yaml:"images"`
}

// Manifest is a parsed submission with image paths resolved
type Manifest struct {
	OwnerID      string
	Contact      string
	ModelName    string
	SubmissionID string
	// Images are in submission order; relative paths are resolved against the manifest's directory
	Images []string
}

// LoadSubmissionSpec reads and parses a manifest file
func LoadSubmissionSpec(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapWithDetails(err, "failed to read manifest", "path", path)
	}
	return ParseSubmissionSpec(string(data), filepath.Dir(path))
}

// ParseSubmissionSpec parses a YAML manifest. baseDir anchors relative image paths.
func ParseSubmissionSpec(specYAML, baseDir string) (*Manifest, error) {
	var spec SubmissionSpec
	if err := yaml.Unmarshal([]byte(specYAML), &spec); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML")
	}

	body := spec.Submission
	if strings.TrimSpace(body.ModelName) == "" {
		return nil, models.Invalid("manifest: model_name is required")
	}
	if len(body.Images) == 0 {
		return nil, models.Invalid("manifest: at least one image is required")
	}

	manifest := &Manifest{
		OwnerID:      body.Owner,
		Contact:      body.Email,
		ModelName:    body.ModelName,
		SubmissionID: body.SubmissionID,
		Images:       make([]string, 0, len(body.Images)),
	}

	for _, img := range body.Images {
		if strings.TrimSpace(img) == "" {
			return nil, models.Invalid("manifest: empty image path")
		}
		if !filepath.IsAbs(img) {
			img = filepath.Join(baseDir, img)
		}
		manifest.Images = append(manifest.Images, img)
	}

	return manifest, nil
}
