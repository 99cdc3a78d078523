package branchmap

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/shardrun/internal/fsutil"
	"github.com/fentz26/shardrun/internal/models"
)

// ManifestFile is the manifest's name inside a submission directory.
const ManifestFile = "manifest.yaml"

// Manifest is everything a worker needs to run one unit of a submission.
type Manifest struct {
	// ID is the submission record ID, empty when no database was used.
	ID            string                  `yaml:"id,omitempty"`
	Task          string                  `yaml:"task"`
	ProductionTag string                  `yaml:"production_tag"`
	Scopes        []string                `yaml:"scopes"`
	Artifact      models.ArtifactRecord   `yaml:"artifact"`
	Auxiliary     *models.AuxiliaryRecord `yaml:"auxiliary,omitempty"`
	Run           models.RunSettings      `yaml:"run"`
	Units         []models.WorkUnit       `yaml:"units"`
}

// Unit returns the unit with the given ID.
func (m *Manifest) Unit(id int) (models.WorkUnit, error) {
	if id >= 0 && id < len(m.Units) && m.Units[id].ID == id {
		return m.Units[id], nil
	}
	for _, u := range m.Units {
		if u.ID == id {
			return u, nil
		}
	}
	return models.WorkUnit{}, fmt.Errorf("unit %d not in manifest (%d units)", id, len(m.Units))
}

// Save writes the manifest to path atomically.
func (m *Manifest) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// LoadManifest reads a manifest written by Save.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}
