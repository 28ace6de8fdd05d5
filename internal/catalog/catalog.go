// Package catalog loads the data model, event catalog and predefined tag library
// that tag rules are validated against. Each is a YAML file; an embedded default
// is used for any file that is not configured.
package catalog

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/benvon/cohort-tags/internal/models"
	"gopkg.in/yaml.v3"
)

// MaxFileSize caps catalog files read from disk
const MaxFileSize = 1024 * 1024

var (
	//go:embed defaults/datamodel.yaml
	defaultDataModelYAML []byte
	//go:embed defaults/events.yaml
	defaultEventsYAML []byte
	//go:embed defaults/library.yaml
	defaultLibraryYAML []byte
)

// Paths points at catalog files. Empty paths use the embedded defaults.
type Paths struct {
	DataModel string
	Events    string
	Library   string
}

// Catalog serves the same data model, event catalog and library to every project
type Catalog struct {
	dataModel *models.DataModel
	events    *models.EventCatalog
	library   []models.Tag
}

type libraryFile struct {
	Tags []models.Tag `json:"tags"`
}

// Load reads the catalog files named by paths
func Load(paths Paths) (*Catalog, error) {
	dmData, err := readOrDefault(paths.DataModel, defaultDataModelYAML)
	if err != nil {
		return nil, err
	}
	evData, err := readOrDefault(paths.Events, defaultEventsYAML)
	if err != nil {
		return nil, err
	}
	libData, err := readOrDefault(paths.Library, defaultLibraryYAML)
	if err != nil {
		return nil, err
	}
	return Parse(dmData, evData, libData)
}

// Default returns the embedded catalog
func Default() (*Catalog, error) {
	return Parse(defaultDataModelYAML, defaultEventsYAML, defaultLibraryYAML)
}

// Parse builds a catalog from YAML (or JSON) documents
func Parse(dataModel, events, library []byte) (*Catalog, error) {
	c := &Catalog{dataModel: &models.DataModel{}, events: &models.EventCatalog{}}
	if err := decodeYAML(dataModel, c.dataModel); err != nil {
		return nil, fmt.Errorf("failed to parse data model: %w", err)
	}
	if err := decodeYAML(events, c.events); err != nil {
		return nil, fmt.Errorf("failed to parse event catalog: %w", err)
	}
	var lib libraryFile
	if err := decodeYAML(library, &lib); err != nil {
		return nil, fmt.Errorf("failed to parse tag library: %w", err)
	}
	seen := make(map[string]bool, len(lib.Tags))
	for i, t := range lib.Tags {
		if t.ID == "" {
			return nil, fmt.Errorf("library tag %d has no id", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("library tag id %q is defined twice", t.ID)
		}
		seen[t.ID] = true
		if t.Dependencies == nil {
			lib.Tags[i].Dependencies = []string{}
		}
	}
	c.library = lib.Tags
	return c, nil
}

// DataModel implements repository.DataModelProvider
func (c *Catalog) DataModel(context.Context, string) (*models.DataModel, error) {
	return c.dataModel, nil
}

// EventCatalog implements repository.EventCatalogProvider
func (c *Catalog) EventCatalog(context.Context, string) (*models.EventCatalog, error) {
	return c.events, nil
}

// LibraryTags implements repository.LibraryProvider. The returned tags are copies.
func (c *Catalog) LibraryTags(context.Context) ([]models.Tag, error) {
	out := make([]models.Tag, len(c.library))
	for i, t := range c.library {
		out[i] = t.Clone()
	}
	return out, nil
}

// decodeYAML converts a YAML document to JSON and decodes it into out, so the
// models' JSON decoding (including condition type inference) applies unchanged
func decodeYAML(data []byte, out any) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc == nil {
		return nil
	}
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, out)
}

func readOrDefault(path string, fallback []byte) ([]byte, error) {
	if path == "" {
		return fallback, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("catalog file %s is larger than %d bytes", path, MaxFileSize)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return data, nil
}
