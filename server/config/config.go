// Package config holds the settings of a dataset generation run, loaded from a JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/groundtruth/pkg/dataset"
	"github.com/cyclopcam/groundtruth/pkg/pipeline"
	"github.com/cyclopcam/groundtruth/pkg/storage"
	"github.com/cyclopcam/groundtruth/pkg/visibility"
	"github.com/cyclopcam/groundtruth/server/liveview"
)

const DefaultFilename = "groundtruth.json"

type Config struct {
	Dataset           dataset.Options     `json:"dataset"`           // Where and how the dataset is written
	Visibility        visibility.Options  `json:"visibility"`        // Occlusion metric settings
	DisableVisibility bool                `json:"disableVisibility"` // Write steps without occlusion metrics
	Manifest          *dbh.DBConfig       `json:"manifest"`          // Database of written files. Nil disables the manifest.
	Upload            storage.Config      `json:"upload"`            // Completed runs are copied here. Leave empty to disable.
	LiveView          liveview.Config     `json:"liveView"`
	Scene             pipeline.SimOptions `json:"scene"`
	Run               pipeline.Options    `json:"run"`
}

func DefaultConfig() *Config {
	return &Config{
		Dataset:    dataset.DefaultOptions(),
		Visibility: visibility.DefaultOptions(),
		LiveView:   liveview.DefaultConfig(),
		Scene:      pipeline.DefaultSimOptions(),
		Run:        pipeline.DefaultOptions(),
	}
}

// LoadConfig reads a JSON config file. Settings that are missing from the file keep their defaults.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = DefaultFilename
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config %v: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := dataset.ValidateBaseName(c.Dataset.BaseName); err != nil {
		return err
	}
	if c.Dataset.Root == "" {
		return fmt.Errorf("dataset.root is empty")
	}
	if err := c.Run.Validate(); err != nil {
		return err
	}
	if c.Scene.Width <= 0 || c.Scene.Height <= 0 {
		return fmt.Errorf("Invalid scene resolution %v x %v", c.Scene.Width, c.Scene.Height)
	}
	if c.Upload.Filesystem != nil && c.Upload.GCS != nil {
		return fmt.Errorf("Only one of upload.filesystem and upload.gcs may be set")
	}
	return nil
}
