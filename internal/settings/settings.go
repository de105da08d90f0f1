// Package settings persists the user's last conversion choices.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/shayne-snap/llmshrink/internal/errs"
	"github.com/shayne-snap/llmshrink/internal/models"
)

// SchemaVersion is written with every record.
const SchemaVersion = 1

// Record is the persisted settings document.
type Record struct {
	SchemaVersion   int               `json:"schema_version" yaml:"schema_version" toml:"schema_version"`
	DeviceMode      models.DeviceMode `json:"device_mode" yaml:"device_mode" toml:"device_mode"`
	QuantType       models.QuantType  `json:"quant_type" yaml:"quant_type" toml:"quant_type"`
	ContextLength   int               `json:"context_length" yaml:"context_length" toml:"context_length"`
	OutputDirectory string            `json:"output_directory" yaml:"output_directory" toml:"output_directory"`
	SourceURI       string            `json:"source_uri,omitempty" yaml:"source_uri,omitempty" toml:"source_uri,omitempty"`
}

// Defaults returns the record used when nothing has been saved.
func Defaults() Record {
	return Record{
		SchemaVersion:   SchemaVersion,
		DeviceMode:      models.DeviceAuto,
		QuantType:       models.QuantNF4,
		ContextLength:   4096,
		OutputDirectory: "./output",
	}
}

// DefaultPath is <UserConfigDir>/llmshrink/settings.toml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "llmshrink", "settings.toml"), nil
}

// Store reads and writes one settings file. The format follows the extension.
type Store struct {
	Path string
	Log  zerolog.Logger
}

func New(path string, log zerolog.Logger) *Store {
	return &Store{Path: path, Log: log}
}

// Load returns the saved record, or defaults when the file is missing or
// unreadable. Fields absent from the file keep their defaults.
func (s *Store) Load() Record {
	rec := Defaults()
	b, err := os.ReadFile(s.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.Log.Warn().Err(err).Str("path", s.Path).Msg("settings unreadable, using defaults")
		}
		return rec
	}
	loaded := Defaults()
	if err := unmarshal(s.Path, b, &loaded); err != nil {
		s.Log.Warn().Err(err).Str("path", s.Path).Msg("settings corrupt, using defaults")
		return rec
	}
	if loaded.ContextLength <= 0 {
		loaded.ContextLength = rec.ContextLength
	}
	if loaded.OutputDirectory == "" {
		loaded.OutputDirectory = rec.OutputDirectory
	}
	loaded.SchemaVersion = SchemaVersion
	return loaded
}

// Save writes rec atomically, stamped with the current SchemaVersion.
// Failures are persistence errors. Load restores the default for a
// non-positive ContextLength or empty OutputDirectory, so Load after Save
// returns rec only when both are set.
func (s *Store) Save(rec Record) error {
	rec.SchemaVersion = SchemaVersion
	b, err := marshal(s.Path, rec)
	if err != nil {
		return errs.E(errs.KindPersistence, "save settings", err)
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.E(errs.KindPersistence, "save settings", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return errs.E(errs.KindPersistence, "save settings", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errs.E(errs.KindPersistence, "save settings", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.E(errs.KindPersistence, "save settings", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return errs.E(errs.KindPersistence, "save settings", err)
	}
	return nil
}

// Reset removes the settings file.
func (s *Store) Reset() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return errs.E(errs.KindPersistence, "reset settings", err)
	}
	return nil
}

func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return "toml"
	}
}

func marshal(path string, rec Record) ([]byte, error) {
	switch format(path) {
	case "yaml":
		return yaml.Marshal(rec)
	case "json":
		b, err := json.MarshalIndent(rec, "", "  ")
		return append(b, '\n'), err
	default:
		return toml.Marshal(rec)
	}
}

func unmarshal(path string, b []byte, rec *Record) error {
	var err error
	switch format(path) {
	case "yaml":
		err = yaml.Unmarshal(b, rec)
	case "json":
		err = json.Unmarshal(b, rec)
	default:
		err = toml.Unmarshal(b, rec)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}
