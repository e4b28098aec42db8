package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
)

// LoadResult carries the parsed config plus what the loader noticed on the
// way: the file's declared schema version and non-fatal validation findings.
type LoadResult struct {
	Config          *Config
	OriginalVersion SchemaVersion
	Warnings        []string
}

// LoadFile reads path, applies defaults, and validates. A missing file
// yields the defaults, so a bare daemon start needs no configuration.
func LoadFile(path string) (*Config, error) {
	result, err := LoadFileResult(path)
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadFileResult is LoadFile plus load metadata. HCL is the native format;
// JSON is accepted for generated configs.
func LoadFileResult(path string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &LoadResult{Config: Default()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hcl":
		return LoadHCL(data, path)
	case ".json":
		return LoadJSON(data)
	default:
		result, err := LoadHCL(data, path)
		if err != nil {
			return LoadJSON(data)
		}
		return result, nil
	}
}

// LoadHCL parses and validates HCL config bytes.
func LoadHCL(data []byte, filename string) (*LoadResult, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	// The version has to be known before committing to a full decode.
	var probe struct {
		SchemaVersion string `hcl:"schema_version,optional"`
	}
	_ = gohcl.DecodeBody(file.Body, nil, &probe)

	version, err := checkVersion(probe.SchemaVersion)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	return finishLoad(&cfg, version)
}

// LoadJSON parses and validates JSON config bytes.
func LoadJSON(data []byte) (*LoadResult, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}

	version, err := checkVersion(cfg.SchemaVersion)
	if err != nil {
		return nil, err
	}
	return finishLoad(&cfg, version)
}

func checkVersion(s string) (SchemaVersion, error) {
	version, err := ParseVersion(s)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid schema version: %w", err)
	}
	if !IsSupportedVersion(version) {
		return SchemaVersion{}, fmt.Errorf("unsupported config schema version %s (supported: %v)",
			version, SupportedVersions)
	}
	return version, nil
}

func finishLoad(cfg *Config, version SchemaVersion) (*LoadResult, error) {
	cfg.ApplyDefaults()

	result := &LoadResult{
		Config:          cfg,
		OriginalVersion: version,
	}

	errs := cfg.Validate()
	for _, ve := range errs {
		if ve.Severity == "warning" {
			result.Warnings = append(result.Warnings, ve.Error())
		}
	}
	if errs.HasErrors() {
		return nil, fmt.Errorf("invalid config: %s", errs.Error())
	}
	return result, nil
}

// SaveFile writes cfg to path; the extension picks the format.
func SaveFile(cfg *Config, path string) error {
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = CurrentSchemaVersion
	}

	if strings.ToLower(filepath.Ext(path)) == ".json" {
		return SaveJSON(cfg, path)
	}
	return SaveHCL(cfg, path)
}

func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func SaveHCL(cfg *Config, path string) error {
	data, err := GenerateHCL(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// GenerateHCL renders cfg as formatted HCL.
func GenerateHCL(cfg *Config) ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(cfg, f.Body())
	return f.Bytes(), nil
}
