package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"
)

// ConfigFile pairs a decoded Config with the hclwrite syntax tree of the
// same source. Edits go through the syntax tree so comments and layout
// survive a save.
type ConfigFile struct {
	Path    string
	Config  *Config
	hclFile *hclwrite.File
}

// LoadConfigFile reads and parses an HCL config file for round-trip editing.
func LoadConfigFile(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadConfigFromBytes(path, data)
}

// LoadConfigFromBytes parses HCL source twice: once into the editable
// syntax tree and once into the Config struct.
func LoadConfigFromBytes(filename string, data []byte) (*ConfigFile, error) {
	hclFile, diags := hclwrite.ParseConfig(data, filename, hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse config: %s", diags.Error())
	}

	var cfg Config
	if err := hclsimple.Decode(filename, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.ApplyDefaults()

	return &ConfigFile{
		Path:    filename,
		Config:  &cfg,
		hclFile: hclFile,
	}, nil
}

// SetAttribute sets a top-level attribute in the preserved HCL source. The
// raw string is coerced to a bool or number when it parses as one.
func (cf *ConfigFile) SetAttribute(name, raw string) {
	cf.hclFile.Body().SetAttributeValue(name, ctyValue(raw))
}

// SetBlockAttribute sets an attribute inside a named top-level block,
// creating the block when missing.
func (cf *ConfigFile) SetBlockAttribute(blockType, name, raw string) {
	body := cf.hclFile.Body()
	block := body.FirstMatchingBlock(blockType, nil)
	if block == nil {
		block = body.AppendNewBlock(blockType, nil)
	}
	block.Body().SetAttributeValue(name, ctyValue(raw))
}

func ctyValue(raw string) cty.Value {
	if b, err := strconv.ParseBool(raw); err == nil {
		return cty.BoolVal(b)
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return cty.NumberIntVal(n)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return cty.NumberFloatVal(f)
	}
	return cty.StringVal(raw)
}

// Bytes returns the current, possibly edited, HCL source.
func (cf *ConfigFile) Bytes() []byte {
	return cf.hclFile.Bytes()
}

// Save writes the edited source back to the path it was loaded from.
func (cf *ConfigFile) Save() error {
	return cf.SaveTo(cf.Path)
}

// SaveTo writes the edited source to path. An existing file is first
// copied aside to path.bak so a bad edit can be undone by hand.
func (cf *ConfigFile) SaveTo(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("back up existing config: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, cf.hclFile.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
