package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"grimm.is/rime/internal/config"
)

// RunConfigShow prints the effective configuration. When the file does not
// exist the generated defaults are shown, which doubles as documentation.
func RunConfigShow(configFile string) error {
	if data, err := os.ReadFile(configFile); err == nil {
		os.Stdout.Write(data)
		return nil
	}

	data, err := config.GenerateHCL(config.Default())
	if err != nil {
		return err
	}
	fmt.Printf("# %s does not exist; showing defaults\n", configFile)
	os.Stdout.Write(data)
	return nil
}

// RunConfigSet edits one attribute in place, preserving comments and
// formatting. Keys are either top-level ("log_level") or dotted into a
// block ("checkpoint.confirm_seconds"). The previous file is kept as .bak.
func RunConfigSet(configFile, key, value string) error {
	cf, err := config.LoadConfigFile(configFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		// Start from rendered defaults so the edit lands in a full file.
		data, genErr := config.GenerateHCL(config.Default())
		if genErr != nil {
			return genErr
		}
		cf, err = config.LoadConfigFromBytes(configFile, data)
		if err != nil {
			return err
		}
	}

	if block, attr, ok := strings.Cut(key, "."); ok {
		cf.SetBlockAttribute(block, attr, value)
	} else {
		cf.SetAttribute(key, value)
	}

	// Reject the edit before writing it.
	if _, err := config.LoadHCL(cf.Bytes(), configFile); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}

	if err := cf.SaveTo(configFile); err != nil {
		return err
	}
	fmt.Printf("Set %s = %s in %s\n", key, value, configFile)
	return nil
}

// RunConfigValidate checks a config file and reports findings.
func RunConfigValidate(configFile string) error {
	result, err := config.LoadFileResult(configFile)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	fmt.Printf("%s is valid (schema %s)\n", configFile, result.OriginalVersion)
	return nil
}
