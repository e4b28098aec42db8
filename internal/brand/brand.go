// Package brand carries the product identity: names, default paths, and
// the environment-variable prefix. Everything comes from the embedded
// brand.json so packaging scripts can read the same file the binaries do.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var rawIdentity []byte

type identity struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	DefaultLogDir    string `json:"defaultLogDir"`
	DefaultRunDir    string `json:"defaultRunDir"`
	DefaultPluginDir string `json:"defaultPluginDir"`
	SocketName       string `json:"socketName"`
	BinaryName       string `json:"binaryName"`
	PluginPrefix     string `json:"pluginPrefix"`
	ConfigFileName   string `json:"configFileName"`
}

var (
	// Populated from brand.json during init.
	Name             string
	LowerName        string
	Description      string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	DefaultLogDir    string
	DefaultRunDir    string
	DefaultPluginDir string
	SocketName       string
	BinaryName       string
	PluginPrefix     string
	ConfigFileName   string

	// Set at build time via -ldflags.
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func init() {
	var id identity
	if err := json.Unmarshal(rawIdentity, &id); err != nil {
		panic("brand.json is malformed: " + err.Error())
	}
	Name = id.Name
	LowerName = id.LowerName
	Description = id.Description
	ConfigEnvPrefix = id.ConfigEnvPrefix
	DefaultConfigDir = id.DefaultConfigDir
	DefaultStateDir = id.DefaultStateDir
	DefaultLogDir = id.DefaultLogDir
	DefaultRunDir = id.DefaultRunDir
	DefaultPluginDir = id.DefaultPluginDir
	SocketName = id.SocketName
	BinaryName = id.BinaryName
	PluginPrefix = id.PluginPrefix
	ConfigFileName = id.ConfigFileName
}

// dir resolves a directory with the usual override chain:
// <PREFIX>_<suffix> env var, then <PREFIX>_PREFIX/<sub>, then the default.
func dir(suffix, sub, fallback string) string {
	if d := os.Getenv(ConfigEnvPrefix + "_" + suffix); d != "" {
		return d
	}
	if p := os.Getenv(ConfigEnvPrefix + "_PREFIX"); p != "" {
		return filepath.Join(p, sub)
	}
	return fallback
}

// GetConfigDir returns the configuration directory.
func GetConfigDir() string { return dir("CONFIG_DIR", "config", DefaultConfigDir) }

// GetStateDir returns the directory for persistent daemon state.
func GetStateDir() string { return dir("STATE_DIR", "state", DefaultStateDir) }

// GetLogDir returns the log directory.
func GetLogDir() string { return dir("LOG_DIR", "log", DefaultLogDir) }

// GetRunDir returns the runtime directory for sockets and PID files.
func GetRunDir() string { return dir("RUN_DIR", "run", DefaultRunDir) }

// GetPluginDir returns the directory scanned for plugin executables.
func GetPluginDir() string { return dir("PLUGIN_DIR", "plugins", DefaultPluginDir) }

// GetSocketPath returns the control socket path, e.g. /var/run/rime-ctl.sock.
func GetSocketPath() string {
	return filepath.Join(GetRunDir(), LowerName+"-"+SocketName)
}
