package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
)

var (
	// CommonConfig means config object
	CommonConfig *Config

	// ErrNoFamilyEnabled is fatal: a node with no address family cannot
	// join the overlay.
	ErrNoFamilyEnabled = errors.New("config: neither ipv4 nor ipv6 is enabled")
)

type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`
	// Options for services
	DHT *DHTConfig `mapstructure:"dht"`
}

// Default configurable parameters.
func DefaultConfig() *Config {
	return &Config{
		BaseConfig: DefaultBaseConfig(),
		DHT:        DefaultDHTConfig(),
	}
}

// Set the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// Validate checks the parts of the config that make the node unable to
// start at all.
func (cfg *Config) Validate() error {
	if !cfg.DHT.IPv4 && !cfg.DHT.IPv6 {
		return ErrNoFamilyEnabled
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	//The alias of the node
	NodeAlias string `mapstructure:"node_alias"`

	//log level to set
	LogLevel string `mapstructure:"log_level"`

	// log file name
	LogFile string `mapstructure:"log_file"`
}

// Default configurable base parameters.
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		NodeAlias: "",
		LogLevel:  "info",
	}
}

func (b BaseConfig) LogDir() string {
	return rootify("log", b.RootDir)
}

//-----------------------------------------------------------------------------
// DHTConfig
type DHTConfig struct {
	// Enabled address families. At least one must be set.
	IPv4 bool `mapstructure:"ipv4"`
	IPv6 bool `mapstructure:"ipv6"`

	// UDP port shared by both sockets.
	Port uint16 `mapstructure:"port"`

	// Bootstrap entries in host:port form. Hostnames are resolved at
	// startup; entries that fail to resolve are skipped.
	BootstrapNodes []string `mapstructure:"bootstrap_nodes"`
}

// Default configurable DHT parameters.
func DefaultDHTConfig() *DHTConfig {
	return &DHTConfig{
		IPv4: true,
		IPv6: false,
		Port: 6881,
		BootstrapNodes: []string{
			"router.bittorrent.com:6881",
			"router.utorrent.com:6881",
			"dht.transmissionbt.com:6881",
		},
	}
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// DefaultDataDir is the default data directory to use for the databases and other
// persistence requirements.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := homeDir()
	if home == "" {
		return "./.mldht"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "MlDHT")
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "MlDHT")
	default:
		return filepath.Join(home, ".mldht")
	}
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}
