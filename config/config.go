// Package config loads configuration for the cudagraphtrees commands
// (cudagraphtreesd, cudagraphctl).
//
// All components are expected to store logs and any runtime state within
// a dedicated base directory. When loading the configuration, the first
// and only argument is the path to the base directory rather than the
// path to the configuration file itself. The designated directory is
// expected to contain a JSON file called "config" that corresponds to
// the C struct of this package. DebugTrees, SkipWarmup, DeviceNet,
// DeviceAddr, DebugNet and DebugAddr also have an environment variable
// override, read once when Load runs, taking precedence over whatever
// the file holds; the other fields come from the file only. The base
// directory itself has its own override, CUDAGRAPHTREES_BASE.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// DefaultBaseDirectoryPath is where cudagraphtrees commands store
// configuration and data by default. It defaults to $CUDAGRAPHTREES_BASE
// if set, otherwise to $HOME/lib/cudagraphtrees. Commands override this
// via a -base flag.
var DefaultBaseDirectoryPath string

func init() {
	if base := os.Getenv("CUDAGRAPHTREES_BASE"); base != "" {
		DefaultBaseDirectoryPath = base
	} else {
		DefaultBaseDirectoryPath = os.ExpandEnv("$HOME/lib/cudagraphtrees")
	}
}

// C holds the configuration for one cudagraphtrees process.
type C struct {
	// DebugTrees enables pool-vs-live-set cross-checks after every path
	// transition. Overridden by CUDAGRAPHTREES_DEBUG_TREES.
	DebugTrees bool `json:"debug_trees"`

	// SkipWarmup suppresses the first-call warmup for every installed
	// function. Overridden by CUDAGRAPHTREES_SKIP_WARMUP.
	SkipWarmup bool `json:"skip_warmup"`

	// DeviceNet/DeviceAddr are the dial target for the graphdevice RPC
	// backend, in the same (net, addr) shape musclefs uses for its own
	// listener configuration.
	DeviceNet  string `json:"device_net"`
	DeviceAddr string `json:"device_addr"`

	// DebugNet/DebugAddr are the listen target for cudagraphtreesd's
	// debug RPC service (debugrpc), queried by cudagraphctl. Separate
	// from DeviceNet/DeviceAddr because net/rpc dispatches by a single
	// registered type name per server; two independently registered
	// services need two servers.
	DebugNet  string `json:"debug_net"`
	DebugAddr string `json:"debug_addr"`

	// MaxTreeDepth is a soft operational cap carried in the
	// configuration. No code in this repository reads it: deep paths
	// are neither logged nor rejected.
	MaxTreeDepth int `json:"max_tree_depth"`

	// JournalDir, if set, archives session diagnostic dumps to local
	// disk when cudagraphtreesd shuts down. JournalBucket does the same to S3 when
	// set; at most one of the two is normally configured.
	JournalDir    string `json:"journal_dir"`
	JournalBucket string `json:"journal_bucket"`
	JournalRegion string `json:"journal_region"`

	// Directory holding the config file and other files. Other paths are
	// derived from this.
	base string
}

// Load loads the configuration from the file called "config" in base,
// then applies any environment variable overrides.
func Load(base string) (*C, error) {
	filename := filepath.Join(base, "config")
	fi, err := os.Stat(filename)
	if err != nil {
		return nil, errorf("Load", "stat %q: %v", filename, err)
	}
	if fi.Mode()&0077 != 0 {
		return nil, errorf("Load", "%q: mode is %#o, want at most %#o",
			filename, fi.Mode()&0777, fi.Mode()&0700)
	}
	f, err := os.Open(filename)
	if err != nil {
		return nil, errorf("Load", "open %q: %v", filename, err)
	}
	defer func() {
		_ = f.Close()
	}()
	c := &C{}
	if err := json.NewDecoder(f).Decode(c); err != nil {
		return nil, errorf("Load", "decoding %q: %v", filename, err)
	}
	c.base = base
	c.applyEnvOverrides()
	return c, nil
}

func (c *C) applyEnvOverrides() {
	if v, ok := os.LookupEnv("CUDAGRAPHTREES_DEBUG_TREES"); ok {
		c.DebugTrees = v != "" && v != "0"
	}
	if v, ok := os.LookupEnv("CUDAGRAPHTREES_SKIP_WARMUP"); ok {
		c.SkipWarmup = v != "" && v != "0"
	}
	if v := os.Getenv("CUDAGRAPHTREES_DEVICE_NET"); v != "" {
		c.DeviceNet = v
	}
	if v := os.Getenv("CUDAGRAPHTREES_DEVICE_ADDR"); v != "" {
		c.DeviceAddr = v
	}
	if v := os.Getenv("CUDAGRAPHTREES_DEBUG_NET"); v != "" {
		c.DebugNet = v
	}
	if v := os.Getenv("CUDAGRAPHTREES_DEBUG_ADDR"); v != "" {
		c.DebugAddr = v
	}
}

// BaseDirectoryPath returns the directory Load was given.
func (c *C) BaseDirectoryPath() string {
	return c.base
}

// LogFilePath is where the owning command is expected to write its logs.
func (c *C) LogFilePath() string {
	return filepath.Join(c.base, "log")
}

// Initialize generates an initial configuration file at the given
// directory, so a fresh deployment has something to edit.
func Initialize(baseDir string) error {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return errorf("Initialize", "mkdir %q: %v", baseDir, err)
	}
	filename := filepath.Join(baseDir, "config")
	if _, err := os.Stat(filename); err == nil {
		return errorf("Initialize", "%q already exists", filename)
	} else if !os.IsNotExist(err) {
		return errorf("Initialize", "stat %q: %v", filename, err)
	}
	c := C{
		DeviceNet:    "tcp",
		DeviceAddr:   "127.0.0.1:7777",
		DebugNet:     "tcp",
		DebugAddr:    "127.0.0.1:7778",
		MaxTreeDepth: 64,
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errorf("Initialize", "marshaling default config: %v", err)
	}
	if err := os.WriteFile(filename, b, 0600); err != nil {
		return errorf("Initialize", "writing %q: %v", filename, err)
	}
	return nil
}
