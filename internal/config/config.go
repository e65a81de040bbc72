// Package config loads the INI configuration shared by clients and servers.
//
// Lookup order: $JULEA_CONFIG (absolute path wins, relative names the file),
// then $XDG_CONFIG_HOME/julea/<name>, then each entry in
// $XDG_CONFIG_DIRS/julea/<name>.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// DefaultPort is used for server entries without an explicit port.
const DefaultPort = 4711

const defaultName = "julea"

var ErrNotFound = errors.New("config: no configuration file found")

// Backend describes one backend slot (object or kv).
type Backend struct {
	// Backend is the registry name, e.g. "posix", "pebble", "memory".
	Backend string

	// Component is "client" or "server" and decides where the backend runs.
	Component string

	// Path is the backend's storage location.
	Path string
}

// Client returns whether the backend runs linked into the client.
func (b Backend) Client() bool {
	return b.Component == "client"
}

// Configuration is the parsed configuration. Fields are exported so tests
// and embedding programs can construct one literally.
type Configuration struct {
	// MaxConnections caps the per-server connection count in the pool.
	MaxConnections int

	// ObjectServers and KVServers are host:port entries; the entry index is
	// the server index used by placement and the connection pool.
	ObjectServers []string
	KVServers     []string

	Object Backend
	KV     Backend
}

// Load finds and parses the configuration following the lookup order.
func Load() (*Configuration, error) {
	if env := os.Getenv("JULEA_CONFIG"); env != "" {
		if filepath.IsAbs(env) {
			return LoadFile(env)
		}

		return loadNamed(filepath.Base(env))
	}

	return loadNamed(defaultName)
}

func loadNamed(name string) (*Configuration, error) {
	if dir := userConfigDir(); dir != "" {
		path := filepath.Join(dir, "julea", name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}

	for _, dir := range systemConfigDirs() {
		path := filepath.Join(dir, "julea", name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}

	return nil, ErrNotFound
}

func userConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config")
	}
	return ""
}

func systemConfigDirs() []string {
	dirs := os.Getenv("XDG_CONFIG_DIRS")
	if dirs == "" {
		dirs = "/etc/xdg"
	}
	return strings.Split(dirs, ":")
}

// LoadFile parses a single configuration file.
func LoadFile(path string) (*Configuration, error) {
	// Server lists are ';'-separated, so ';' must not start an inline
	// comment.
	file, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	cfg := &Configuration{
		MaxConnections: file.Section("clients").Key("max-connections").MustInt(0),
		ObjectServers:  splitServers(file.Section("servers").Key("object").String()),
		KVServers:      splitServers(file.Section("servers").Key("kv").String()),
		Object: Backend{
			Backend:   file.Section("object").Key("backend").String(),
			Component: file.Section("object").Key("component").String(),
			Path:      file.Section("object").Key("path").String(),
		},
		KV: Backend{
			Backend:   file.Section("kv").Key("backend").String(),
			Component: file.Section("kv").Key("component").String(),
			Path:      file.Section("kv").Key("path").String(),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the invariants the rest of the system assumes.
func (c *Configuration) Validate() error {
	if len(c.ObjectServers) == 0 {
		return errors.New("no object servers configured")
	}
	if len(c.KVServers) == 0 {
		return errors.New("no kv servers configured")
	}
	if c.Object.Backend == "" || c.Object.Component == "" || c.Object.Path == "" {
		return errors.New("incomplete [object] section")
	}
	if c.KV.Backend == "" || c.KV.Component == "" || c.KV.Path == "" {
		return errors.New("incomplete [kv] section")
	}
	return nil
}

// ObjectServerCount returns the number of object servers.
func (c *Configuration) ObjectServerCount() uint32 {
	return uint32(len(c.ObjectServers))
}

// KVServerCount returns the number of kv servers.
func (c *Configuration) KVServerCount() uint32 {
	return uint32(len(c.KVServers))
}

func splitServers(value string) []string {
	var servers []string

	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if _, _, err := net.SplitHostPort(entry); err != nil {
			entry = net.JoinHostPort(entry, strconv.Itoa(DefaultPort))
		}

		servers = append(servers, entry)
	}

	return servers
}
