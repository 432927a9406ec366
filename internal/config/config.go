// Package config holds the ServerConfig surface consumed by the session
// engine and the loaders that build one: a CLI-flag layer (wired in
// cmd/ttyd-server) and an optional on-disk YAML defaults file, with a
// "file holds defaults, flags override" split.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// WSPath is the fixed WebSocket endpoint path.
const WSPath = "/ws"

// WSProtocol is the fixed WebSocket sub-protocol name.
const WSProtocol = "tty"

// ServerConfig is immutable for the lifetime of the process once built.
// Construct one with Build, never mutate a shared instance afterward.
type ServerConfig struct {
	Argv []string // argv[0] is the executable

	Credential  string // empty means no auth required
	Readonly    bool
	CheckOrigin bool
	Once        bool
	MaxClients  int // 0 means unlimited

	SigCode int    // signal number sent to the child on teardown
	SigName string // human-readable name, for logging only

	Reconnect int    // seconds hint sent to the client
	PrefsJSON []byte // opaque JSON blob forwarded verbatim

	// GraceTimeoutSeconds bounds how long Terminate waits after SigCode
	// before escalating to SIGKILL.
	GraceTimeoutSeconds int

	// MaxRxBytes caps the inbound fragment-reassembly buffer per
	// session. 0 falls back to a built-in default.
	MaxRxBytes int
}

// FileDefaults is the shape of the optional on-disk YAML defaults file.
type FileDefaults struct {
	Command             []string `yaml:"command,omitempty"`
	CredentialFile      string   `yaml:"credential_file,omitempty"`
	Readonly            bool     `yaml:"readonly,omitempty"`
	CheckOrigin         bool     `yaml:"check_origin,omitempty"`
	Once                bool     `yaml:"once,omitempty"`
	MaxClients          int      `yaml:"max_clients,omitempty"`
	SigName             string   `yaml:"sig_name,omitempty"`
	Reconnect           int      `yaml:"reconnect,omitempty"`
	PrefsFile           string   `yaml:"prefs_file,omitempty"`
	GraceTimeoutSeconds int      `yaml:"grace_timeout_seconds,omitempty"`
	MaxRxBytes          int      `yaml:"max_rx_bytes,omitempty"`
}

var credentialFileMu sync.RWMutex

// LoadFile reads a YAML defaults file. A missing file is not an error;
// it returns a zero-value FileDefaults so callers can layer flags on top
// unconditionally.
func LoadFile(path string) (*FileDefaults, error) {
	if path == "" {
		return &FileDefaults{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileDefaults{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fd FileDefaults
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &fd, nil
}

// SaveFile writes defaults back to disk, for tooling that generates a
// starter config.
func SaveFile(path string, fd *FileDefaults) error {
	data, err := yaml.Marshal(fd)
	if err != nil {
		return fmt.Errorf("marshal config file: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// LoadCredentialFile reads a shared-secret file: the first non-empty,
// non-comment line is the credential.
func LoadCredentialFile(path string) (string, error) {
	credentialFileMu.RLock()
	defer credentialFileMu.RUnlock()

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open credential file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("credential file %s has no credential line", path)
}

const (
	defaultGraceTimeoutSeconds = 2
	defaultMaxRxBytes          = 1 << 20 // 1 MiB
)

// Build assembles a ServerConfig from already-resolved values (the
// caller layers CLI flags over file defaults). A graceTimeoutSeconds or
// maxRxBytes at or below zero falls back to the built-in default; an
// empty argv is an error.
func Build(argv []string, credential string, readonly, checkOrigin, once bool, maxClients, sigCode int, sigName string, reconnect int, prefsJSON []byte, graceTimeoutSeconds, maxRxBytes int) (*ServerConfig, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("argv must not be empty")
	}
	if graceTimeoutSeconds <= 0 {
		graceTimeoutSeconds = defaultGraceTimeoutSeconds
	}
	if maxRxBytes <= 0 {
		maxRxBytes = defaultMaxRxBytes
	}
	return &ServerConfig{
		Argv:                argv,
		Credential:          credential,
		Readonly:            readonly,
		CheckOrigin:         checkOrigin,
		Once:                once,
		MaxClients:          maxClients,
		SigCode:             sigCode,
		SigName:             sigName,
		Reconnect:           reconnect,
		PrefsJSON:           prefsJSON,
		GraceTimeoutSeconds: graceTimeoutSeconds,
		MaxRxBytes:          maxRxBytes,
	}, nil
}
