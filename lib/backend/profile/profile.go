// Copyright 2026 The Strand Authors
// SPDX-License-Identifier: Apache-2.0

// Package profile provides parsing and validation for backend profile
// definitions. A profile names the command line, environment, and
// authentication markers for one launchable backend, authored on disk
// as JSONC files (JSON extended with comments and trailing commas).
//
// The typical flow:
//
//  1. LoadDir: read every *.jsonc file in the profile directory
//  2. Validate: structural checks (command required, auth markers
//     complete, durations parseable)
//  3. BackendConfig: profile → backend.Config for the adapter factory
package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/strandhq/strand/lib/backend"
)

// Auth holds the authentication handshake markers for assistant
// profiles. Markers are substring matches against ANSI-stripped
// output lines.
type Auth struct {
	// URLMarker precedes the verification URL on its output line.
	URLMarker string `json:"url_marker"`

	// SuccessMarker appears on the line confirming authentication.
	SuccessMarker string `json:"success_marker"`

	// FailureMarker appears on the line reporting rejection. Optional;
	// without it only the timeout ends a failed handshake.
	FailureMarker string `json:"failure_marker,omitempty"`

	// Timeout bounds the whole handshake, as a time.ParseDuration
	// string. Empty means the daemon default.
	Timeout string `json:"timeout,omitempty"`
}

// Profile describes one launchable backend.
type Profile struct {
	// Name identifies the profile. Derived from the filename by
	// LoadDir; a name given inside the file must match.
	Name string `json:"name,omitempty"`

	// Kind selects the adapter factory ("terminal", "assistant", or an
	// embedder-registered kind).
	Kind string `json:"kind"`

	// Command is the argv to launch, absolute or PATH-resolved.
	Command []string `json:"command"`

	// WorkingDirectory is the child's working directory. Empty means
	// the daemon's.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Env is extra environment for the child, merged over the daemon's
	// own environment.
	Env map[string]string `json:"env,omitempty"`

	// Rows and Cols are the initial PTY size for terminal profiles.
	// Zero means the adapter default.
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`

	// Auth configures the authentication handshake. Assistant profiles
	// only.
	Auth *Auth `json:"auth,omitempty"`
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result into a Profile.
func Parse(data []byte) (*Profile, error) {
	stripped := jsonc.ToJSON(data)

	var p Profile
	if err := json.Unmarshal(stripped, &p); err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}

	return &p, nil
}

// ReadFile reads a JSONC profile file from disk and parses it. The
// profile's Name is set from the filename when the file does not name
// itself.
func ReadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = NameFromPath(path)
	}

	return p, nil
}

// NameFromPath extracts a profile name from a file path by stripping
// the directory prefix and the file extension. For example,
// "profiles/codex.jsonc" returns "codex".
func NameFromPath(path string) string {
	base := filepath.Base(path)
	extension := filepath.Ext(base)
	return strings.TrimSuffix(base, extension)
}

// Validate checks a Profile for structural issues. Returns a list of
// human-readable issue descriptions. An empty list means the profile
// is valid.
func Validate(p *Profile) []string {
	var issues []string

	if p.Kind == "" {
		issues = append(issues, "kind is required")
	}
	if len(p.Command) == 0 {
		issues = append(issues, "command is required (at least the executable)")
	} else if p.Command[0] == "" {
		issues = append(issues, "command[0] (the executable) must be non-empty")
	}

	for name := range p.Env {
		if name == "" {
			issues = append(issues, "env: variable names must be non-empty")
		}
		if strings.ContainsRune(name, '=') {
			issues = append(issues, fmt.Sprintf("env[%q]: variable names must not contain '='", name))
		}
	}

	if p.Auth != nil {
		if p.Kind == "terminal" {
			issues = append(issues, "auth is only valid on assistant profiles")
		}
		if p.Auth.URLMarker == "" {
			issues = append(issues, "auth.url_marker is required when auth is configured")
		}
		if p.Auth.SuccessMarker == "" {
			issues = append(issues, "auth.success_marker is required when auth is configured")
		}
		if p.Auth.Timeout != "" {
			if _, err := time.ParseDuration(p.Auth.Timeout); err != nil {
				issues = append(issues, fmt.Sprintf("invalid auth.timeout %q: %v", p.Auth.Timeout, err))
			}
		}
	}

	if p.Kind == "assistant" && (p.Rows != 0 || p.Cols != 0) {
		issues = append(issues, "rows/cols are only valid on terminal profiles (assistants run without a PTY)")
	}

	return issues
}

// LoadDir reads and validates every *.jsonc profile under dir, keyed
// by profile name. A missing directory is not an error; it loads as an
// empty set.
func LoadDir(dir string) (map[string]*Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Profile{}, nil
		}
		return nil, fmt.Errorf("reading profile directory: %w", err)
	}

	profiles := make(map[string]*Profile)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonc" {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		p, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		if p.Name != NameFromPath(path) {
			return nil, fmt.Errorf("%s: profile names itself %q but the filename implies %q", path, p.Name, NameFromPath(path))
		}
		if issues := Validate(p); len(issues) > 0 {
			return nil, fmt.Errorf("%s: invalid profile: %s", path, strings.Join(issues, "; "))
		}

		profiles[p.Name] = p
	}

	return profiles, nil
}

// DefaultTerminal is the profile used for terminal sessions created
// without naming one: the user's shell, falling back to /bin/sh.
func DefaultTerminal() *Profile {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Profile{
		Name:    "default",
		Kind:    "terminal",
		Command: []string{shell, "-i"},
	}
}

// BackendConfig translates the profile into adapter launch
// configuration. Auth.Timeout must already be validated; an
// unparseable duration falls back to the adapter default.
func (p *Profile) BackendConfig() backend.Config {
	cfg := backend.Config{
		Command:          append([]string(nil), p.Command...),
		WorkingDirectory: p.WorkingDirectory,
		ExtraEnv:         envList(p.Env),
		InitialRows:      p.Rows,
		InitialCols:      p.Cols,
	}
	if p.Auth != nil {
		auth := &backend.AuthConfig{
			URLMarker:     p.Auth.URLMarker,
			SuccessMarker: p.Auth.SuccessMarker,
			FailureMarker: p.Auth.FailureMarker,
		}
		if p.Auth.Timeout != "" {
			if timeout, err := time.ParseDuration(p.Auth.Timeout); err == nil {
				auth.Timeout = timeout
			}
		}
		cfg.Auth = auth
	}
	return cfg
}

// envList flattens an environment map into sorted KEY=VALUE form for
// exec.Cmd.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	list := make([]string, 0, len(env))
	for name, value := range env {
		list = append(list, name+"="+value)
	}
	sort.Strings(list)
	return list
}
