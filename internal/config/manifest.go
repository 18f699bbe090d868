// Package config loads the kiruna service manifest: a UTF-8 JSON file
// describing the services to run, the registration store and the log sinks.
// Loading expands ${variable} references, merges global defaults under every
// service entry and validates the result. A manifest that fails to load
// aborts the configuration change that requested it and nothing else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"kiruna/internal/constants"
)

// Manager handles manifest loading and validation
type Manager struct {
	Path     string
	Manifest *Manifest
}

// New creates a manager resolving the manifest path from KIRUNA_CONF or the
// working directory.
func New() *Manager {
	path := os.Getenv(constants.ConfigEnvVar)
	if path == "" {
		path = constants.DefaultConfigFile
	}
	return &Manager{Path: path}
}

// Load reads and parses the manifest, replacing the manager's current one on
// success. On failure the previous manifest stays in place.
func (m *Manager) Load() error {
	manifest, err := LoadFile(m.Path)
	if err != nil {
		return err
	}
	m.Manifest = manifest
	return nil
}

// Manifest is the parsed, expanded and validated service manifest.
type Manifest struct {
	Variables    map[string]string
	Services     map[string]*ServiceSpec
	Registration *Registration
	Logging      Logging
	Status       Status
}

// ServiceSpec is the immutable description of one desired service.
type ServiceSpec struct {
	Name            string              `json:"-"`
	Image           string              `json:"Image"`
	Tag             string              `json:"Tag"`
	Registry        string              `json:"Registry,omitempty"`
	Scale           int                 `json:"Scale,omitempty"`
	Enabled         *bool               `json:"Enabled,omitempty"`
	HardDeploy      bool                `json:"HardDeploy,omitempty"`
	Dependencies    []string            `json:"Dependencies,omitempty"`
	Ports           map[string]HostPort `json:"Ports,omitempty"`
	PublishAllPorts bool                `json:"PublishAllPorts,omitempty"`
	Expose          []string            `json:"Expose,omitempty"`
	Environment     map[string]string   `json:"Environment,omitempty"`
	Volumes         map[string]string   `json:"Volumes,omitempty"`
	Cmd             []string            `json:"Cmd,omitempty"`
	Health          []ProbeSpec         `json:"Health,omitempty"`
	SettleTimeoutMs int                 `json:"SettleTimeoutMs,omitempty"`
	Register        *bool               `json:"Register,omitempty"`
}

// ImageRef returns the image:tag reference the service runs.
func (s *ServiceSpec) ImageRef() string {
	return s.Image + ":" + s.Tag
}

// IsEnabled reports whether the service should be reconciled. Defaults true.
func (s *ServiceSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// DoRegister reports whether endpoints are published. Defaults true.
func (s *ServiceSpec) DoRegister() bool {
	return s.Register == nil || *s.Register
}

// SettleTimeout returns the configured settle delay before the previous
// generation is retired.
func (s *ServiceSpec) SettleTimeout() time.Duration {
	return time.Duration(s.SettleTimeoutMs) * time.Millisecond
}

// HostPort is a host-side port binding. A bare number binds the port on all
// interfaces implicitly; a "port" string binds 0.0.0.0 explicitly; an
// "ip:port" string binds one interface.
type HostPort struct {
	Ip   string
	Port string
}

// UnmarshalJSON accepts both numeric and string port specs.
func (h *HostPort) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("empty port spec")
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*h = SplitHostPort(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid port spec %s: %w", string(b), err)
	}
	*h = HostPort{Port: n.String()}
	return nil
}

// MarshalJSON renders the binding back to its string form.
func (h HostPort) MarshalJSON() ([]byte, error) {
	if h.Ip == "" {
		return json.Marshal(h.Port)
	}
	return json.Marshal(h.Ip + ":" + h.Port)
}

// SplitHostPort parses a string host-port spec. "1.2.3.4:80" binds one
// interface; "80" binds 0.0.0.0.
func SplitHostPort(s string) HostPort {
	if i := strings.Index(s, ":"); i >= 0 {
		return HostPort{Ip: s[:i], Port: s[i+1:]}
	}
	return HostPort{Ip: "0.0.0.0", Port: s}
}

// ProbeSpec describes one health probe. Only HTTP probes are understood;
// other kinds pass through as healthy.
type ProbeSpec struct {
	Http *HttpProbe `json:"Http,omitempty"`
}

// HttpProbe is an HTTP GET health probe against a published container port.
type HttpProbe struct {
	Port     string `json:"Port"`
	Ip       string `json:"Ip,omitempty"`
	Path     string `json:"Path,omitempty"`
	Protocol string `json:"Protocol,omitempty"`
}

// Registration configures the endpoint registry.
type Registration struct {
	Ip        string   `json:"Ip"`
	Prefix    string   `json:"Prefix,omitempty"`
	Ttl       int      `json:"Ttl,omitempty"`
	Endpoints []string `json:"Endpoints,omitempty"`
}

// TTL returns the key lifetime, defaulted when unset.
func (r *Registration) TTL() time.Duration {
	if r == nil || r.Ttl <= 0 {
		return constants.DefaultRegistrationTTL
	}
	return time.Duration(r.Ttl) * time.Second
}

// Logging configures the process log sinks.
type Logging struct {
	Console struct {
		Level string `json:"Level,omitempty"`
	} `json:"Console"`
	Loggly *LogglyConfig `json:"Loggly,omitempty"`
}

// LogglyConfig configures the optional Loggly sink.
type LogglyConfig struct {
	Level     string   `json:"Level,omitempty"`
	SubDomain string   `json:"SubDomain,omitempty"`
	Token     string   `json:"Token"`
	Tags      []string `json:"Tags,omitempty"`
}

// Status configures the HTTP status endpoint.
type Status struct {
	Port int `json:"Port,omitempty"`
}

// StatusPort returns the configured status port or the default.
func (s Status) StatusPort() int {
	if s.Port > 0 {
		return s.Port
	}
	return constants.DefaultStatusPort
}

// LoadFile reads, expands and validates the manifest at path.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands and validates raw manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	vars, err := resolveVariables(raw)
	if err != nil {
		return nil, err
	}

	expanded, err := ExpandValue(raw, vars)
	if err != nil {
		return nil, err
	}

	doc, ok := expanded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("manifest root must be an object")
	}

	mergeDefaults(doc)

	// Re-encode the expanded document into the typed manifest.
	buf, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode manifest: %w", err)
	}

	manifest := &Manifest{Variables: vars}
	if err := json.Unmarshal(buf, manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	if err := manifest.normalize(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// mergeDefaults copies every key of the top-level Defaults object under each
// service entry that does not set it. Service keys always win.
func mergeDefaults(doc map[string]interface{}) {
	defaults, _ := doc["Defaults"].(map[string]interface{})
	services, _ := doc["Services"].(map[string]interface{})
	if len(defaults) == 0 || len(services) == 0 {
		delete(doc, "Defaults")
		return
	}

	for _, v := range services {
		entry, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		for key, dv := range defaults {
			if _, set := entry[key]; !set {
				entry[key] = dv
			}
		}
	}
	delete(doc, "Defaults")
}

// normalize fills names and defaults and validates the service set.
func (m *Manifest) normalize() error {
	if len(m.Services) == 0 {
		return fmt.Errorf("manifest declares no services")
	}

	for name, spec := range m.Services {
		spec.Name = name
		if spec.Scale == 0 {
			spec.Scale = constants.DefaultScale
		}
		if err := spec.validate(); err != nil {
			return err
		}
		for _, dep := range spec.Dependencies {
			depName := dep
			if i := strings.Index(dep, ":"); i >= 0 {
				depName = dep[:i]
			}
			if _, ok := m.Services[depName]; !ok {
				return fmt.Errorf("service %s depends on unknown service %s", name, depName)
			}
		}
	}
	return nil
}

func (s *ServiceSpec) validate() error {
	if s.Image == "" {
		return fmt.Errorf("service %s: Image is required", s.Name)
	}
	if s.Tag == "" {
		return fmt.Errorf("service %s: Tag is required", s.Name)
	}
	if s.Scale < 1 {
		return fmt.Errorf("service %s: Scale must be at least 1, got %d", s.Name, s.Scale)
	}
	return nil
}
