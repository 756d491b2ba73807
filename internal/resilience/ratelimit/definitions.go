package ratelimit

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeUser     Scope = "user"
	ScopeIP       Scope = "ip"
	ScopeEndpoint Scope = "endpoint"
	ScopeCustom   Scope = "custom"
)

// Definition is static configuration for one named limit.
type Definition struct {
	Name          string `yaml:"name" json:"name" validate:"required,max=64,excludesall=0x7C"`
	Scope         Scope  `yaml:"scope" json:"scope" validate:"required,oneof=global user ip endpoint custom"`
	MaxRequests   int    `yaml:"max_requests" json:"max_requests" validate:"required,min=1"`
	WindowSeconds int    `yaml:"window_seconds" json:"window_seconds" validate:"required,min=1"`
}

func (d Definition) Window() time.Duration {
	return time.Duration(d.WindowSeconds) * time.Second
}

// RequestContext carries the caller attributes a scope may key on.
type RequestContext struct {
	UserID    string `json:"user_id,omitempty"`
	IP        string `json:"ip,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	CustomKey string `json:"custom_key,omitempty"`
}

// Identifier resolves the counter key for scope. Empty means the caller did
// not supply what the scope needs.
func (rc RequestContext) Identifier(scope Scope) string {
	switch scope {
	case ScopeGlobal:
		return "global"
	case ScopeUser:
		return strings.TrimSpace(rc.UserID)
	case ScopeIP:
		return strings.TrimSpace(rc.IP)
	case ScopeEndpoint:
		return strings.TrimSpace(rc.Endpoint)
	case ScopeCustom:
		return strings.TrimSpace(rc.CustomKey)
	default:
		return ""
	}
}

func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: "api_default", Scope: ScopeUser, MaxRequests: 100, WindowSeconds: 60},
		{Name: "auth_login", Scope: ScopeIP, MaxRequests: 10, WindowSeconds: 300},
		{Name: "email_send", Scope: ScopeUser, MaxRequests: 50, WindowSeconds: 3600},
		{Name: "sms_send", Scope: ScopeUser, MaxRequests: 20, WindowSeconds: 3600},
		{Name: "webhook_inbound", Scope: ScopeEndpoint, MaxRequests: 1000, WindowSeconds: 60},
		{Name: "oauth_refresh", Scope: ScopeUser, MaxRequests: 10, WindowSeconds: 600},
		{Name: "automation_global", Scope: ScopeGlobal, MaxRequests: 5000, WindowSeconds: 60},
	}
}

type definitionsFile struct {
	Limits []Definition `yaml:"limits"`
}

// LoadDefinitions reads a YAML file of the form `limits: [...]` and merges it
// over the built-in defaults by name. An empty path returns the defaults.
func LoadDefinitions(path string) ([]Definition, error) {
	defs := DefaultDefinitions()
	path = strings.TrimSpace(path)
	if path == "" {
		return defs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limits %s: %w", path, err)
	}
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rate limits %s: %w", path, err)
	}
	merged := MergeDefinitions(defs, file.Limits)
	if err := ValidateDefinitions(merged); err != nil {
		return nil, fmt.Errorf("rate limits %s: %w", path, err)
	}
	return merged, nil
}

// MergeDefinitions overlays extra onto base; entries with the same name replace.
func MergeDefinitions(base, extra []Definition) []Definition {
	byName := make(map[string]Definition, len(base)+len(extra))
	for _, d := range base {
		byName[d.Name] = d
	}
	for _, d := range extra {
		byName[strings.TrimSpace(d.Name)] = d
	}
	out := make([]Definition, 0, len(byName))
	for _, d := range byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var validate = validator.New()

func ValidateDefinitions(defs []Definition) error {
	seen := map[string]bool{}
	for _, d := range defs {
		if err := validate.Struct(d); err != nil {
			return fmt.Errorf("definition %q: %w", d.Name, err)
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate definition %q", d.Name)
		}
		seen[d.Name] = true
	}
	return nil
}
