package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"actionline/internal/domain"
)

const (
	DefaultMaxActions    = 4
	DefaultAuditCapacity = 1000
	DefaultKind          = "standard"
	DefaultApprovalCap   = "canApproveActions"
	DefaultBusyTimeout   = 5 * time.Second
	DefaultSynchronous   = "NORMAL"
)

// Config models actionline.yml.
type Config struct {
	Catalog struct {
		MaxActions int                                  `yaml:"max_actions"`
		Screens    map[string][]domain.ActionDefinition `yaml:"screens"`
	} `yaml:"catalog"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Approval struct {
		Capability string `yaml:"capability"`
	} `yaml:"approval"`
	Kinds map[string]KindProfile `yaml:"kinds"`
	Audit struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"audit"`
	Archive ArchiveConfig `yaml:"archive"`
	Notices struct {
		Webhooks []WebhookConfig `yaml:"webhooks"`
	} `yaml:"notices"`
}

type RBACRole struct {
	Description  string   `yaml:"description"`
	Capabilities []string `yaml:"capabilities"`
}

// KindProfile describes how actions of one kind behave when simulated.
type KindProfile struct {
	Latency      time.Duration  `yaml:"latency"`
	ActivityType string         `yaml:"activity_type"`
	Result       map[string]any `yaml:"result"`
}

// ArchiveConfig tunes the SQLite archive under .actionline/.
type ArchiveConfig struct {
	BusyTimeout time.Duration `yaml:"busy_timeout"`
	Synchronous string        `yaml:"synchronous"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with al config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Catalog.MaxActions < 1 {
		return fmt.Errorf("config.catalog.max_actions must be at least 1")
	}
	if c.Audit.Capacity < 1 {
		return fmt.Errorf("config.audit.capacity must be at least 1")
	}
	if c.Approval.Capability == "" {
		return fmt.Errorf("config.approval.capability is required")
	}
	if c.Archive.BusyTimeout < 0 {
		return fmt.Errorf("config.archive.busy_timeout must not be negative")
	}
	switch c.Archive.Synchronous {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return fmt.Errorf("config.archive.synchronous must be one of OFF, NORMAL, FULL, EXTRA")
	}
	for roleID, role := range c.RBAC.Roles {
		if roleID == "" {
			return fmt.Errorf("config.rbac.roles contains empty role id")
		}
		for _, capability := range role.Capabilities {
			if capability == "" {
				return fmt.Errorf("role %s has empty capability", roleID)
			}
		}
	}
	for name, kind := range c.Kinds {
		if kind.Latency < 0 {
			return fmt.Errorf("kind %s has negative latency", name)
		}
		if kind.ActivityType != "" && !validActivityType(kind.ActivityType) {
			return fmt.Errorf("kind %s has unknown activity type %s", name, kind.ActivityType)
		}
	}
	for scope, defs := range c.Catalog.Screens {
		if scope == "" {
			return fmt.Errorf("config.catalog.screens contains empty scope")
		}
		seen := map[string]bool{}
		for _, def := range defs {
			if def.ID == "" {
				return fmt.Errorf("screen %s has action with empty id", scope)
			}
			if seen[def.ID] {
				return fmt.Errorf("screen %s has duplicate action %s", scope, def.ID)
			}
			seen[def.ID] = true
			if def.RequiredCapability == "" {
				return fmt.Errorf("action %s in screen %s has no capability", def.ID, scope)
			}
			if def.Kind != "" && len(c.Kinds) > 0 {
				if _, ok := c.Kinds[def.Kind]; !ok {
					return fmt.Errorf("action %s references unknown kind %s", def.ID, def.Kind)
				}
			}
			if def.ActivityType != "" && !validActivityType(def.ActivityType) {
				return fmt.Errorf("action %s has unknown activity type %s", def.ID, def.ActivityType)
			}
		}
	}
	for i, hook := range c.Notices.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notices.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.notices.webhooks[%d].timeout_seconds must be positive", i)
		}
	}
	return nil
}

// ScreenNames returns the configured scopes in sorted order.
func (c *Config) ScreenNames() []string {
	names := make([]string, 0, len(c.Catalog.Screens))
	for name := range c.Catalog.Screens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoleCapabilities flattens rbac.roles into role -> capabilities.
func (c *Config) RoleCapabilities() map[string][]string {
	out := make(map[string][]string, len(c.RBAC.Roles))
	for id, role := range c.RBAC.Roles {
		out[id] = append([]string(nil), role.Capabilities...)
	}
	return out
}

func (c *Config) applyDefaults() {
	if c.Catalog.MaxActions == 0 {
		c.Catalog.MaxActions = DefaultMaxActions
	}
	if c.Audit.Capacity == 0 {
		c.Audit.Capacity = DefaultAuditCapacity
	}
	if c.Approval.Capability == "" {
		c.Approval.Capability = DefaultApprovalCap
	}
	if c.Archive.BusyTimeout == 0 {
		c.Archive.BusyTimeout = DefaultBusyTimeout
	}
	if c.Archive.Synchronous == "" {
		c.Archive.Synchronous = DefaultSynchronous
	}
	for scope, defs := range c.Catalog.Screens {
		for i := range defs {
			defs[i].ScreenScope = scope
		}
	}
}

func validActivityType(t string) bool {
	for _, known := range domain.ActivityTypes {
		if known == t {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "actionline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in clinic configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	cfg.applyDefaults()
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `catalog:
  max_actions: 4
  screens:
    agenda:
      - id: optimize-schedule
        label: "Optimize today's schedule"
        capability: canUseAIActions
        priority: 1
        kind: schedule
      - id: send-reminders
        label: "Send appointment reminders"
        capability: canModifySchedules
        priority: 2
        kind: notification
      - id: fill-cancellations
        label: "Fill cancelled slots from waitlist"
        capability: canModifySchedules
        priority: 3
        kind: schedule
      - id: configure-agenda-rules
        label: "Configure agenda rules"
        capability: canConfigureSystem
        priority: 4
        kind: standard
        activity_type: schedule
    patients:
      - id: generate-medical-summary
        label: "Generate medical summary"
        capability: canUseAIActions
        priority: 1
        kind: heavy
      - id: transcribe-consultation
        label: "Transcribe last consultation"
        capability: canUseAIActions
        priority: 2
        kind: transcription
      - id: schedule-follow-up
        label: "Schedule follow-up visit"
        capability: canModifySchedules
        priority: 3
        kind: schedule
        activity_type: follow-up
      - id: create-referral
        label: "Create specialist referral"
        capability: canManagePatients
        priority: 4
        kind: standard
        activity_type: referral
        requires_approval: true
      - id: start-intake
        label: "Start intake questionnaire"
        capability: canManagePatients
        priority: 5
        kind: standard
        activity_type: intake
    messages:
      - id: call-patient
        label: "Call patient back"
        capability: canManagePatients
        priority: 1
        kind: call
      - id: send-reminders
        label: "Send appointment reminders"
        capability: canModifySchedules
        priority: 2
        kind: notification
      - id: broadcast-clinic-notice
        label: "Broadcast notice to today's patients"
        capability: canConfigureSystem
        priority: 3
        kind: notification
        requires_approval: true
    dashboard:
      - id: purge-stale-waitlist
        label: "Purge stale waitlist entries"
        capability: canConfigureSystem
        priority: 1
        kind: standard
        activity_type: schedule
        requires_approval: true
      - id: generate-daily-briefing
        label: "Generate daily briefing"
        capability: canUseAIActions
        priority: 2
        kind: heavy

rbac:
  roles:
    Admin:
      description: "Clinic administrator"
      capabilities: [canUseAIActions, canModifySchedules, canConfigureSystem, canManagePatients, canApproveActions, canViewAuditLogs]
    Doctor:
      description: "Attending physician"
      capabilities: [canUseAIActions, canModifySchedules]
    Nurse:
      description: "Nursing staff"
      capabilities: [canUseAIActions, canManagePatients]
    Receptionist:
      description: "Front desk"
      capabilities: [canModifySchedules, canManagePatients]

approval:
  capability: canApproveActions

kinds:
  notification:
    latency: 400ms
    activity_type: reminder
    result:
      messages_sent: 12
  schedule:
    latency: 900ms
    activity_type: schedule
    result:
      slots_reviewed: 24
      changes_proposed: 3
  heavy:
    latency: 2500ms
    activity_type: summary
    result:
      pages: 3
      sources_consulted: 5
  transcription:
    latency: 3500ms
    activity_type: transcription
    result:
      minutes_processed: 18
  call:
    latency: 1200ms
    activity_type: call
    result:
      calls_placed: 1
  standard:
    latency: 600ms
    activity_type: intake
    result: {}

audit:
  capacity: 1000

archive:
  busy_timeout: 5s
  synchronous: NORMAL
`
