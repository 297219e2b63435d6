package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models closeline.yml. It is resolved once at the process boundary
// and passed into the engine; the generation algorithm never reads settings
// ad hoc.
type Config struct {
	Org struct {
		ID      string   `yaml:"id"`
		Country string   `yaml:"country"`
		Weekend []string `yaml:"weekend"`
	} `yaml:"org"`
	RACI struct {
		Overrides    map[string]string            `yaml:"overrides"`
		Departments  map[string]map[string]string `yaml:"departments"`
		FallbackUser string                       `yaml:"fallback_user"`
	} `yaml:"raci"`
	Notifiers []NotifierConfig    `yaml:"notifiers"`
	RBAC      struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
}

type NotifierConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cl org config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Org.ID == "" {
		return fmt.Errorf("config.org.id is required")
	}
	if c.Org.Country == "" {
		return fmt.Errorf("config.org.country is required")
	}
	for _, day := range c.Org.Weekend {
		if _, err := parseWeekday(day); err != nil {
			return err
		}
	}
	for binding, user := range c.RACI.Overrides {
		if binding == "" {
			return fmt.Errorf("config.raci.overrides contains empty binding key")
		}
		if user == "" {
			return fmt.Errorf("raci override for %s has empty user", binding)
		}
	}
	for dept, roles := range c.RACI.Departments {
		if dept == "" {
			return fmt.Errorf("config.raci.departments contains empty department")
		}
		for role := range roles {
			if role == "" {
				return fmt.Errorf("department %s has empty role name", dept)
			}
		}
	}
	for i, n := range c.Notifiers {
		if strings.TrimSpace(n.URL) == "" {
			return fmt.Errorf("notifier %d has empty url", i)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["controller"]; !ok {
			return fmt.Errorf("config.rbac.roles must include controller")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// WeekendDays returns the weekend rule as weekdays, defaulting to Sat/Sun.
func (c *Config) WeekendDays() map[time.Weekday]bool {
	if len(c.Org.Weekend) == 0 {
		return map[time.Weekday]bool{time.Saturday: true, time.Sunday: true}
	}
	out := make(map[time.Weekday]bool, len(c.Org.Weekend))
	for _, name := range c.Org.Weekend {
		if wd, err := parseWeekday(name); err == nil {
			out[wd] = true
		}
	}
	return out
}

func parseWeekday(name string) (time.Weekday, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q in config.org.weekend", name)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "closeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	var cfg Config
	cfg.Org.ID = orgID
	cfg.Org.Country = "PH"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
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

const defaultTemplate = `org:
  id: %s
  country: PH
  weekend: [saturday, sunday]

raci:
  overrides: {}
  departments:
    finance:
      controller: ""
      staff: ""
  fallback_user: ""

rbac:
  roles:
    controller:
      description: "Owns the close; may fast-track and cancel"
      permissions: [instance.transition, instance.fast_track, instance.cancel, generation.run, calendar.publish, template.import]
    preparer:
      description: "Prepares close tasks"
      permissions: [instance.transition]
    reviewer:
      description: "Reviews and approves close tasks"
      permissions: [instance.transition]
`
