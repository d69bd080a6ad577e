// internal/config/loader.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/colebrumley/reactor/internal/model"
)

const (
	DefaultConfigPath   = "/etc/reactor/config.yaml"
	DefaultContentDir   = "/etc/reactor/packs"
	DefaultDatabasePath = "/var/lib/reactor/reactor.db"
)

// Environment overrides.
const (
	EnvConfig       = "REACTOR_CONFIG"
	EnvContentDir   = "REACTOR_CONTENT_DIR"
	EnvDatabasePath = "REACTOR_DATABASE_PATH"
	EnvPostgresDSN  = "REACTOR_POSTGRES_DSN"
	EnvNATSURL      = "REACTOR_NATS_URL"
	EnvLogLevel     = "REACTOR_LOG_LEVEL"
)

// Content subdirectories of a pack.
const (
	dirActions  = "actions"
	dirRules    = "rules"
	dirPolicies = "policies"
	dirTriggers = "triggers"
)

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables already set. Missing files
// are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// ConfigPath returns the config file named by REACTOR_CONFIG, or the
// default location.
func ConfigPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads .env, the YAML config at path (when it exists) and the
// REACTOR_* environment, and validates the result.
func Load(path string) (*Global, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	if path == "" {
		path = ConfigPath()
	}

	var cfg *Global
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg = &Global{}
	} else {
		loaded, err := readGlobal(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	applyEnv(cfg)
	applyGlobalDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadGlobal loads the global configuration from a YAML file
func LoadGlobal(path string) (*Global, error) {
	cfg, err := readGlobal(path)
	if err != nil {
		return nil, err
	}
	applyGlobalDefaults(cfg)
	return cfg, nil
}

func readGlobal(path string) (*Global, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Global
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Global) {
	if v := os.Getenv(EnvContentDir); v != "" {
		cfg.Content.Dir = v
	}
	if v := os.Getenv(EnvDatabasePath); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv(EnvPostgresDSN); v != "" {
		cfg.Database.Driver = DriverPostgres
		cfg.Database.DSN = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		cfg.Bus.Driver = BusNATS
		cfg.Bus.NATSURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Logging.Level = v
	}
}

func applyGlobalDefaults(cfg *Global) {
	setString(&cfg.Database.Driver, DriverSQLite)
	setString(&cfg.Database.Path, DefaultDatabasePath)

	setString(&cfg.Logging.Format, "json")
	setString(&cfg.Logging.Level, "info")
	setInt(&cfg.Logging.MaxSizeMB, 50)
	setInt(&cfg.Logging.MaxFiles, 5)

	setInt(&cfg.Reactor.PoolSize, 8)

	setInt(&cfg.Scheduler.PoolSize, 10)
	setDuration(&cfg.Scheduler.SleepInterval, 100*time.Millisecond)
	setDuration(&cfg.Scheduler.GCInterval, 10*time.Second)
	setDuration(&cfg.Scheduler.SchedulingTimeout, 5*time.Minute)
	setInt(&cfg.Scheduler.RetryMaxAttempt, 10)
	setDuration(&cfg.Scheduler.RetryWait, 250*time.Millisecond)
	setDuration(&cfg.Scheduler.DelayedReschedule, 2500*time.Millisecond)
	setDuration(&cfg.Scheduler.HandledRetention, 24*time.Hour)

	setInt(&cfg.Runner.PoolSize, 4)
	setDuration(&cfg.Runner.DefaultTimeout, 10*time.Minute)
	setDuration(&cfg.Runner.CancelPollInterval, time.Second)
	setString(&cfg.Runner.Shell, "/bin/sh")
	setString(&cfg.Runner.ClaudeCommand, "claude")

	setString(&cfg.Bus.Driver, BusMemory)
	setString(&cfg.Bus.Subject, "reactor.trigger_instances")
	setString(&cfg.Bus.QueueGroup, "reactor-engine")
	setInt(&cfg.Bus.Buffer, 1024)

	setString(&cfg.HTTP.Address, "127.0.0.1")
	setInt(&cfg.HTTP.Port, 9876)

	setString(&cfg.Retention.Schedule, "@hourly")

	setString(&cfg.Content.Dir, DefaultContentDir)

	setString(&cfg.ClaudeDefaults.Model, "sonnet")
	setString(&cfg.ClaudeDefaults.PermissionMode, "default")
}

func setString(p *string, def string) {
	if *p == "" {
		*p = def
	}
}

func setInt(p *int, def int) {
	if *p <= 0 {
		*p = def
	}
}

func setDuration(p *time.Duration, def time.Duration) {
	if *p <= 0 {
		*p = def
	}
}

// Validate reports every invalid setting.
func (cfg *Global) Validate() error {
	var errs []error
	switch cfg.Database.Driver {
	case DriverSQLite:
		if cfg.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case DriverPostgres:
		if cfg.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, cfg.Database.Driver))
	}
	switch cfg.Bus.Driver {
	case BusMemory:
	case BusNATS:
		if cfg.Bus.NATSURL == "" {
			errs = append(errs, errors.New("bus.nats_url is required for nats"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.driver must be %q or %q, got %q", BusMemory, BusNATS, cfg.Bus.Driver))
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format))
	}
	if cfg.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d is out of range", cfg.HTTP.Port))
	}
	return errors.Join(errs...)
}

// ListenAddress joins the HTTP address and port.
func (cfg *Global) ListenAddress() string {
	return cfg.HTTP.Address + ":" + strconv.Itoa(cfg.HTTP.Port)
}

// LoadContent loads every pack directory under dir. Each immediate
// subdirectory is a pack named after it.
func LoadContent(dir string) (*Content, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading content directory: %w", err)
	}

	content := &Content{}
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		pack, err := LoadPack(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		content.Packs = append(content.Packs, pack)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return content, nil
}

// LoadPack loads the actions, rules, policies and trigger types of one
// pack directory.
func LoadPack(dir string) (*Pack, error) {
	pack := &Pack{Name: filepath.Base(dir), Dir: dir}
	var errs []error

	errs = append(errs, loadDir(filepath.Join(dir, dirActions), func(path string) error {
		a := &model.Action{Enabled: true}
		if err := decodeFile(path, a); err != nil {
			return err
		}
		if err := bindPack(pack.Name, &a.Pack, a.Name); err != nil {
			return err
		}
		a.Ref = model.Ref(a.Pack, a.Name)
		if err := ValidateAction(a); err != nil {
			return err
		}
		pack.Actions = append(pack.Actions, a)
		return nil
	}))

	errs = append(errs, loadDir(filepath.Join(dir, dirRules), func(path string) error {
		r := &model.Rule{Enabled: true}
		if err := decodeFile(path, r); err != nil {
			return err
		}
		if err := bindPack(pack.Name, &r.Pack, r.Name); err != nil {
			return err
		}
		r.Ref = model.Ref(r.Pack, r.Name)
		if err := ValidateRule(r); err != nil {
			return err
		}
		pack.Rules = append(pack.Rules, r)
		return nil
	}))

	errs = append(errs, loadDir(filepath.Join(dir, dirPolicies), func(path string) error {
		p := &model.Policy{Enabled: true}
		if err := decodeFile(path, p); err != nil {
			return err
		}
		if err := bindPack(pack.Name, &p.Pack, p.Name); err != nil {
			return err
		}
		p.Ref = model.Ref(p.Pack, p.Name)
		if err := ValidatePolicy(p); err != nil {
			return err
		}
		pack.Policies = append(pack.Policies, p)
		return nil
	}))

	errs = append(errs, loadDir(filepath.Join(dir, dirTriggers), func(path string) error {
		tt := &model.TriggerType{}
		if err := decodeFile(path, tt); err != nil {
			return err
		}
		if err := bindPack(pack.Name, &tt.Pack, tt.Name); err != nil {
			return err
		}
		if tt.Name == "" {
			return errors.New("trigger type name is required")
		}
		tt.Ref = model.Ref(tt.Pack, tt.Name)
		pack.TriggerTypes = append(pack.TriggerTypes, tt)
		return nil
	}))

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pack %s: %w", pack.Name, err)
	}
	return pack, nil
}

// loadDir calls fn for each YAML file in dir, in name order. A missing
// directory holds nothing.
func loadDir(dir string, fn func(path string) error) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !IsContentFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := fn(filepath.Join(dir, name)); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", filepath.Base(dir), name, err))
		}
	}
	return errors.Join(errs...)
}

// IsContentFile reports whether name is a YAML content file.
func IsContentFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}

func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parsing file: %w", err)
	}
	return nil
}

// bindPack defaults *field to the directory's pack and rejects content
// that claims another pack.
func bindPack(pack string, field *string, name string) error {
	if *field == "" {
		*field = pack
		return nil
	}
	if *field != pack {
		return fmt.Errorf("%s declares pack %q but lives in pack %q", name, *field, pack)
	}
	return nil
}

// ValidateRule checks a rule for structural problems.
func ValidateRule(r *model.Rule) error {
	if r.Name == "" {
		return errors.New("rule name is required")
	}
	if r.Type != "" && r.Type != model.RuleTypeStandard && r.Type != model.RuleTypeBackstop {
		return fmt.Errorf("rule %s: invalid rule type %q", r.Name, r.Type)
	}
	if r.Trigger.Type == "" && r.Trigger.Ref == "" {
		return fmt.Errorf("rule %s: trigger type or ref is required", r.Name)
	}
	if r.Action.Ref == "" {
		return fmt.Errorf("rule %s: action ref is required", r.Name)
	}
	for key, c := range r.Criteria {
		if c.Type == "" {
			return fmt.Errorf("rule %s: criterion %s: operator type is required", r.Name, key)
		}
	}
	return nil
}

// ValidateAction checks an action definition.
func ValidateAction(a *model.Action) error {
	if a.Name == "" {
		return errors.New("action name is required")
	}
	if a.RunnerType == "" {
		return fmt.Errorf("action %s: runner_type is required", a.Name)
	}
	for name, spec := range a.Parameters {
		if spec.Required && spec.Immutable && spec.Default.IsNull() {
			return fmt.Errorf("action %s: parameter %s is immutable and required but has no default", a.Name, name)
		}
	}
	return nil
}

// ValidatePolicy checks a policy definition. Type-specific parameters
// are checked by the policy registry.
func ValidatePolicy(p *model.Policy) error {
	if p.Name == "" {
		return errors.New("policy name is required")
	}
	if p.ResourceRef == "" {
		return fmt.Errorf("policy %s: resource_ref is required", p.Name)
	}
	if p.PolicyType == "" {
		return fmt.Errorf("policy %s: policy_type is required", p.Name)
	}
	return nil
}
