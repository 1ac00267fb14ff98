// Package settings loads engine settings from a YAML file, .env files and
// SANDBOX_* environment variables, in increasing order of precedence, and
// turns them into a sandbox.Config.
package settings

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	sandbox "github.com/Simon-McIntosh/nucleai-sandbox"
	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SANDBOX_"

// ErrInvalid wraps every settings problem.
var ErrInvalid = errors.New("settings: invalid")

// Settings is the file and environment form of an engine configuration.
// Sizes accept humanized values such as "16MiB".
type Settings struct {
	LogLevel  string      `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`
	Journal   string      `yaml:"journal"`
	Policy    policy.Spec `yaml:"policy"`
	Engine    Engine      `yaml:"engine"`
}

// Engine holds the sandbox.Config fields that have a file form.
type Engine struct {
	Isolation       string  `yaml:"isolation"`
	Fallback        string  `yaml:"fallback"`
	Workers         int     `yaml:"workers"`
	WarmWorkers     int     `yaml:"warm_workers"`
	ScratchRoot     string  `yaml:"scratch_root"`
	ScratchQuota    string  `yaml:"scratch_quota"`
	MaxOutput       string  `yaml:"max_output"`
	Namespaces      bool    `yaml:"namespaces"`
	RequireLandlock bool    `yaml:"require_landlock"`
	SubmissionRate  float64 `yaml:"submission_rate"`
	SubmissionBurst int     `yaml:"submission_burst"`
}

// Default returns the settings matching sandbox.DefaultConfig.
func Default() *Settings {
	return &Settings{
		LogLevel:  "info",
		LogFormat: "text",
		Policy:    policy.Default().Spec(),
		Engine: Engine{
			Isolation:    sandbox.IsolationWorker.String(),
			Fallback:     sandbox.FallbackStrict.String(),
			ScratchQuota: "16MiB",
			MaxOutput:    "64KiB",
		},
	}
}

// Load reads the YAML file at path over Default. Unknown keys are errors.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	s := Default()
	if err := s.decode(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}
	return s, nil
}

func (s *Settings) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadEnvFiles loads .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
// With no paths, ".env" in the working directory is tried.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("settings: load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv applies SANDBOX_* overrides read through lookup, typically
// os.LookupEnv. All problems are reported together.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []string
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s%s: %v", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("LOG_LEVEL", &s.LogLevel)
	str("LOG_FORMAT", &s.LogFormat)
	str("JOURNAL", &s.Journal)

	str("TIMEOUT", &s.Policy.Timeout)
	str("MEMORY_LIMIT", &s.Policy.MemoryLimit)
	integer("MAX_ATTEMPTS", &s.Policy.MaxAttempts)
	if v, ok := lookup(EnvPrefix + "ALLOWED_MODULES"); ok {
		s.Policy.AllowedModules = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "FORBIDDEN_OPERATIONS"); ok {
		s.Policy.ForbiddenOperations = splitList(v)
	}

	str("ISOLATION", &s.Engine.Isolation)
	str("FALLBACK", &s.Engine.Fallback)
	integer("WORKERS", &s.Engine.Workers)
	integer("WARM_WORKERS", &s.Engine.WarmWorkers)
	str("SCRATCH_ROOT", &s.Engine.ScratchRoot)
	str("SCRATCH_QUOTA", &s.Engine.ScratchQuota)
	str("MAX_OUTPUT", &s.Engine.MaxOutput)
	boolean("NAMESPACES", &s.Engine.Namespaces)
	boolean("REQUIRE_LANDLOCK", &s.Engine.RequireLandlock)
	if v, ok := lookup(EnvPrefix + "SUBMISSION_RATE"); ok {
		r, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%sSUBMISSION_RATE: %v", EnvPrefix, err))
		} else {
			s.Engine.SubmissionRate = r
		}
	}
	integer("SUBMISSION_BURST", &s.Engine.SubmissionBurst)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// splitList splits a comma-separated list. An empty value is an empty,
// non-nil list.
func splitList(v string) []string {
	out := []string{}
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Level parses LogLevel. Unknown values fall back to info.
func (s *Settings) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Logger returns a logger writing to w in LogFormat ("text" or "json") at
// Level.
func (s *Settings) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: s.Level()}
	if strings.EqualFold(s.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Config converts s into a validated sandbox.Config. Logger, metrics,
// tracing and the journal are left for the caller to attach.
func (s *Settings) Config() (*sandbox.Config, error) {
	var errs []string
	cfg := sandbox.DefaultConfig()

	p, err := s.Policy.Build()
	if err != nil {
		errs = append(errs, err.Error())
	} else {
		cfg.Policy = p
	}
	if s.Engine.Isolation != "" {
		if cfg.Isolation, err = sandbox.ParseIsolation(s.Engine.Isolation); err != nil {
			errs = append(errs, "isolation: "+s.Engine.Isolation)
		}
	}
	if s.Engine.Fallback != "" {
		if cfg.FallbackPolicy, err = sandbox.ParseFallbackPolicy(s.Engine.Fallback); err != nil {
			errs = append(errs, "fallback: "+s.Engine.Fallback)
		}
	}
	if s.Engine.ScratchQuota != "" {
		n, err := humanize.ParseBytes(s.Engine.ScratchQuota)
		if err != nil {
			errs = append(errs, fmt.Sprintf("scratch_quota: %v", err))
		} else {
			cfg.ScratchQuota = int64(n) //nolint:gosec // bounded by ParseBytes
		}
	}
	if s.Engine.MaxOutput != "" {
		n, err := humanize.ParseBytes(s.Engine.MaxOutput)
		if err != nil {
			errs = append(errs, fmt.Sprintf("max_output: %v", err))
		} else {
			cfg.MaxOutput = int(n) //nolint:gosec // bounded by ParseBytes
		}
	}
	cfg.Workers = s.Engine.Workers
	cfg.WarmWorkers = s.Engine.WarmWorkers
	cfg.ScratchRoot = s.Engine.ScratchRoot
	cfg.Namespaces = s.Engine.Namespaces
	cfg.RequireLandlock = s.Engine.RequireLandlock
	cfg.SubmissionRate = s.Engine.SubmissionRate
	cfg.SubmissionBurst = s.Engine.SubmissionBurst

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

// Marshal returns the YAML form of s.
func (s *Settings) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}
