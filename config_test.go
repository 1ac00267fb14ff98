package sandbox

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/Simon-McIntosh/nucleai-sandbox/policy"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}
	if cfg.Policy == nil {
		t.Fatal("Policy: got nil")
	}
	if cfg.Policy.Timeout() != policy.Default().Timeout() {
		t.Errorf("Policy.Timeout: got %v, want %v", cfg.Policy.Timeout(), policy.Default().Timeout())
	}
	if cfg.Isolation != IsolationWorker {
		t.Errorf("Isolation: got %v, want IsolationWorker", cfg.Isolation)
	}
	if cfg.ScratchQuota != defaultScratchQuota {
		t.Errorf("ScratchQuota: got %d, want %d", cfg.ScratchQuota, defaultScratchQuota)
	}
	if cfg.MaxOutput != defaultMaxOutput {
		t.Errorf("MaxOutput: got %d, want %d", cfg.MaxOutput, defaultMaxOutput)
	}
	if cfg.ResourceLimits == nil {
		t.Fatal("ResourceLimits: got nil")
	}
	if cfg.FallbackPolicy != FallbackStrict {
		t.Errorf("FallbackPolicy: got %v, want FallbackStrict", cfg.FallbackPolicy)
	}
	if cfg.SubmissionRate != 0 {
		t.Errorf("SubmissionRate: got %v, want 0", cfg.SubmissionRate)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
}

func TestDevelopmentConfig(t *testing.T) {
	cfg := DevelopmentConfig()
	if cfg.FallbackPolicy != FallbackWarn {
		t.Errorf("FallbackPolicy: got %v, want FallbackWarn", cfg.FallbackPolicy)
	}
	if cfg.Isolation != IsolationWorker {
		t.Errorf("Isolation: got %v, want IsolationWorker", cfg.Isolation)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DevelopmentConfig().Validate() = %v", err)
	}
}

func TestCIConfig(t *testing.T) {
	cfg := CIConfig()
	if cfg.FallbackPolicy != FallbackStrict {
		t.Errorf("FallbackPolicy: got %v, want FallbackStrict", cfg.FallbackPolicy)
	}
	if !cfg.Namespaces {
		t.Error("Namespaces: got false, want true")
	}
	if cfg.WarmWorkers >= 0 {
		t.Errorf("WarmWorkers: got %d, want negative", cfg.WarmWorkers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("CIConfig().Validate() = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"negative workers", func(c *Config) { c.Workers = -1 }, "Workers"},
		{"null byte in scratch root", func(c *Config) { c.ScratchRoot = "/tmp/\x00x" }, "ScratchRoot"},
		{"negative scratch quota", func(c *Config) { c.ScratchQuota = -1 }, "ScratchQuota"},
		{"negative max output", func(c *Config) { c.MaxOutput = -1 }, "MaxOutput"},
		{"negative rate", func(c *Config) { c.SubmissionRate = -1 }, "SubmissionRate"},
		{"NaN rate", func(c *Config) { c.SubmissionRate = math.NaN() }, "SubmissionRate"},
		{"infinite rate", func(c *Config) { c.SubmissionRate = math.Inf(1) }, "SubmissionRate"},
		{"negative burst", func(c *Config) { c.SubmissionBurst = -1 }, "SubmissionBurst"},
		{"bad fallback", func(c *Config) { c.FallbackPolicy = FallbackPolicy(99) }, "FallbackPolicy"},
		{"bad isolation", func(c *Config) { c.Isolation = Isolation(-1) }, "Isolation"},
		{"negative processes", func(c *Config) { c.ResourceLimits.MaxProcesses = -1 }, "ResourceLimits.MaxProcesses"},
		{"negative address space", func(c *Config) { c.ResourceLimits.MaxAddressSpace = -1 }, "ResourceLimits.MaxAddressSpace"},
		{"negative fds", func(c *Config) { c.ResourceLimits.MaxFileDescriptors = -1 }, "ResourceLimits.MaxFileDescriptors"},
		{"negative cpu", func(c *Config) { c.ResourceLimits.MaxCPUSeconds = -1 }, "ResourceLimits.MaxCPUSeconds"},
		{"negative file size", func(c *Config) { c.ResourceLimits.MaxFileSize = -1 }, "ResourceLimits.MaxFileSize"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !errors.Is(err, ErrConfigInvalid) {
				t.Errorf("error should wrap ErrConfigInvalid, got: %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigValidateCollectsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = -1
	cfg.MaxOutput = -1
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	for _, field := range []string{"Workers", "MaxOutput"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q should mention %s", err, field)
		}
	}
}

func TestConfigValidateZeroValue(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Errorf("zero Config should be valid, got %v", err)
	}
}

func TestFallbackPolicyString(t *testing.T) {
	tests := []struct {
		p    FallbackPolicy
		want string
	}{
		{FallbackStrict, "strict"},
		{FallbackWarn, "warn"},
		{FallbackPolicy(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("FallbackPolicy(%d).String() = %q, want %q", int(tt.p), got, tt.want)
		}
	}
}

func TestParseFallbackPolicy(t *testing.T) {
	for in, want := range map[string]FallbackPolicy{"strict": FallbackStrict, " WARN ": FallbackWarn} {
		got, err := ParseFallbackPolicy(in)
		if err != nil {
			t.Errorf("ParseFallbackPolicy(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseFallbackPolicy(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseFallbackPolicy("lenient"); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("ParseFallbackPolicy(lenient) error = %v, want ErrConfigInvalid", err)
	}
}

func TestIsolationString(t *testing.T) {
	tests := []struct {
		i    Isolation
		want string
	}{
		{IsolationWorker, "worker"},
		{IsolationInline, "inline"},
		{Isolation(7), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.i.String(); got != tt.want {
			t.Errorf("Isolation(%d).String() = %q, want %q", int(tt.i), got, tt.want)
		}
	}
}

func TestParseIsolation(t *testing.T) {
	got, err := ParseIsolation("Inline")
	if err != nil || got != IsolationInline {
		t.Errorf("ParseIsolation(Inline) = %v, %v", got, err)
	}
	if _, err := ParseIsolation("container"); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("ParseIsolation(container) error = %v, want ErrConfigInvalid", err)
	}
}

func TestDeepCopyConfig(t *testing.T) {
	cfg := DefaultConfig()
	cpy := deepCopyConfig(cfg)

	cpy.ResourceLimits.MaxProcesses = 9999
	if cfg.ResourceLimits.MaxProcesses == 9999 {
		t.Error("deepCopyConfig shares ResourceLimits with the original")
	}
	if cpy.Policy != cfg.Policy {
		t.Error("deepCopyConfig should share the immutable policy")
	}

	var empty Config
	if got := deepCopyConfig(&empty); got.ResourceLimits != nil {
		t.Error("deepCopyConfig should keep nil ResourceLimits nil")
	}
}
