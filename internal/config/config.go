// Package config loads execbox configuration from environment variables,
// with an optional AWS Secrets Manager bootstrap and a JSON overlay for
// per-language pool settings.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// Config holds all configuration for the execbox control plane.
type Config struct {
	Port     int
	APIKey   string
	LogLevel string

	// Redis: hot state cache, session registry, file metadata index
	RedisURL string

	// NATS: optional event mirror for external consumers
	NATSURL string

	// S3-compatible object storage: file blobs + cold state archive
	S3Endpoint        string // e.g. "https://<account>.r2.cloudflarestorage.com"
	S3Bucket          string
	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3ForcePathStyle  bool // true for R2/MinIO

	// Kubernetes runtime
	KubeNamespace string
	Kubeconfig    string // empty = in-cluster config
	SidecarImage  string
	SidecarPort   int

	// Session / state lifetimes
	SessionTTL              time.Duration
	SessionCleanupInterval  time.Duration
	HotStateTTL             time.Duration
	ColdStateTTL            time.Duration
	UploadMarkerTTL         time.Duration
	StateArchiveInterval    time.Duration
	PresignValidity         time.Duration
	CaptureStateOnError     bool
	StatePersistenceEnabled bool

	// Execution limits
	DefaultTimeoutSec int
	MaxTimeoutSec     int

	// Pool behavior
	AcquireTimeout  time.Duration
	ReadyTimeout    time.Duration
	HealthInterval  time.Duration
	ReplenishBatch  int
	WarmupBatch     int
	ReplenishEvery  time.Duration
	HealthThreshold int
	JobTTLSeconds   int
	JobDeadlineSec  int
	DetailedMetrics bool

	// Hardening applied to every sandbox pod
	MaskedPaths  []string
	DNSResolvers []string

	// Per-language runtime settings, keyed by canonical language code.
	Languages map[string]LanguageConfig

	// AWS Secrets Manager: if set, secrets are fetched at startup and
	// applied to the environment before the rest of Load runs.
	SecretsARN string
}

// LanguageConfig describes the sandbox image and resource envelope for one
// language. PoolSize 0 disables the warm pool; such languages run as
// one-shot jobs.
type LanguageConfig struct {
	Image              string `json:"image"`
	PoolSize           int    `json:"pool_size"`
	CPURequest         string `json:"cpu_request"`
	CPULimit           string `json:"cpu_limit"`
	MemoryRequest      string `json:"memory_request"`
	MemoryLimit        string `json:"memory_limit"`
	SidecarCPULimit    string `json:"sidecar_cpu_limit"`
	SidecarMemoryLimit string `json:"sidecar_memory_limit"`
	SeccompProfile     string `json:"seccomp_profile"` // empty = RuntimeDefault
	ImagePullPolicy    string `json:"image_pull_policy"`
	VolumeSizeMB       int    `json:"volume_size_mb"`
	NetworkEnabled     bool   `json:"network_enabled"`
	SupportsState      bool   `json:"supports_state"`
}

// aliases maps request-level language names to canonical codes.
var aliases = map[string]string{
	"python":     "py",
	"javascript": "js",
	"typescript": "ts",
	"golang":     "go",
	"ruby":       "rb",
	"rust":       "rs",
	"bash":       "sh",
	"kotlin":     "kt",
}

// Normalize resolves a request language to its canonical code.
func Normalize(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if c, ok := aliases[l]; ok {
		return c
	}
	return l
}

// DefaultLanguages returns the built-in language set. Only python supports
// interpreter state capture.
func DefaultLanguages() map[string]LanguageConfig {
	base := func(image string, poolSize int) LanguageConfig {
		return LanguageConfig{
			Image:              image,
			PoolSize:           poolSize,
			CPURequest:         "100m",
			CPULimit:           "1",
			MemoryRequest:      "128Mi",
			MemoryLimit:        "512Mi",
			SidecarCPULimit:    "1",
			SidecarMemoryLimit: "512Mi",
			ImagePullPolicy:    "IfNotPresent",
			VolumeSizeMB:       512,
		}
	}

	langs := map[string]LanguageConfig{
		"py":    base("execbox/runtime-python:latest", 2),
		"js":    base("execbox/runtime-node:latest", 2),
		"ts":    base("execbox/runtime-node:latest", 0),
		"go":    base("execbox/runtime-go:latest", 0),
		"rb":    base("execbox/runtime-ruby:latest", 0),
		"java":  base("execbox/runtime-java:latest", 0),
		"cpp":   base("execbox/runtime-clang:latest", 0),
		"rs":    base("execbox/runtime-rust:latest", 0),
		"sh":    base("execbox/runtime-shell:latest", 1),
		"php":   base("execbox/runtime-php:latest", 0),
		"swift": base("execbox/runtime-swift:latest", 0),
		"kt":    base("execbox/runtime-java:latest", 0),
	}

	py := langs["py"]
	py.SupportsState = true
	langs["py"] = py

	return langs
}

// Load reads configuration from environment variables with sensible
// defaults. If EXECBOX_SECRETS_ARN is set, secrets are fetched from AWS
// Secrets Manager first, then environment variables are applied on top
// (env vars take precedence).
func Load() (*Config, error) {
	if arn := os.Getenv("EXECBOX_SECRETS_ARN"); arn != "" {
		if err := loadSecretsManager(arn); err != nil {
			return nil, fmt.Errorf("failed to load secrets from %s: %w", arn, err)
		}
	}

	cfg := &Config{
		Port:     8080,
		APIKey:   os.Getenv("EXECBOX_API_KEY"),
		LogLevel: envOrDefault("EXECBOX_LOG_LEVEL", "info"),

		RedisURL: envOrDefault("EXECBOX_REDIS_URL", "redis://localhost:6379/0"),
		NATSURL:  os.Getenv("EXECBOX_NATS_URL"),

		S3Endpoint:        os.Getenv("EXECBOX_S3_ENDPOINT"),
		S3Bucket:          os.Getenv("EXECBOX_S3_BUCKET"),
		S3Region:          envOrDefault("EXECBOX_S3_REGION", "us-east-1"),
		S3AccessKeyID:     os.Getenv("EXECBOX_S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("EXECBOX_S3_SECRET_ACCESS_KEY"),
		S3ForcePathStyle:  os.Getenv("EXECBOX_S3_FORCE_PATH_STYLE") == "true",

		KubeNamespace: envOrDefault("EXECBOX_KUBE_NAMESPACE", "execbox"),
		Kubeconfig:    os.Getenv("KUBECONFIG"),
		SidecarImage:  envOrDefault("EXECBOX_SIDECAR_IMAGE", "execbox/sidecar:latest"),
		SidecarPort:   envOrDefaultInt("EXECBOX_SIDECAR_PORT", 8080),

		SessionTTL:              envOrDefaultDuration("EXECBOX_SESSION_TTL", 24*time.Hour),
		SessionCleanupInterval:  envOrDefaultDuration("EXECBOX_SESSION_CLEANUP_INTERVAL", 5*time.Minute),
		HotStateTTL:             envOrDefaultDuration("EXECBOX_HOT_STATE_TTL", 2*time.Hour),
		ColdStateTTL:            envOrDefaultDuration("EXECBOX_COLD_STATE_TTL", 7*24*time.Hour),
		UploadMarkerTTL:         30 * time.Second,
		StateArchiveInterval:    envOrDefaultDuration("EXECBOX_STATE_ARCHIVE_INTERVAL", time.Minute),
		PresignValidity:         time.Hour,
		CaptureStateOnError:     os.Getenv("EXECBOX_CAPTURE_STATE_ON_ERROR") == "true",
		StatePersistenceEnabled: envOrDefault("EXECBOX_STATE_PERSISTENCE", "true") == "true",

		DefaultTimeoutSec: envOrDefaultInt("EXECBOX_DEFAULT_TIMEOUT_SEC", 30),
		MaxTimeoutSec:     envOrDefaultInt("EXECBOX_MAX_TIMEOUT_SEC", 300),

		AcquireTimeout:  10 * time.Second,
		ReadyTimeout:    60 * time.Second,
		HealthInterval:  30 * time.Second,
		ReplenishBatch:  3,
		WarmupBatch:     5,
		ReplenishEvery:  5 * time.Second,
		HealthThreshold: 3,
		JobTTLSeconds:   envOrDefaultInt("EXECBOX_JOB_TTL_SEC", 60),
		JobDeadlineSec:  envOrDefaultInt("EXECBOX_JOB_DEADLINE_SEC", 300),
		DetailedMetrics: os.Getenv("EXECBOX_DETAILED_METRICS") == "true",

		MaskedPaths:  []string{"/proc/version", "/etc/machine-id"},
		DNSResolvers: []string{"1.1.1.1", "8.8.8.8"},

		Languages: DefaultLanguages(),

		SecretsARN: os.Getenv("EXECBOX_SECRETS_ARN"),
	}

	if portStr := os.Getenv("EXECBOX_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid EXECBOX_PORT %q: %w", portStr, err)
		}
		cfg.Port = port
	}

	if path := os.Getenv("EXECBOX_LANGUAGES_FILE"); path != "" {
		if err := cfg.loadLanguagesFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// SupportedLanguage reports whether the canonical code is configured.
func (c *Config) SupportedLanguage(lang string) bool {
	_, ok := c.Languages[lang]
	return ok
}

// loadLanguagesFile overlays per-language settings from a JSON document of
// the form {"py": {"pool_size": 5, ...}, ...}. Fields omitted in the file
// keep their built-in defaults; new languages must name an image.
func (c *Config) loadLanguagesFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read languages file %s: %w", path, err)
	}

	var overrides map[string]json.RawMessage
	if err := json.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse languages file %s: %w", path, err)
	}

	for lang, raw := range overrides {
		lc, ok := c.Languages[lang]
		if !ok {
			lc = LanguageConfig{
				CPURequest:         "100m",
				CPULimit:           "1",
				MemoryRequest:      "128Mi",
				MemoryLimit:        "512Mi",
				SidecarCPULimit:    "1",
				SidecarMemoryLimit: "512Mi",
				ImagePullPolicy:    "IfNotPresent",
				VolumeSizeMB:       512,
			}
		}
		if err := json.Unmarshal(raw, &lc); err != nil {
			return fmt.Errorf("parse language %q: %w", lang, err)
		}
		if lc.Image == "" {
			return fmt.Errorf("language %q: image is required", lang)
		}
		c.Languages[lang] = lc
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// loadSecretsManager fetches a JSON secret from AWS Secrets Manager and sets
// any values as environment variables (only if not already set, so explicit
// env vars always win). Uses the default AWS credential chain (IAM instance
// profile on EC2, or ~/.aws/credentials locally).
func loadSecretsManager(arn string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Extract region from ARN: arn:aws:secretsmanager:REGION:ACCOUNT:secret:NAME
	var opts []func(*awsconfig.LoadOptions) error
	if parts := strings.Split(arn, ":"); len(parts) >= 4 && parts[3] != "" {
		opts = append(opts, awsconfig.WithRegion(parts[3]))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg)
	result, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &arn,
	})
	if err != nil {
		return fmt.Errorf("GetSecretValue: %w", err)
	}

	if result.SecretString == nil {
		return fmt.Errorf("secret %s has no string value", arn)
	}

	var secrets map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
		return fmt.Errorf("parse secret JSON: %w", err)
	}

	applied := 0
	for key, value := range secrets {
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
			applied++
		}
	}

	log.Printf("config: loaded %d secrets from Secrets Manager (%d keys in secret, env overrides take precedence)", applied, len(secrets))
	return nil
}
