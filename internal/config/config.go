// Package config manages gateway configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where mcpgate operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// PartitionMode controls how the snapshot namespace is scoped per instance.
type PartitionMode string

const (
	// PartitionNone stores snapshots directly under the configured prefix.
	PartitionNone PartitionMode = "none"
	// PartitionPerInstance appends the instance name to the prefix so that
	// no two routable instances share a (bucket, prefix) pair.
	PartitionPerInstance PartitionMode = "per-instance"
)

// AuthConfig supplies bearer credentials and failed-auth throttling.
type AuthConfig struct {
	// Token is the single legacy credential; mutually exclusive with TokenMap.
	Token string `yaml:"token"`
	// TokenMap maps credential labels to secrets for multi-token mode.
	TokenMap map[string]string `yaml:"tokenMap"`
	// FailureRate limits rejected authentication responses per second.
	FailureRate float64 `yaml:"failureRate"`
	// FailureBurst is the burst allowance for rejected authentications.
	FailureBurst int `yaml:"failureBurst"`
}

// RouterConfig configures the authenticated routing surface.
type RouterConfig struct {
	Addr            string `yaml:"addr"`
	EndpointPath    string `yaml:"endpointPath"`
	RouteGeneration string `yaml:"routeGeneration"`
	// UpstreamPattern resolves a backend instance address; the literal
	// "{instance}" is replaced with the instance name.
	UpstreamPattern string `yaml:"upstreamPattern"`
}

// BackendConfig describes the wrapped server child process.
type BackendConfig struct {
	// Command launches the backend; empty means the backend is managed
	// externally and mcpgate acts as a pure router.
	Command []string `yaml:"command"`
	// Name labels the backend product; it prefixes snapshot archive names.
	Name string `yaml:"name"`
	// StateDir is the backend instance's local working directory.
	StateDir string `yaml:"stateDir"`
}

// SnapshotConfig controls restore/snapshot behaviour against the object store.
type SnapshotConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Strict    bool          `yaml:"strict"`
	Interval  time.Duration `yaml:"interval"`
	Retention int           `yaml:"retention"`
	Bucket    string        `yaml:"bucket"`
	Endpoint  string        `yaml:"endpoint"`
	Region    string        `yaml:"region"`
	AccessKey string        `yaml:"accessKey"`
	SecretKey string        `yaml:"secretKey"`
	Prefix    string        `yaml:"prefix"`
	Partition PartitionMode `yaml:"partition"`
}

// UnmarshalYAML decodes the snapshot section, accepting Go duration strings
// ("90s", "5m") for interval. Fields absent from the document keep their
// pre-seeded defaults.
func (s *SnapshotConfig) UnmarshalYAML(node *yaml.Node) error {
	type rawSnapshot struct {
		Enabled   bool          `yaml:"enabled"`
		Strict    bool          `yaml:"strict"`
		Interval  string        `yaml:"interval"`
		Retention int           `yaml:"retention"`
		Bucket    string        `yaml:"bucket"`
		Endpoint  string        `yaml:"endpoint"`
		Region    string        `yaml:"region"`
		AccessKey string        `yaml:"accessKey"`
		SecretKey string        `yaml:"secretKey"`
		Prefix    string        `yaml:"prefix"`
		Partition PartitionMode `yaml:"partition"`
	}
	raw := rawSnapshot{
		Enabled:   s.Enabled,
		Strict:    s.Strict,
		Interval:  s.Interval.String(),
		Retention: s.Retention,
		Bucket:    s.Bucket,
		Endpoint:  s.Endpoint,
		Region:    s.Region,
		AccessKey: s.AccessKey,
		SecretKey: s.SecretKey,
		Prefix:    s.Prefix,
		Partition: s.Partition,
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	interval := time.Duration(0)
	if text := strings.TrimSpace(raw.Interval); text != "" {
		parsed, err := time.ParseDuration(text)
		if err != nil {
			return fmt.Errorf("snapshot interval: %w", err)
		}
		interval = parsed
	}

	*s = SnapshotConfig{
		Enabled:   raw.Enabled,
		Strict:    raw.Strict,
		Interval:  interval,
		Retention: raw.Retention,
		Bucket:    raw.Bucket,
		Endpoint:  raw.Endpoint,
		Region:    raw.Region,
		AccessKey: raw.AccessKey,
		SecretKey: raw.SecretKey,
		Prefix:    raw.Prefix,
		Partition: raw.Partition,
	}
	return nil
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`
}

// AppConfig is the unified mcpgate configuration sourced from YAML plus
// environment overrides.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Router      RouterConfig    `yaml:"router"`
	Auth        AuthConfig      `yaml:"auth"`
	Backend     BackendConfig   `yaml:"backend"`
	Snapshot    SnapshotConfig  `yaml:"snapshot"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns the default gateway configuration.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		Router: RouterConfig{
			Addr:            ":8787",
			EndpointPath:    "/mcp",
			RouteGeneration: "v1",
			UpstreamPattern: "http://127.0.0.1:24282",
		},
		Auth: AuthConfig{
			Token:        "",
			TokenMap:     nil,
			FailureRate:  5,
			FailureBurst: 10,
		},
		Backend: BackendConfig{
			Command:  nil,
			Name:     "serena",
			StateDir: "",
		},
		Snapshot: SnapshotConfig{
			Enabled:   false,
			Strict:    false,
			Interval:  5 * time.Minute,
			Retention: 5,
			Bucket:    "",
			Endpoint:  "",
			Region:    "us-east-1",
			AccessKey: "",
			SecretKey: "",
			Prefix:    "",
			Partition: PartitionNone,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			ServiceName:  "mcpgate",
			OTLPInsecure: false,
		},
	}
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the configuration file when present, falling back to
// defaults (plus environment overrides) when it does not exist. The boolean
// reports whether a file was read.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, bool, error) {
	if _, err := os.Stat(filepath.Clean(strings.TrimSpace(configPath))); err != nil {
		if !os.IsNotExist(err) {
			return AppConfig{}, false, fmt.Errorf("stat config: %w", err)
		}
		cfg := Default()
		cfg.applyEnvOverrides()
		cfg.normalise()
		if err := cfg.Validate(); err != nil {
			return AppConfig{}, false, err
		}
		return cfg, false, nil
	}

	cfg, err := Load(ctx, configPath)
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

// applyEnvOverrides layers deployment-supplied values over the file contents.
// Secrets are expected to arrive this way rather than in the YAML tree.
func (c *AppConfig) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("MCPGATE_ENV")); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("MCPGATE_TOKEN")); v != "" {
		c.Auth.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("MCPGATE_TOKEN_MAP")); v != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			c.Auth.TokenMap = m
		} else {
			// Keep the raw value around so validation reports the operator error.
			c.Auth.TokenMap = map[string]string{}
		}
	}
	if v := strings.TrimSpace(os.Getenv("MCPGATE_ROUTE_GENERATION")); v != "" {
		c.Router.RouteGeneration = v
	}
	if v := strings.TrimSpace(os.Getenv("MCPGATE_SNAPSHOT_ENABLED")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.Snapshot.Enabled = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("MCPGATE_SNAPSHOT_STRICT")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.Snapshot.Strict = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("MCPGATE_SNAPSHOT_INTERVAL")); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			c.Snapshot.Interval = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("MCPGATE_S3_ENDPOINT")); v != "" {
		c.Snapshot.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("MCPGATE_S3_BUCKET")); v != "" {
		c.Snapshot.Bucket = v
	}
	if v := strings.TrimSpace(os.Getenv("MCPGATE_S3_REGION")); v != "" {
		c.Snapshot.Region = v
	}
	if v := strings.TrimSpace(os.Getenv("MCPGATE_S3_ACCESS_KEY")); v != "" {
		c.Snapshot.AccessKey = v
	}
	if v := strings.TrimSpace(os.Getenv("MCPGATE_S3_SECRET_KEY")); v != "" {
		c.Snapshot.SecretKey = v
	}
	if v := strings.TrimSpace(os.Getenv("MCPGATE_S3_PREFIX")); v != "" {
		c.Snapshot.Prefix = v
	}
	if v := strings.TrimSpace(os.Getenv("MCPGATE_SNAPSHOT_PARTITION")); v != "" {
		c.Snapshot.Partition = PartitionMode(strings.ToLower(v))
	}
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))

	c.Router.Addr = strings.TrimSpace(c.Router.Addr)
	c.Router.EndpointPath = strings.TrimSpace(c.Router.EndpointPath)
	if c.Router.EndpointPath == "" {
		c.Router.EndpointPath = "/mcp"
	}
	if !strings.HasPrefix(c.Router.EndpointPath, "/") {
		c.Router.EndpointPath = "/" + c.Router.EndpointPath
	}
	c.Router.RouteGeneration = strings.TrimSpace(c.Router.RouteGeneration)
	c.Router.UpstreamPattern = strings.TrimSpace(c.Router.UpstreamPattern)

	c.Auth.Token = strings.TrimSpace(c.Auth.Token)
	if c.Auth.FailureRate <= 0 {
		c.Auth.FailureRate = 5
	}
	if c.Auth.FailureBurst <= 0 {
		c.Auth.FailureBurst = 10
	}

	c.Backend.Name = strings.ToLower(strings.TrimSpace(c.Backend.Name))
	if c.Backend.Name == "" {
		c.Backend.Name = "serena"
	}
	c.Backend.StateDir = strings.TrimSpace(c.Backend.StateDir)
	if c.Backend.StateDir != "" {
		c.Backend.StateDir = filepath.Clean(c.Backend.StateDir)
	}

	c.Snapshot.Bucket = strings.TrimSpace(c.Snapshot.Bucket)
	c.Snapshot.Endpoint = strings.TrimSpace(c.Snapshot.Endpoint)
	c.Snapshot.Region = strings.TrimSpace(c.Snapshot.Region)
	c.Snapshot.Prefix = strings.Trim(strings.TrimSpace(c.Snapshot.Prefix), "/")
	if c.Snapshot.Partition == "" {
		c.Snapshot.Partition = PartitionNone
	}
	if c.Snapshot.Retention <= 0 {
		c.Snapshot.Retention = 5
	}
	if c.Snapshot.Interval < 0 {
		c.Snapshot.Interval = 0
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mcpgate"
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Router.Addr == "" {
		return fmt.Errorf("router addr required")
	}
	if c.Router.RouteGeneration == "" {
		return fmt.Errorf("router routeGeneration required")
	}
	if c.Router.UpstreamPattern == "" {
		return fmt.Errorf("router upstreamPattern required")
	}
	probe := strings.ReplaceAll(c.Router.UpstreamPattern, "{instance}", "probe")
	if u, err := url.Parse(probe); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("router upstreamPattern must be an absolute URL")
	}

	if c.Auth.Token != "" && len(c.Auth.TokenMap) > 0 {
		return fmt.Errorf("auth token and tokenMap are mutually exclusive")
	}

	switch c.Snapshot.Partition {
	case PartitionNone, PartitionPerInstance:
	default:
		return fmt.Errorf("snapshot partition must be none or per-instance")
	}

	return nil
}

// StorageComplete reports whether the object-store identity is fully
// configured, and names the missing fields when it is not.
func (s SnapshotConfig) StorageComplete() (bool, []string) {
	var missing []string
	if s.Endpoint == "" {
		missing = append(missing, "endpoint")
	}
	if s.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if s.AccessKey == "" {
		missing = append(missing, "accessKey")
	}
	if s.SecretKey == "" {
		missing = append(missing, "secretKey")
	}
	return len(missing) == 0, missing
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
