package networks

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Adapter kinds understood by Build.
const (
	KindRTMP = "rtmp"
	KindHTTP = "http"
)

// FileConfig is the YAML document describing enabled networks.
type FileConfig struct {
	Networks []NetworkConfig `yaml:"networks"`
}

// NetworkConfig describes one network entry.
type NetworkConfig struct {
	Name          string        `yaml:"name"`
	Kind          string        `yaml:"kind"`
	AllowSharing  *bool         `yaml:"allowSharing"`
	BaseURL       string        `yaml:"baseURL"`
	Token         string        `yaml:"token"`
	TokenEnv      string        `yaml:"tokenEnv"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int           `yaml:"maxAttempts"`
	RetryInterval time.Duration `yaml:"retryInterval"`
	Fields        []Field       `yaml:"fields"`
}

// BuildOptions carries shared dependencies for adapter construction.
type BuildOptions struct {
	Client *http.Client
	Logger *slog.Logger
}

// DefaultConfig registers a single shareable RTMP relay network.
func DefaultConfig() FileConfig {
	return FileConfig{Networks: []NetworkConfig{{Name: KindRTMP, Kind: KindRTMP}}}
}

// LoadFile reads and validates a YAML network configuration.
func LoadFile(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read networks file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML network configuration.
func Parse(data []byte) (FileConfig, error) {
	var cfg FileConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return FileConfig{}, fmt.Errorf("decode networks file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

// Validate reports every structural problem in the configuration.
func (c FileConfig) Validate() error {
	if len(c.Networks) == 0 {
		return errors.New("networks: at least one network must be configured")
	}
	var errs []error
	seen := make(map[string]struct{}, len(c.Networks))
	for i, network := range c.Networks {
		name := normalizeNetwork(network.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("networks[%d]: name required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("networks[%d]: duplicate name %q", i, name))
		}
		seen[name] = struct{}{}
		switch strings.ToLower(strings.TrimSpace(network.Kind)) {
		case KindRTMP:
		case KindHTTP:
			if strings.TrimSpace(network.BaseURL) == "" {
				errs = append(errs, fmt.Errorf("networks[%d] %s: baseURL required for http networks", i, name))
			}
		default:
			errs = append(errs, fmt.Errorf("networks[%d] %s: unsupported kind %q", i, name, network.Kind))
		}
		for j, field := range network.Fields {
			if strings.TrimSpace(field.Key) == "" {
				errs = append(errs, fmt.Errorf("networks[%d] %s: fields[%d] key required", i, name, j))
			}
		}
	}
	return errors.Join(errs...)
}

// Build constructs a Registry from cfg.
func Build(cfg FileConfig, opts BuildOptions) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapters := make([]Adapter, 0, len(cfg.Networks))
	for _, network := range cfg.Networks {
		name := normalizeNetwork(network.Name)
		switch strings.ToLower(strings.TrimSpace(network.Kind)) {
		case KindRTMP:
			adapters = append(adapters, NewRTMPAdapter(name, boolOr(network.AllowSharing, true), network.Fields))
		case KindHTTP:
			client := opts.Client
			if network.Timeout > 0 {
				client = &http.Client{Timeout: network.Timeout}
			}
			token := network.Token
			if env := strings.TrimSpace(network.TokenEnv); env != "" {
				if value := strings.TrimSpace(os.Getenv(env)); value != "" {
					token = value
				}
			}
			adapter, err := NewHTTPAdapter(HTTPConfig{
				Name:          name,
				BaseURL:       network.BaseURL,
				Token:         token,
				AllowSharing:  boolOr(network.AllowSharing, false),
				Fields:        network.Fields,
				MaxAttempts:   network.MaxAttempts,
				RetryInterval: network.RetryInterval,
				Client:        client,
				Logger:        logger,
			})
			if err != nil {
				return nil, err
			}
			adapters = append(adapters, adapter)
		}
	}
	return NewRegistry(adapters...)
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}
