package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/sqlpool/pkg/poolerrors"
)

// Load reads a YAML file, substitutes ${VAR} and ${VAR:-default}
// references from the environment, applies defaults and validates.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller
	if err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "failed to read config file").
			WithDetail("path", filePath)
	}
	cfg, err := Parse(data)
	if err != nil {
		if perr, ok := err.(*poolerrors.Error); ok {
			return nil, perr.WithDetail("path", filePath)
		}
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	content := substituteEnvVars(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "failed to parse YAML")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes a configuration as YAML.
func Save(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// UnmarshalYAML fills unset pool fields with DefaultPoolConfig.
func (d *DatabaseConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain DatabaseConfig
	raw := plain{Pool: DefaultPoolConfig()}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*d = DatabaseConfig(raw)
	return nil
}

// SetDefaults registers the defaults on a viper instance.
func SetDefaults(v *viper.Viper) {
	def := Defaults()
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.encoding", def.Log.Encoding)
	v.SetDefault("log.development", def.Log.Development)
	v.SetDefault("metrics.enabled", def.Metrics.Enabled)
	v.SetDefault("metrics.address", def.Metrics.Address)
	v.SetDefault("tracing.enabled", def.Tracing.Enabled)
}

// LoadViper builds a Config from everything a viper instance knows: config
// file, environment and flags. String values go through the same ${VAR}
// substitution as Load, and every database entry starts from
// DefaultPoolConfig.
func LoadViper(v *viper.Viper) (*Config, error) {
	cfg := Defaults()
	if entries, ok := v.Get("databases").([]any); ok {
		cfg.Databases = make([]DatabaseConfig, len(entries))
		for i := range cfg.Databases {
			cfg.Databases[i].Pool = DefaultPoolConfig()
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		expandEnvHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeConfig, "failed to decode settings")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func expandEnvHook(from, _ reflect.Kind, data any) (any, error) {
	str, ok := data.(string)
	if from != reflect.String || !ok {
		return data, nil
	}
	return substituteEnvVars(str), nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// ${VAR_NAME:-fallback} uses fallback when the variable is unset or empty.
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := content[start+2 : end]
		name, fallback, hasFallback := strings.Cut(expr, ":-")
		value := os.Getenv(name)
		if value == "" && hasFallback {
			value = fallback
		}

		b.WriteString(content[:start])
		b.WriteString(value)
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
