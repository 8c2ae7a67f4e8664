package utils

import (
	"bufio"
	"embed"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

//go:embed configs
var defaultConfig embed.FS

// ConfigEnvPrefix marks environment variables that override config keys:
// COMPUTE_CLIENT_CFG_POLL_INTERVAL=30s sets poll_interval
const ConfigEnvPrefix = "COMPUTE_CLIENT_CFG_"

type Config map[string]string

type ConfigManager struct {
	configsPath string
	configs     Config
	configMutex sync.RWMutex
}

// NewConfigManager reads the key = value file at path, or the per-user configs file (created from
// the embedded defaults on first use) when path is empty. Keys missing from the file fall back to
// the embedded defaults and COMPUTE_CLIENT_CFG_* variables override both.
func NewConfigManager(path string) *ConfigManager {
	if path == "" {
		path = filepath.Join(GetAppPaths("").ConfigDir, "configs")
		if err := ensureConfig(path); err != nil {
			panic(err)
		}
	}

	configs := embeddedDefaults()
	fileConfigs, err := readConfigs(path)
	if err != nil {
		panic(err)
	}
	maps.Copy(configs, fileConfigs)
	maps.Copy(configs, envOverrides(os.Environ()))

	return &ConfigManager{
		configsPath: path,
		configs:     configs,
	}
}

// NewConfigManagerFromValues builds a config from the embedded defaults overlaid with values,
// without touching the user's config directory. Used inside job containers, where the home
// directory may not be writable.
func NewConfigManagerFromValues(values Config) *ConfigManager {
	configs := embeddedDefaults()
	maps.Copy(configs, values)

	return &ConfigManager{
		configs: configs,
	}
}

func embeddedDefaults() Config {
	data, err := defaultConfig.ReadFile("configs/configs")
	if err != nil {
		return Config{}
	}
	configs, err := parseConfigs(strings.NewReader(string(data)))
	if err != nil {
		return Config{}
	}
	return configs
}

func ensureConfig(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		data, err := defaultConfig.ReadFile("configs/configs")
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0644)
	}
	return nil
}

func envOverrides(environ []string) Config {
	overrides := Config{}
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, ConfigEnvPrefix) {
			continue
		}
		if key := strings.ToLower(strings.TrimPrefix(name, ConfigEnvPrefix)); key != "" {
			overrides[key] = value
		}
	}
	return overrides
}

func readConfigs(configsPath string) (Config, error) {
	if len(configsPath) == 0 {
		return nil, fmt.Errorf("invalid configs path `%s`", configsPath)
	}

	file, err := os.Open(configsPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return parseConfigs(file)
}

// parseConfigs reads key=value lines; blank lines and lines starting with '#' are skipped
func parseConfigs(r io.Reader) (Config, error) {
	config := Config{}
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		trimmed := strings.TrimSpace(scanner.Text())
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			config[key] = strings.TrimSpace(value)
		}
	}

	return config, scanner.Err()
}

func (cm *ConfigManager) GetConfig(key string) (string, bool) {
	cm.configMutex.RLock()
	defer cm.configMutex.RUnlock()

	value, exists := cm.configs[key]
	return value, exists
}

func (cm *ConfigManager) GetConfigWithDefault(key string, defaultValue string) string {
	if value, exists := cm.GetConfig(key); exists {
		return value
	}
	return defaultValue
}

// GetConfigDuration parses a duration string from config with default fallback
func (cm *ConfigManager) GetConfigDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := cm.GetConfigWithDefault(key, defaultValue.String())
	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid duration '%s' for key '%s', using default %v\n", valueStr, key, defaultValue)
		return defaultValue
	}
	return duration
}

// GetConfigInt parses an integer from config with validation
func (cm *ConfigManager) GetConfigInt(key string, defaultValue int, min int, max int) int {
	return int(cm.GetConfigInt64(key, int64(defaultValue), int64(min), int64(max)))
}

// GetConfigInt64 parses an int64 from config with validation
func (cm *ConfigManager) GetConfigInt64(key string, defaultValue int64, min int64, max int64) int64 {
	valueStr := cm.GetConfigWithDefault(key, strconv.FormatInt(defaultValue, 10))
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid integer '%s' for key '%s', using default %d\n", valueStr, key, defaultValue)
		return defaultValue
	}
	if value < min || value > max {
		fmt.Fprintf(os.Stderr, "Value %d for key '%s' out of range [%d, %d], using default %d\n", value, key, min, max, defaultValue)
		return defaultValue
	}
	return value
}

// GetConfigBytes parses a byte size from config (supports units like KB, MB, GB)
func (cm *ConfigManager) GetConfigBytes(key string, defaultValue int64) int64 {
	valueStr := cm.GetConfigWithDefault(key, strconv.FormatInt(defaultValue, 10))

	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}

	valueStr = strings.ToLower(strings.TrimSpace(valueStr))

	// longest suffix first so "mb" is not read as "b"
	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, unit := range units {
		if strings.HasSuffix(valueStr, unit.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(valueStr, unit.suffix))
			if num, err := strconv.ParseFloat(numStr, 64); err == nil {
				return int64(num * float64(unit.multiplier))
			}
		}
	}

	fmt.Fprintf(os.Stderr, "Invalid byte size '%s' for key '%s', using default %d\n", valueStr, key, defaultValue)
	return defaultValue
}

// GetConfigSlice parses a comma-separated string into a slice
func (cm *ConfigManager) GetConfigSlice(key string, defaultValues []string) []string {
	var values []string
	for _, value := range strings.Split(cm.GetConfigWithDefault(key, ""), ",") {
		if value = strings.TrimSpace(value); value != "" {
			values = append(values, value)
		}
	}

	if len(values) == 0 {
		return defaultValues
	}
	return values
}

// GetConfigBool parses a boolean from config with default fallback
func (cm *ConfigManager) GetConfigBool(key string, defaultValue bool) bool {
	valueStr := strings.ToLower(strings.TrimSpace(cm.GetConfigWithDefault(key, strconv.FormatBool(defaultValue))))

	switch valueStr {
	case "true", "yes", "1", "on", "enabled":
		return true
	case "false", "no", "0", "off", "disabled":
		return false
	default:
		fmt.Fprintf(os.Stderr, "Invalid boolean '%s' for key '%s', using default %v\n", valueStr, key, defaultValue)
		return defaultValue
	}
}
