// Package config loads the reconciliation job's settings through viper.
//
// Settings come, in increasing precedence, from built-in defaults, a YAML
// config file and QUOTA_* environment variables. The config file is taken from
// $QUOTA_CONFIG when set, else the first quota.yaml found in the working
// directory or $HOME/.config/quota.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override (cutoff → QUOTA_CUTOFF,
// jira.api_token → QUOTA_JIRA_API_TOKEN).
const EnvPrefix = "QUOTA"

var v *viper.Viper

// Initialize sets up the viper instance with defaults, environment binding and
// the config file, if one exists. A missing config file is not an error.
func Initialize() error {
	v = viper.New()

	v.SetConfigType("yaml")
	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("quota")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "quota"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cutoff", 25)

	v.SetDefault("snapshot.dir", "/home/divitel/customerfiles")
	v.SetDefault("snapshot.pattern", "*.xml")

	v.SetDefault("worklist.path", "manual_reprovision_targets.csv")

	v.SetDefault("bundles.host", "localhost")
	v.SetDefault("bundles.port", 3306)
	v.SetDefault("bundles.user", "")
	v.SetDefault("bundles.password", "")
	v.SetDefault("bundles.database", "divitel_config_validator")
	v.SetDefault("bundles.table", "product_bundle")
	v.SetDefault("bundles.timeout", 30*time.Second)

	v.SetDefault("prodis.url", "")
	v.SetDefault("prodis.timeout", 30*time.Second)

	v.SetDefault("jira.url", "")
	v.SetDefault("jira.username", "")
	v.SetDefault("jira.api_token", "")
	v.SetDefault("jira.project", "DIV")
	v.SetDefault("jira.issue_type", "Incident")
	v.SetDefault("jira.summary_prefix", "KROKET - Quota")
	v.SetDefault("jira.labels", []string{"KROKET_QUOTA"})
	v.SetDefault("jira.assignee", "dsupport")
	v.SetDefault("jira.browse_url", "")
	v.SetDefault("jira.timeout", 30*time.Second)
	v.SetDefault("jira.extra_fields", map[string]string{})

	v.SetDefault("log.file", "quota.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// ConfigFileUsed returns the config file viper read, or "" if none.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// GetString retrieves a string configuration value
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetInt retrieves an integer configuration value
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// GetStringSlice retrieves a string slice configuration value
func GetStringSlice(key string) []string {
	if v == nil {
		return nil
	}
	return v.GetStringSlice(key)
}

// GetStringMapString retrieves a map of strings configuration value
func GetStringMapString(key string) map[string]string {
	if v == nil {
		return nil
	}
	return v.GetStringMapString(key)
}

// ResetForTesting drops the viper instance so the next Initialize starts clean.
func ResetForTesting() {
	v = nil
}
