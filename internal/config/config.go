package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "INKSTONE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultDocumentPath = "inkstone.db"
	defaultLogLevel     = "info"
)

// AppConfig captures runtime configuration for the document server.
type AppConfig struct {
	HTTPAddress          string
	DocumentPath         string
	SessionSigningSecret string
	LogLevel             string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("document.path", defaultDocumentPath)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DocumentPath:         configViper.GetString("document.path"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		LogLevel:             configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DocumentPath) == "" {
		return fmt.Errorf("document.path is required")
	}
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	return nil
}
