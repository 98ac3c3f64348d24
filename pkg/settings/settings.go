// Package settings holds the configuration of the branchchat client, as read
// from the config file, the environment and command line flags through viper.
package settings

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-go-golems/branchchat/pkg/client"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type BackendKind string

const (
	// BackendServer talks to the conversation server's HTTP API.
	BackendServer BackendKind = "server"
	// BackendOpenAI streams from an OpenAI-compatible API and keeps
	// conversations in local transcripts.
	BackendOpenAI BackendKind = "openai"
)

type ServerSettings struct {
	BaseURL            string `mapstructure:"base-url" yaml:"base-url"`
	AuthToken          string `mapstructure:"auth-token" yaml:"auth-token"`
	AllowHTTP          bool   `mapstructure:"allow-http" yaml:"allow-http"`
	AllowLocalNetworks bool   `mapstructure:"allow-local-networks" yaml:"allow-local-networks"`
}

type OpenAISettings struct {
	APIKey  string `mapstructure:"api-key" yaml:"api-key"`
	BaseURL string `mapstructure:"base-url" yaml:"base-url"`
}

type AutosaveSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Format  string `mapstructure:"format" yaml:"format"`
}

type Settings struct {
	Backend  BackendKind      `mapstructure:"backend" yaml:"backend"`
	Model    string           `mapstructure:"model" yaml:"model"`
	Encoding string           `mapstructure:"encoding" yaml:"encoding"`
	DataDir  string           `mapstructure:"data-dir" yaml:"data-dir"`
	Server   ServerSettings   `mapstructure:"server" yaml:"server"`
	OpenAI   OpenAISettings   `mapstructure:"openai" yaml:"openai"`
	Autosave AutosaveSettings `mapstructure:"autosave" yaml:"autosave"`
}

// DefaultDir is ~/.branchchat, or .branchchat when the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".branchchat"
	}
	return filepath.Join(home, ".branchchat")
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend", string(BackendServer))
	v.SetDefault("model", "gpt-4o-mini")
	v.SetDefault("data-dir", DefaultDir())
	v.SetDefault("server.base-url", "http://localhost:3000")
	v.SetDefault("server.allow-http", true)
	v.SetDefault("server.allow-local-networks", true)
	v.SetDefault("openai.base-url", "https://api.openai.com/v1")
	v.SetDefault("autosave.enabled", false)
}

// Load decodes and validates the settings held by v.
func Load(v *viper.Viper) (*Settings, error) {
	var ret Settings
	if err := v.Unmarshal(&ret); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	ret.Backend = BackendKind(strings.ToLower(string(ret.Backend)))
	if ret.OpenAI.APIKey == "" {
		ret.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if err := ret.Validate(); err != nil {
		return nil, err
	}
	return &ret, nil
}

func (s *Settings) Validate() error {
	if s.Model == "" {
		return errors.New("model is required")
	}
	switch s.Backend {
	case BackendServer:
		if _, err := client.ParseBaseURL(s.Server.BaseURL, s.URLPolicy()); err != nil {
			return errors.Wrap(err, "server.base-url")
		}
	case BackendOpenAI:
		if s.OpenAI.APIKey == "" {
			return errors.New("openai.api-key is required for the openai backend")
		}
		if _, err := client.ParseBaseURL(s.OpenAI.BaseURL, s.URLPolicy()); err != nil {
			return errors.Wrap(err, "openai.base-url")
		}
	default:
		return errors.Errorf("unknown backend %q", s.Backend)
	}
	return nil
}

func (s *Settings) URLPolicy() client.URLPolicy {
	return client.URLPolicy{
		AllowHTTP:          s.Server.AllowHTTP,
		AllowLocalNetworks: s.Server.AllowLocalNetworks,
	}
}

// ConversationsDir is where the openai backend keeps its conversations.
func (s *Settings) ConversationsDir() string {
	return filepath.Join(s.DataDir, "conversations")
}

func (s *Settings) AutosaveDir() string {
	if s.Autosave.Dir != "" {
		return s.Autosave.Dir
	}
	return filepath.Join(s.DataDir, "history")
}
