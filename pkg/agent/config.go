package agent

import (
	"fmt"
	"os"
)

// LoadEnvironmentConfig fills unset provider fields from environment
// variables.
func LoadEnvironmentConfig(config *Config) error {
	if config.APIKey == "" {
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if config.BaseURL == "" {
		config.BaseURL = os.Getenv("OPENAI_API_BASE")
	}
	if config.Model == "" {
		config.Model = os.Getenv("OPENAI_API_MODEL")
	}

	if config.APIKey == "" {
		return fmt.Errorf("API key is required (set OPENAI_API_KEY environment variable)")
	}
	return nil
}
