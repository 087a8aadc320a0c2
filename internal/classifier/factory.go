package classifier

import (
	"fmt"

	"github.com/rcliao/care-companion/internal/config"
)

// NewProvider creates the provider named in cfg.
func NewProvider(cfg config.ClassifierConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "rules":
		return NewRulesProvider(), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.Endpoint), nil
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.Model, cfg.Endpoint), nil
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("http classifier requires an endpoint")
		}
		return NewHTTPProvider(cfg.Endpoint, cfg.APIKey, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unknown classifier provider %q", cfg.Provider)
	}
}
