package gateway

import (
	"strings"
	"time"

	"github.com/ManuelReschke/TaxDesk/internal/pkg/env"
	"github.com/ManuelReschke/TaxDesk/internal/pkg/sdistatus"
	"github.com/gofiber/fiber/v2/log"
)

type Config struct {
	Default      string
	Timeout      time.Duration
	SafetyMargin time.Duration
	// TokenStore is "memory" (per instance) or "redis" (shared).
	TokenStore string
	BrokerA    BrokerAConfig
	BrokerB    BrokerBConfig
	Direct     DirectConfig
}

func LoadConfig() Config {
	timeout := env.GetDuration("GATEWAY_TIMEOUT", DefaultTimeout)
	margin := env.GetDuration("GATEWAY_TOKEN_SAFETY_MARGIN", DefaultSafetyMargin)
	return Config{
		Default:      strings.ToLower(env.GetEnv("GATEWAY_DEFAULT", sdistatus.ProviderBrokerA)),
		Timeout:      timeout,
		SafetyMargin: margin,
		TokenStore:   strings.ToLower(env.GetEnv("GATEWAY_TOKEN_STORE", "memory")),
		BrokerA: BrokerAConfig{
			BaseURL:      env.GetEnv("BROKER_A_URL", ""),
			Username:     env.GetEnv("BROKER_A_USERNAME", ""),
			Password:     env.GetEnv("BROKER_A_PASSWORD", ""),
			APIKey:       env.GetEnv("BROKER_A_API_KEY", ""),
			SafetyMargin: margin,
			Timeout:      timeout,
		},
		BrokerB: BrokerBConfig{
			BaseURL:      env.GetEnv("BROKER_B_URL", ""),
			ClientID:     env.GetEnv("BROKER_B_CLIENT_ID", ""),
			ClientSecret: env.GetEnv("BROKER_B_CLIENT_SECRET", ""),
			SafetyMargin: margin,
			Timeout:      timeout,
		},
		Direct: DirectConfig{
			BaseURL:      env.GetEnv("DIRECT_URL", ""),
			Username:     env.GetEnv("DIRECT_USERNAME", ""),
			Password:     env.GetEnv("DIRECT_PASSWORD", ""),
			SafetyMargin: margin,
			Timeout:      timeout,
		},
	}
}

// NewRegistryFromConfig builds a client for every provider with a base URL.
func NewRegistryFromConfig(cfg Config, tokens TokenStore, tenants TenantStore) *Registry {
	var clients []Client
	if cfg.BrokerA.BaseURL != "" {
		clients = append(clients, NewBrokerA(cfg.BrokerA, tokens))
	}
	if cfg.BrokerB.BaseURL != "" {
		clients = append(clients, NewBrokerB(cfg.BrokerB, tokens, tenants))
	}
	if cfg.Direct.BaseURL != "" {
		clients = append(clients, NewDirect(cfg.Direct, tokens))
	}
	for _, c := range clients {
		log.Infof("[Gateway] %s client enabled", c.Provider())
	}
	if len(clients) == 0 {
		log.Warn("[Gateway] no gateway provider configured")
	}
	return NewRegistry(cfg.Default, clients...)
}
