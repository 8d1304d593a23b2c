// Package config loads and validates the node configuration from yaml and
// environment variables.
package config

import (
	"fmt"
	"math/big"
	"net/netip"
	"net/url"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/agentfabric/agent-fabric/internal/ilpaddr"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"

	ModeEmbedded   = "embedded"
	ModeStandalone = "standalone"
)

type Config struct {
	NodeID         string `mapstructure:"node_id"`
	ILPAddress     string `mapstructure:"ilp_address"`
	ListenPort     int    `mapstructure:"listen_port"`
	HealthPort     int    `mapstructure:"health_port"`
	Environment    string `mapstructure:"environment"`
	DeploymentMode string `mapstructure:"deployment_mode"`

	Peers  []PeerConfig  `mapstructure:"peers"`
	Routes []RouteConfig `mapstructure:"routes"`

	AdminAPI        AdminAPIConfig        `mapstructure:"admin_api"`
	Settlement      SettlementConfig      `mapstructure:"settlement"`
	SettlementInfra SettlementInfraConfig `mapstructure:"settlement_infra"`
	LocalDelivery   LocalDeliveryConfig   `mapstructure:"local_delivery"`
	Redis           RedisConfig           `mapstructure:"redis"`
}

type PeerConfig struct {
	ID        string `mapstructure:"id"`
	Endpoint  string `mapstructure:"endpoint"`
	AuthToken string `mapstructure:"auth_token"`
	ChainTag  string `mapstructure:"chain_tag"`
}

type RouteConfig struct {
	Prefix   string `mapstructure:"prefix"`
	NextHop  string `mapstructure:"next_hop"`
	Priority int    `mapstructure:"priority"`
}

type AdminAPIConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	APIKey     string   `mapstructure:"api_key"`
	AllowedIPs []string `mapstructure:"allowed_ips"`
	TrustProxy bool     `mapstructure:"trust_proxy"`
}

type SettlementConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Threshold         string `mapstructure:"threshold"`
	PollingIntervalMs int    `mapstructure:"polling_interval_ms"`
	TimeoutSecs       int    `mapstructure:"timeout_secs"`
}

type SettlementInfraConfig struct {
	PrivateKey      string `mapstructure:"private_key"`
	RPCURL          string `mapstructure:"rpc_url"`
	RegistryAddress string `mapstructure:"registry_address"`
	TokenAddress    string `mapstructure:"token_address"`
	ChainID         int64  `mapstructure:"chain_id"`
}

type LocalDeliveryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	HandlerURL string `mapstructure:"handler_url"`
	TimeoutMs  int    `mapstructure:"timeout_ms"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("listen_port", 7280)
	v.SetDefault("health_port", 8080)
	v.SetDefault("environment", EnvDev)
	v.SetDefault("deployment_mode", ModeStandalone)
	v.SetDefault("settlement.threshold", "1000000")
	v.SetDefault("settlement.polling_interval_ms", 5000)
	v.SetDefault("settlement.timeout_secs", 30)
	v.SetDefault("local_delivery.timeout_ms", 5000)
	v.SetDefault("redis.addr", "redis:6379")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"node_id":                           "NODE_ID",
		"ilp_address":                       "ILP_ADDRESS",
		"listen_port":                       "LISTEN_PORT",
		"health_port":                       "HEALTH_PORT",
		"environment":                       "ENVIRONMENT",
		"deployment_mode":                   "DEPLOYMENT_MODE",
		"admin_api.api_key":                 "ADMIN_API_KEY",
		"settlement.threshold":              "SETTLEMENT_THRESHOLD",
		"settlement_infra.private_key":      "SETTLEMENT_PRIVATE_KEY",
		"settlement_infra.rpc_url":          "SETTLEMENT_RPC_URL",
		"settlement_infra.registry_address": "SETTLEMENT_REGISTRY",
		"settlement_infra.token_address":    "SETTLEMENT_TOKEN",
		"settlement_infra.chain_id":         "SETTLEMENT_CHAIN_ID",
		"local_delivery.handler_url":        "HANDLER_URL",
		"redis.addr":                        "REDIS_ADDR",
		"redis.password":                    "REDIS_PASSWORD",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Threshold parses the settlement threshold.
func (c *Config) Threshold() (*big.Int, bool) {
	t, ok := new(big.Int).SetString(c.Settlement.Threshold, 10)
	if !ok || t.Sign() <= 0 {
		return nil, false
	}
	return t, true
}

// mainnetChainIDs are the production chains the settlement registry is
// deployed on.
var mainnetChainIDs = map[int64]bool{
	1:     true, // Ethereum
	8453:  true, // Base
	42161: true, // Arbitrum One
	16661: true, // 0G mainnet
}

// weakKeys are throwaway private keys shipped with common dev tooling.
var weakKeys = map[string]bool{
	"0000000000000000000000000000000000000000000000000000000000000000": true,
	"0000000000000000000000000000000000000000000000000000000000000001": true,
	// hardhat / anvil default accounts 0 and 1
	"ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80": true,
	"59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d": true,
}

// Validate applies structural checks everywhere and the environment-gated
// hardening checks. In prod every violation is fatal; in dev and staging the
// hardening violations are logged as warnings and startup proceeds.
func (c *Config) Validate(log *zap.Logger) error {
	if err := c.validateStructure(); err != nil {
		return err
	}

	strict := c.Environment == EnvProd
	for _, v := range c.hardeningViolations() {
		if strict {
			return fmt.Errorf("config: %s", v)
		}
		log.Warn("config hardening check failed", zap.String("violation", v))
	}
	return nil
}

func (c *Config) validateStructure() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if _, err := ilpaddr.Parse(c.ILPAddress); err != nil {
		return fmt.Errorf("config: ilp_address: %w", err)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: listen_port %d out of range", c.ListenPort)
	}
	if c.HealthPort < 0 || c.HealthPort > 65535 {
		return fmt.Errorf("config: health_port %d out of range", c.HealthPort)
	}

	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("config: environment %q not one of dev, staging, prod", c.Environment)
	}
	switch c.DeploymentMode {
	case ModeEmbedded, ModeStandalone:
	default:
		return fmt.Errorf("config: deployment_mode %q not one of embedded, standalone", c.DeploymentMode)
	}

	seen := map[string]bool{}
	for i, p := range c.Peers {
		if p.ID == "" || p.Endpoint == "" || p.AuthToken == "" {
			return fmt.Errorf("config: peers[%d] needs id, endpoint and auth_token", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate peer id %q", p.ID)
		}
		seen[p.ID] = true
	}
	for i, r := range c.Routes {
		if _, err := ilpaddr.Parse(r.Prefix); err != nil {
			return fmt.Errorf("config: routes[%d] prefix: %w", i, err)
		}
		if !seen[r.NextHop] {
			return fmt.Errorf("config: routes[%d] next_hop %q is not a configured peer", i, r.NextHop)
		}
	}

	if c.Settlement.Enabled {
		if _, ok := c.Threshold(); !ok {
			return fmt.Errorf("config: settlement.threshold %q is not a positive integer", c.Settlement.Threshold)
		}
		if c.SettlementInfra.PrivateKey == "" || c.SettlementInfra.RPCURL == "" {
			return fmt.Errorf("config: settlement enabled but settlement_infra incomplete")
		}
	}

	if c.DeploymentMode == ModeEmbedded && c.LocalDelivery.Enabled {
		return fmt.Errorf("config: embedded mode forbids the HTTP local-delivery path")
	}
	if c.DeploymentMode == ModeStandalone && c.LocalDelivery.Enabled && c.LocalDelivery.HandlerURL == "" {
		return fmt.Errorf("config: local_delivery enabled but handler_url is empty")
	}

	for i, entry := range c.AdminAPI.AllowedIPs {
		if !validIPOrCIDR(entry) {
			return fmt.Errorf("config: admin_api.allowed_ips[%d] %q is not an IP or CIDR", i, entry)
		}
	}
	return nil
}

// hardeningViolations lists the checks that are fatal only in prod.
func (c *Config) hardeningViolations() []string {
	var out []string
	if c.Settlement.Enabled {
		if !mainnetChainIDs[c.SettlementInfra.ChainID] {
			out = append(out, fmt.Sprintf("settlement_infra.chain_id %d is not a mainnet chain", c.SettlementInfra.ChainID))
		}
		if loopbackURL(c.SettlementInfra.RPCURL) {
			out = append(out, "settlement_infra.rpc_url points at loopback")
		}
		if !tlsURL(c.SettlementInfra.RPCURL) {
			out = append(out, "settlement_infra.rpc_url must use TLS")
		}
		key := strings.TrimPrefix(strings.ToLower(c.SettlementInfra.PrivateKey), "0x")
		if weakKeys[key] {
			out = append(out, "settlement_infra.private_key is a known development key")
		}
	}
	if c.AdminAPI.Enabled && c.AdminAPI.APIKey == "" && len(c.AdminAPI.AllowedIPs) == 0 {
		out = append(out, "admin_api requires api_key or allowed_ips")
	}
	return out
}

func validIPOrCIDR(s string) bool {
	if _, err := netip.ParseAddr(s); err == nil {
		return true
	}
	_, err := netip.ParsePrefix(s)
	return err == nil
}

func loopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	addr, err := netip.ParseAddr(host)
	return err == nil && addr.IsLoopback()
}

func tlsURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "https" || u.Scheme == "wss"
}
