package config

import (
	"fmt"
	"os"
	"strings"
)

const environmentEnvVar = "BINANCE_ENVIRONMENT"

// Environment selects which exchange deployment the process trades against.
type Environment string

const (
	EnvProduction Environment = "production"
	EnvTestnet    Environment = "testnet"
	EnvPaper      Environment = "paper"
)

var environmentAliases = map[string]Environment{
	"prod":       EnvProduction,
	"mainnet":    EnvProduction,
	"live":       EnvProduction,
	"test":       EnvTestnet,
	"sandbox":    EnvTestnet,
	"sim":        EnvPaper,
	"simulation": EnvPaper,
	"simulated":  EnvPaper,
}

// ParseEnvironment normalises s, resolving aliases. An empty value selects
// the testnet so an unconfigured process never reaches production.
func ParseEnvironment(s string) (Environment, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return EnvTestnet, nil
	}
	if canonical, ok := environmentAliases[v]; ok {
		return canonical, nil
	}
	switch env := Environment(v); env {
	case EnvProduction, EnvTestnet, EnvPaper:
		return env, nil
	}
	return "", fmt.Errorf("unknown environment %q", s)
}

// IsPaper reports whether orders are simulated locally.
func (e Environment) IsPaper() bool { return e == EnvPaper }

// IsProductionLike reports whether real funds are at stake.
func (e Environment) IsProductionLike() bool { return e == EnvProduction }

// EndpointsFor returns the REST and stream base URLs for env. Paper trading
// reads optional live prices from the testnet.
func (c ExchangeConfig) EndpointsFor(env Environment) EndpointConfig {
	if env == EnvProduction {
		return c.Endpoints.Production
	}
	return c.Endpoints.Testnet
}

// environmentFromEnv returns the BINANCE_ENVIRONMENT override, if any.
func environmentFromEnv() (string, bool) {
	v, ok := os.LookupEnv(environmentEnvVar)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}
