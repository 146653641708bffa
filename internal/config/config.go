package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

const (
	envPrefix = "VERIDOC"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultGatewayURL       = "https://gateway.pinata.cloud/ipfs/"
	defaultLogLevel         = "info"
	defaultFetchConcurrency = 8
	defaultFetchTimeoutSec  = 10
	defaultPollIntervalSec  = 15
)

// AppConfig captures runtime configuration for the verification engine API.
type AppConfig struct {
	HTTPAddress        string
	LedgerRPCURL       string
	ContractAddress    string
	MetadataGatewayURL string
	FetchConcurrency   int
	FetchTimeout       time.Duration
	PollInterval       time.Duration
	LogLevel           string
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
	configViper.SetDefault("metadata.gateway_url", defaultGatewayURL)
	configViper.SetDefault("fetch.concurrency", defaultFetchConcurrency)
	configViper.SetDefault("fetch.timeout_seconds", defaultFetchTimeoutSec)
	configViper.SetDefault("poll.interval_seconds", defaultPollIntervalSec)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		LedgerRPCURL:       configViper.GetString("ledger.rpc_url"),
		ContractAddress:    configViper.GetString("ledger.contract_address"),
		MetadataGatewayURL: configViper.GetString("metadata.gateway_url"),
		FetchConcurrency:   configViper.GetInt("fetch.concurrency"),
		FetchTimeout:       time.Duration(configViper.GetInt("fetch.timeout_seconds")) * time.Second,
		PollInterval:       time.Duration(configViper.GetInt("poll.interval_seconds")) * time.Second,
		LogLevel:           configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.LedgerRPCURL) == "" {
		return fmt.Errorf("ledger.rpc_url is required")
	}
	if strings.TrimSpace(c.ContractAddress) == "" {
		return fmt.Errorf("ledger.contract_address is required")
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("ledger.contract_address %q is not a valid address", c.ContractAddress)
	}
	if strings.TrimSpace(c.MetadataGatewayURL) == "" {
		return fmt.Errorf("metadata.gateway_url is required")
	}
	if c.FetchConcurrency <= 0 {
		return fmt.Errorf("fetch.concurrency must be positive")
	}
	return nil
}
