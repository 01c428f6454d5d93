// Package config provides a reusable loader for the sequencer's
// configuration files and environment variables. It is versioned so that
// applications can depend on a stable API contract.
//
// Version: v0.2.0
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"zelana/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.2.0"

// Config holds every key the core sequencer recognizes. Config
// loading itself lives outside the core package (core only ever receives
// a populated Config value), so this struct carries no core-package
// imports.
type Config struct {
	MaxTransactions         int    `mapstructure:"max_transactions" json:"max_transactions"`
	MaxShielded             int    `mapstructure:"max_shielded" json:"max_shielded"`
	MaxBatchAgeSecs         int    `mapstructure:"max_batch_age_secs" json:"max_batch_age_secs"`
	MinTransactions         int    `mapstructure:"min_transactions" json:"min_transactions"`
	SettlementMaxRetries    int    `mapstructure:"settlement_max_retries" json:"settlement_max_retries"`
	SettlementBackoffBaseMs int    `mapstructure:"settlement_backoff_base_ms" json:"settlement_backoff_base_ms"`
	IngestPort              int    `mapstructure:"ingest_port" json:"ingest_port"`
	DataDir                 string `mapstructure:"data_dir" json:"data_dir"`
	ChainID                 uint64 `mapstructure:"chain_id" json:"chain_id"`
	DevMode                 bool   `mapstructure:"dev_mode" json:"dev_mode"`
	ProverURL               string `mapstructure:"prover_url" json:"prover_url"`
	SettlerURL              string `mapstructure:"settler_url" json:"settler_url"`
	L1WSURL                 string `mapstructure:"l1_ws_url" json:"l1_ws_url"`
	BridgeProgramID         string `mapstructure:"bridge_program_id" json:"bridge_program_id"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("max_transactions", 500)
	v.SetDefault("max_shielded", 1)
	v.SetDefault("max_batch_age_secs", 10)
	v.SetDefault("min_transactions", 1)
	v.SetDefault("settlement_max_retries", 3)
	v.SetDefault("settlement_backoff_base_ms", 500)
	v.SetDefault("ingest_port", 8787)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("chain_id", 1)
	v.SetDefault("dev_mode", false)
	v.SetDefault("prover_url", "http://127.0.0.1:9001")
	v.SetDefault("settler_url", "http://127.0.0.1:9002")
	v.SetDefault("l1_ws_url", "ws://127.0.0.1:9003")
	v.SetDefault("bridge_program_id", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}

// Load reads an optional configuration file and merges environment variable
// overrides on top of built-in defaults. A missing config file is not fatal:
// the sequencer is expected to run from defaults + environment alone (config
// loading is treated as an external concern the core library never owns).
func Load(env string) (*Config, error) {
	// A local .env file, if present, seeds process environment before viper
	// reads it; absence is the normal production case.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("zelana")
	if env != "" {
		v.SetConfigName("zelana." + env)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, utils.Wrap(err, fmt.Sprintf("load config (env=%s)", env))
		}
	}

	v.SetEnvPrefix("ZELANA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ZELANA_ENV environment variable
// to select an optional overlay file (e.g. "zelana.production.yaml").
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ZELANA_ENV", ""))
}
