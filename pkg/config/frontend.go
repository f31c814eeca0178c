package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v2"
)

type FrontendCfg struct {
	LogLevel string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogFile  string `json:"log_file" toml:"log_file" yaml:"log_file"`

	Addr  string `json:"addr" toml:"addr" yaml:"addr"`
	Proto string `json:"proto" toml:"proto" yaml:"proto"`

	RecvBufferSize int `json:"recv_buffer_size" toml:"recv_buffer_size" yaml:"recv_buffer_size"`
	SendBufferSize int `json:"send_buffer_size" toml:"send_buffer_size" yaml:"send_buffer_size"`

	MaxRecompileAttempts int   `json:"max_recompile_attempts" toml:"max_recompile_attempts" yaml:"max_recompile_attempts"`
	MaxBlobSize          int   `json:"max_blob_size" toml:"max_blob_size" yaml:"max_blob_size"`
	QueryTimeoutMs       int64 `json:"query_timeout_ms" toml:"query_timeout_ms" yaml:"query_timeout_ms"`

	SelectCacheCapacity int `json:"select_cache_capacity" toml:"select_cache_capacity" yaml:"select_cache_capacity"`
	InsertCacheCapacity int `json:"insert_cache_capacity" toml:"insert_cache_capacity" yaml:"insert_cache_capacity"`
}

var cfgFrontend = DefaultFrontendCfg()

func DefaultFrontendCfg() FrontendCfg {
	return FrontendCfg{
		LogLevel:             "info",
		Addr:                 "localhost:6432",
		Proto:                "tcp",
		RecvBufferSize:       1 << 20,
		SendBufferSize:       1 << 20,
		MaxRecompileAttempts: 10,
		MaxBlobSize:          512 * 1024 * 1024,
		QueryTimeoutMs:       0,
		SelectCacheCapacity:  512,
		InsertCacheCapacity:  512,
	}
}

func LoadFrontendCfg(cfgPath string) error {
	file, err := os.Open(cfgPath)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := initFrontendConfig(file, cfgPath); err != nil {
		return err
	}

	configBytes, err := json.MarshalIndent(cfgFrontend, "", "  ")
	if err != nil {
		return err
	}

	log.Println("Running config:", string(configBytes))
	return nil
}

func initFrontendConfig(file *os.File, filepath string) error {
	if strings.HasSuffix(filepath, ".toml") {
		_, err := toml.NewDecoder(file).Decode(&cfgFrontend)
		return err
	}
	if strings.HasSuffix(filepath, ".yaml") || strings.HasSuffix(filepath, ".yml") {
		return yaml.NewDecoder(file).Decode(&cfgFrontend)
	}
	if strings.HasSuffix(filepath, ".json") {
		return json.NewDecoder(file).Decode(&cfgFrontend)
	}
	return fmt.Errorf("unknown config format type: %s. Use .toml, .yaml or .json suffix in filename", filepath)
}

func FrontendConfig() *FrontendCfg {
	return &cfgFrontend
}
