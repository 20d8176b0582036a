package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var ErrInvalidNetwork = errors.New("invalid network")

type Peer struct {
	Name    string `yaml:"name" validate:"required"`
	Address string `yaml:"address" validate:"required"`
	Key     string `yaml:"key"`
	UID     int    `yaml:"uid"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" validate:"oneof=file sqlite badger"`
	Path    string `yaml:"path" validate:"required"`

	// Compress snappy-compresses sqlite and badger values.
	Compress bool `yaml:"compress"`
}

type MainConfig struct {
	NodeName string `yaml:"node_name"`
	Network  string `yaml:"network" validate:"required"`
	Subnet   int    `yaml:"subnet" validate:"gte=0"`
	Search   string `yaml:"search"`
	Tag      string `yaml:"tag" validate:"required"`
	KeyName  string `yaml:"key_name" validate:"required"`
	Secret   string `yaml:"secret"`

	Alpha           float64  `yaml:"alpha" validate:"gte=0,lte=1"`
	MinScore        float64  `yaml:"min_score" validate:"gte=0"`
	MaxHistory      int      `yaml:"max_history" validate:"gte=0"`
	HistoryFeatures []string `yaml:"history_features" validate:"dive,oneof=score timestamp latency success"`

	NumWorkers int           `yaml:"num_workers" validate:"gte=0"`
	BatchSize  int           `yaml:"batch_size" validate:"gte=1"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`

	MaxStaleness     time.Duration `yaml:"max_staleness" validate:"gte=0"`
	VoteStalenessMax time.Duration `yaml:"vote_staleness_max" validate:"gte=0"`
	SyncInterval     time.Duration `yaml:"sync_interval" validate:"gt=0"`
	PrintInterval    time.Duration `yaml:"print_interval" validate:"gt=0"`
	VoteInterval     time.Duration `yaml:"vote_interval" validate:"gte=0"`
	MinNumWeights    int           `yaml:"min_num_weights" validate:"gte=0"`
	RunLoopSleep     time.Duration `yaml:"run_loop_sleep" validate:"gt=0"`
	StallTimeout     time.Duration `yaml:"stall_timeout" validate:"gt=0"`
	LivenessInterval time.Duration `yaml:"liveness_interval" validate:"gt=0"`
	Vote             bool          `yaml:"vote"`

	RequirePeers bool          `yaml:"require_peers"`
	RegistryURL  string        `yaml:"registry_url" validate:"omitempty,url"`
	Peers        []Peer        `yaml:"peers" validate:"dive"`
	Storage      StorageConfig `yaml:"storage"`

	LogPath    string `yaml:"log_path"`
	LogLevel   string `yaml:"log_level" validate:"oneof=debug info warn error"`
	StatusPort string `yaml:"status_port"`
	WebPath    string `yaml:"web_path" validate:"startswith=/"`

	// StatusAllow restricts eval and vote requests to these IPs or CIDRs.
	StatusAllow []string `yaml:"status_allow" validate:"dive,cidr|ip"`
}

// DefaultConfig returns the configuration used when no file overrides a field.
func DefaultConfig() MainConfig {
	return MainConfig{
		NodeName:         "vali",
		Network:          "local",
		Tag:              "base",
		KeyName:          "module",
		Alpha:            1.0,
		MaxHistory:       10,
		HistoryFeatures:  []string{"score", "timestamp", "latency"},
		NumWorkers:       1,
		BatchSize:        32,
		Timeout:          10 * time.Second,
		MaxStaleness:     60 * time.Second,
		VoteStalenessMax: 1000 * time.Second,
		SyncInterval:     60 * time.Second,
		PrintInterval:    10 * time.Second,
		VoteInterval:     100 * time.Second,
		MinNumWeights:    1,
		RunLoopSleep:     5 * time.Second,
		StallTimeout:     5 * time.Minute,
		LivenessInterval: 30 * time.Second,
		Vote:             true,
		Storage: StorageConfig{
			Backend: "file",
			Path:    "./data",
		},
		LogLevel:   "info",
		StatusPort: "25580",
		WebPath:    "/vali",
	}
}

// LoadMainConfig Read the configuration file and return the configuration object
func LoadMainConfig(basePath string) (*MainConfig, error) {
	defaultCfg := DefaultConfig()

	if basePath == "" {
		exePath, err := os.Executable()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Dir(exePath)
	}
	configPath := filepath.Join(basePath, "config", "vali.yml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return &defaultCfg, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return &defaultCfg, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if err := cfg.Normalize(); err != nil {
		return &defaultCfg, err
	}
	if err := cfg.Validate(); err != nil {
		return &defaultCfg, err
	}

	return &cfg, nil
}

// Normalize resolves the network string into network and subnet.
func (c *MainConfig) Normalize() error {
	network, subnet, err := ParseNetwork(c.Network, c.Subnet)
	if err != nil {
		return err
	}
	c.Network = network
	c.Subnet = subnet
	return nil
}

func (c *MainConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ParseNetwork accepts "{network}.{subnet}" for subspace networks. A bare
// "subspace" maps to subnet 0; any other network keeps the given subnet.
func ParseNetwork(network string, subnet int) (string, int, error) {
	if !strings.Contains(network, "subspace") {
		return network, subnet, nil
	}
	if !strings.Contains(network, ".") {
		return "subspace", 0, nil
	}
	parts := strings.Split(network, ".")
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("%w: must be in the form of {network}.{subnet}, got %s", ErrInvalidNetwork, network)
	}
	id, err := strconv.Atoi(parts[1])
	if err != nil || id < 0 {
		return "", 0, fmt.Errorf("%w: subnet must be a non-negative integer, got %s", ErrInvalidNetwork, parts[1])
	}
	return parts[0], id, nil
}

// StoragePath is the directory that holds one record per evaluated peer.
func (c *MainConfig) StoragePath() string {
	return c.Tag + "." + c.Network
}

// VotePath is where the last submitted vote is kept.
func (c *MainConfig) VotePath() string {
	return "votes/" + c.Network + "/" + c.Tag
}
