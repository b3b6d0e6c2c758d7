package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"clusterdb/pkg/types"
)

// Config - root configuration of a data node.
// yaml and validate tags drive parsing and validation.
type Config struct {
	Logger  LoggerConfig  `yaml:"logger" validate:"required"`
	Server  ServerConfig  `yaml:"http-server" validate:"required"`
	Cluster ClusterConfig `yaml:"cluster" validate:"required"`
	Raft    RaftConfig    `yaml:"raft" validate:"required"`
	Storage StorageConfig `yaml:"storage" validate:"required"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" validate:"required"`
	RequestTimeout    time.Duration `yaml:"request_timeout" validate:"required"`
	MaxBodySize       int64         `yaml:"max_body_size" validate:"required,min=1"`
}

type ClusterConfig struct {
	ThisNode          types.Node      `yaml:"this_node" validate:"required"`
	ReplicationFactor int             `yaml:"replication_factor" validate:"required,min=1"`
	SlotNum           int             `yaml:"slot_num" validate:"required,min=1"`
	ZooKeeper         ZooKeeperConfig `yaml:"zookeeper" validate:"required"`
}

type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers" validate:"required,min=1,dive,hostname_port"`
	RootPath       string        `yaml:"root_path" validate:"required,startswith=/"`
	SessionTimeout time.Duration `yaml:"session_timeout" validate:"required"`
}

// RaftConfig holds the per-group consensus tuning. IDs and peers come from
// the group a member serves.
type RaftConfig struct {
	TickInterval              time.Duration `yaml:"tick_interval" validate:"required"`
	ElectionTick              int           `yaml:"election_tick" validate:"required,gtfield=HeartbeatTick"`
	HeartbeatTick             int           `yaml:"heartbeat_tick" validate:"required,min=1"`
	MaxSizePerMsg             uint64        `yaml:"max_size_per_msg" validate:"required"`
	MaxCommittedSizePerReady  uint64        `yaml:"max_committed_size_per_ready"`
	MaxUncommittedEntriesSize uint64        `yaml:"max_uncommitted_entries_size"`
	MaxInflightMsgs           int           `yaml:"max_inflight_msgs" validate:"required,min=1"`
	CheckQuorum               bool          `yaml:"check_quorum"`
	PreVote                   bool          `yaml:"pre_vote"`
}

type StorageConfig struct {
	RootPath      string `yaml:"path" validate:"required"`
	SnapshotCodec string `yaml:"snapshot_codec" validate:"required,oneof=none snappy zstd gzip"`
	MaxReadSize   int    `yaml:"max_read_size" validate:"required,min=1"` // bytes per ReadFile
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Validate checks the config against its validate tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              40010,
			ReadHeaderTimeout: time.Second,
			RequestTimeout:    5 * time.Second,
			MaxBodySize:       64 << 20,
		},
		Cluster: ClusterConfig{
			ThisNode: types.Node{
				IP:         "127.0.0.1",
				MetaPort:   9003,
				DataPort:   40010,
				Identifier: 1,
			},
			ReplicationFactor: 2,
			SlotNum:           10000,
			ZooKeeper: ZooKeeperConfig{
				Servers:        []string{"127.0.0.1:2181"},
				RootPath:       "/clusterdb",
				SessionTimeout: 5 * time.Second,
			},
		},
		Raft: RaftConfig{
			TickInterval:              100 * time.Millisecond,
			ElectionTick:              10,
			HeartbeatTick:             2,
			MaxSizePerMsg:             1024 * 1024,
			MaxCommittedSizePerReady:  4 * 1024 * 1024,
			MaxUncommittedEntriesSize: 1 << 30,
			MaxInflightMsgs:           256,
			CheckQuorum:               true,
			PreVote:                   true,
		},
		Storage: StorageConfig{
			RootPath:      "./data",
			SnapshotCodec: "snappy",
			MaxReadSize:   4 << 20,
		},
	}
}
