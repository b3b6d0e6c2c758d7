package config

import (
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestValidateRejectsBrokenConfig(t *testing.T) {
	cases := map[string]func(c *Config){
		"zero replication": func(c *Config) { c.Cluster.ReplicationFactor = 0 },
		"bad log level":    func(c *Config) { c.Logger.Level = "TRACE" },
		"no zookeeper":     func(c *Config) { c.Cluster.ZooKeeper.Servers = nil },
		"relative zk root": func(c *Config) { c.Cluster.ZooKeeper.RootPath = "clusterdb" },
		"election <= hb":   func(c *Config) { c.Raft.ElectionTick = c.Raft.HeartbeatTick },
		"missing node ip":  func(c *Config) { c.Cluster.ThisNode.IP = "" },
		"unknown codec":    func(c *Config) { c.Storage.SnapshotCodec = "lz4" },
		"no read limit":    func(c *Config) { c.Storage.MaxReadSize = 0 },
		"no body limit":    func(c *Config) { c.Server.MaxBodySize = 0 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), "invalid config") {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
