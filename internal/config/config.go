// Package config assembles the per-component settings into one loadable
// block: defaults, then environment variables, then the optional YAML file
// named by CONFIG_FILE, later layers winning.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/temporal-graph-ingest/internal/centrality"
	"github.com/temporal-graph-ingest/internal/embedding"
	"github.com/temporal-graph-ingest/internal/graph"
	"github.com/temporal-graph-ingest/internal/identity"
	"github.com/temporal-graph-ingest/internal/llm"
	"github.com/temporal-graph-ingest/internal/policy"
	"github.com/temporal-graph-ingest/internal/queue"
	"github.com/temporal-graph-ingest/internal/webhook"
	"github.com/temporal-graph-ingest/internal/worker"
)

// Graph selects and configures the store backend.
type Graph struct {
	// Backend is one of memory, neo4j, falkordb.
	Backend string `env:"GRAPH_BACKEND" envDefault:"memory" yaml:"backend"`

	Neo4jURI      string `env:"NEO4J_URI" envDefault:"bolt://localhost:7687" yaml:"neo4j_uri"`
	Neo4jUser     string `env:"NEO4J_USER" envDefault:"neo4j" yaml:"neo4j_user"`
	Neo4jPassword string `env:"NEO4J_PASSWORD" yaml:"neo4j_password"`
	Neo4jDatabase string `env:"NEO4J_DATABASE" envDefault:"neo4j" yaml:"neo4j_database"`

	FalkorAddr     string `env:"FALKORDB_ADDR" envDefault:"localhost:6379" yaml:"falkordb_addr"`
	FalkorPassword string `env:"FALKORDB_PASSWORD" yaml:"falkordb_password"`
	FalkorGraph    string `env:"FALKORDB_GRAPH" envDefault:"graph" yaml:"falkordb_graph"`
}

// Neo4j returns the driver settings.
func (g Graph) Neo4j() graph.Neo4jConfig {
	return graph.Neo4jConfig{
		URI:      g.Neo4jURI,
		Username: g.Neo4jUser,
		Password: g.Neo4jPassword,
		Database: g.Neo4jDatabase,
	}
}

// Falkor returns the driver settings.
func (g Graph) Falkor() graph.FalkorConfig {
	return graph.FalkorConfig{
		Addr:     g.FalkorAddr,
		Password: g.FalkorPassword,
		Graph:    g.FalkorGraph,
	}
}

// Broker configures the queue transport.
type Broker struct {
	URL        string        `env:"QUEUE_BROKER_URL" envDefault:"http://localhost:8093" yaml:"url"`
	Timeout    time.Duration `env:"QUEUE_TIMEOUT" envDefault:"30s" yaml:"timeout"`
	MaxRetries uint64        `env:"QUEUE_MAX_RETRIES" envDefault:"3" yaml:"max_retries"`
}

// Client returns the queue client settings.
func (b Broker) Client() queue.Config {
	return queue.Config{BaseURL: b.URL, Timeout: b.Timeout, MaxRetries: b.MaxRetries}
}

// Config is the full service configuration.
type Config struct {
	ServerAddr string `env:"SERVER_ADDR" envDefault:":8090" yaml:"server_addr"`
	NATSURL    string `env:"NATS_URL" yaml:"nats_url"`

	Graph   Graph          `yaml:"graph"`
	Broker  Broker         `yaml:"broker"`
	Worker  worker.Config  `yaml:"worker"`
	Webhook webhook.Config `yaml:"webhook"`

	// Targets is yaml-only: external webhook subscribers.
	Targets []webhook.Target `yaml:"webhook_targets"`

	Embedding  embedding.Config  `yaml:"embedding"`
	LLM        llm.Config        `yaml:"llm"`
	Centrality centrality.Config `yaml:"centrality"`

	// These components carry their own env parsing.
	Identity    identity.Config          `yaml:"-"`
	RateLimiter policy.RateLimiterConfig `yaml:"-"`
}

// Default returns the baked-in settings.
func Default() *Config {
	return &Config{
		ServerAddr:  ":8090",
		Graph:       Graph{Backend: "memory", Neo4jURI: "bolt://localhost:7687", Neo4jUser: "neo4j", Neo4jDatabase: "neo4j", FalkorAddr: "localhost:6379", FalkorGraph: "graph"},
		Broker:      Broker{URL: "http://localhost:8093", Timeout: 30 * time.Second, MaxRetries: 3},
		Worker:      worker.DefaultConfig(),
		Webhook:     webhook.DefaultConfig(),
		Embedding:   embedding.DefaultConfig(),
		LLM:         llm.DefaultConfig(),
		Centrality:  centrality.DefaultConfig(),
		Identity:    identity.DefaultConfig(),
		RateLimiter: policy.DefaultRateLimiterConfig(),
	}
}

// Load layers defaults, the environment, and then the YAML file named by
// CONFIG_FILE (if any). Keys present in the file win.
func Load() (*Config, error) {
	cfg := Default()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.Identity = identity.ConfigFromEnv()
	cfg.RateLimiter = policy.RateLimiterConfigFromEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	return cfg, nil
}
