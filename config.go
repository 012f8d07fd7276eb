package ledgerxgo

import (
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database struct {
		ConnectionString string `yaml:"conn_str"`
	} `yaml:"database"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	Mongo struct {
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	} `yaml:"mongo"`

	NATS struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Server struct {
		Addr         string        `yaml:"addr"`
		NodeID       int64         `yaml:"node_id"`
		StoreTimeout time.Duration `yaml:"store_timeout"`
		LogLevel     string        `yaml:"log_level"`
	} `yaml:"server"`

	Limits struct {
		InFlight       int64         `yaml:"in_flight"`
		AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	} `yaml:"limits"`

	SeedAccounts []SeedAccount `yaml:"seed_accounts"`
}

type SeedAccount struct {
	Owner   string          `yaml:"owner"`
	Number  string          `yaml:"number"`
	Balance decimal.Decimal `yaml:"balance"`
	Class   AccountClass    `yaml:"class"`
}

func LoadConfig(path string) (*Config, error) {
	fl, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fl.Close()

	var cfg Config
	if err = yaml.NewDecoder(fl).Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.withDefaults()
	return &cfg, cfg.validate()
}

func (c *Config) withDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3000"
	}
	if c.Server.NodeID == 0 {
		c.Server.NodeID = 1
	}
	if c.Server.StoreTimeout <= 0 {
		c.Server.StoreTimeout = defaultStoreTimeout
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Limits.InFlight <= 0 {
		c.Limits.InFlight = 64
	}
	if c.Limits.AcquireTimeout <= 0 {
		c.Limits.AcquireTimeout = 500 * time.Millisecond
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "ministatement"
	}
	if c.Mongo.Collection == "" {
		c.Mongo.Collection = "audit_logs"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "ledger.audit"
	}
}

func (c *Config) validate() error {
	fields := map[string]string{}
	// snowflake node ids are 10 bits wide
	if c.Server.NodeID < 0 || c.Server.NodeID > 1023 {
		fields["server.node_id"] = "must be within [0, 1023]"
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		fields["mongo.database"] = "required when mongo.uri is set"
	}
	for _, sa := range c.SeedAccounts {
		if sa.Owner == "" || sa.Number == "" {
			fields["seed_accounts"] = "owner and number are required"
		}
		if sa.Class != ClassSavings && sa.Class != ClassCurrent {
			fields["seed_accounts"] = "class must be SAVINGS or CURRENT"
		}
		if sa.Balance.IsNegative() {
			fields["seed_accounts"] = "balance must not be negative"
		}
	}
	if len(fields) > 0 {
		return ErrInvalidRequest{Fields: fields}
	}
	return nil
}
