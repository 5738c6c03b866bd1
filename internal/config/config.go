// Package config loads the mirror's YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsm/topicmirror/internal/kafka"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "TOPICMIRROR_CONFIG"

// DefaultPath is used when neither the flag nor the environment names a file.
const DefaultPath = "config.yaml"

// Commit modes.
const (
	CommitModeHandoff   = "handoff"
	CommitModeDelivered = "delivered"
)

// Destination client names.
const (
	ClientFranz   = "franz"
	ClientSarama  = "sarama"
	ClientKafkaGo = "kafka-go"
)

// Config is the complete mirror configuration.
type Config struct {
	Topic       string        `yaml:"topic"`
	CommitMode  string        `yaml:"commit_mode"`
	Source      SourceConfig  `yaml:"src"`
	Dest        DestConfig    `yaml:"dst"`
	Batch       BatchConfig   `yaml:"batch"`
	Handoff     HandoffConfig `yaml:"handoff"`
	MetricsAddr string        `yaml:"metrics_addr"`
	LogLevel    string        `yaml:"log_level"`
}

// SourceConfig describes the cluster records are read from.
type SourceConfig struct {
	kafka.ClusterConfig `yaml:",inline"`

	GroupID         string `yaml:"group_id"`
	AutoOffsetReset string `yaml:"auto_offset_reset"`
	// Accepted for compatibility; offsets are always committed explicitly.
	EnableAutoCommit bool `yaml:"enable_auto_commit"`
}

// DestConfig describes the cluster records are written to.
type DestConfig struct {
	kafka.ClusterConfig `yaml:",inline"`

	Client              string        `yaml:"client"`
	RequiredAcks        string        `yaml:"required_acks"`
	AckTimeout          time.Duration `yaml:"ack_timeout"`
	MaxRecordsPerSecond int           `yaml:"max_records_per_second"`
	PreserveHeaders     bool          `yaml:"preserve_headers"`
	CreateTopic         bool          `yaml:"create_topic"`
	ReplicationFactor   int16         `yaml:"replication_factor"`
}

// BatchConfig controls when the writer flushes.
type BatchConfig struct {
	MaxSize int           `yaml:"max_size"`
	MaxHold time.Duration `yaml:"max_hold"`
}

// HandoffConfig sizes the channel between reader and writer.
type HandoffConfig struct {
	Capacity int `yaml:"capacity"`
}

// Overrides are command-line values layered over the file. Empty fields
// leave the file's value alone.
type Overrides struct {
	Topic       string
	LogLevel    string
	MetricsAddr *string
}

// Default returns a configuration holding every default value. Load decodes
// the file over it, so keys absent from the file keep these values.
func Default() Config {
	return Config{
		CommitMode: CommitModeHandoff,
		Source: SourceConfig{
			AutoOffsetReset: "latest",
		},
		Dest: DestConfig{
			Client:            ClientFranz,
			RequiredAcks:      "1",
			AckTimeout:        time.Second,
			ReplicationFactor: -1,
		},
		Batch:       BatchConfig{MaxSize: 100},
		Handoff:     HandoffConfig{Capacity: 1000},
		MetricsAddr: ":9090",
	}
}

// ResolvePath picks the config file: the flag value, then TOPICMIRROR_CONFIG,
// then DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and strictly decodes the file at path. Unknown keys are
// rejected. The result is not validated; call Validate after applying
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse strictly decodes data over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("parse yaml: config is empty")
		}
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &cfg, nil
}

// Apply layers command-line overrides over the file values.
func (c *Config) Apply(o Overrides) {
	if o.Topic != "" {
		c.Topic = o.Topic
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.MetricsAddr != nil {
		c.MetricsAddr = *o.MetricsAddr
	}
}

// Validate checks the configuration for errors. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	if c.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	switch c.CommitMode {
	case CommitModeHandoff, CommitModeDelivered:
	default:
		errs = append(errs, fmt.Errorf("unsupported commit_mode %q (must be %s or %s)", c.CommitMode, CommitModeHandoff, CommitModeDelivered))
	}

	if err := c.Source.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("src: %w", err))
	}
	if c.Source.GroupID == "" {
		errs = append(errs, errors.New("src.group_id is required"))
	}

	if err := c.Dest.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("dst: %w", err))
	}
	switch c.Dest.Client {
	case ClientFranz, ClientSarama, ClientKafkaGo:
	default:
		errs = append(errs, fmt.Errorf("unsupported dst.client %q (must be %s, %s, or %s)", c.Dest.Client, ClientFranz, ClientSarama, ClientKafkaGo))
	}
	if c.Dest.Client == ClientSarama && c.Dest.Auth.Mechanism != "" && c.Dest.Auth.Mechanism != kafka.MechanismPlain {
		errs = append(errs, fmt.Errorf("dst.client %s supports only %s authentication", ClientSarama, kafka.MechanismPlain))
	}
	switch c.Dest.RequiredAcks {
	case "1", "all":
	default:
		errs = append(errs, fmt.Errorf("unsupported dst.required_acks %q (must be \"1\" or \"all\")", c.Dest.RequiredAcks))
	}
	if c.Dest.AckTimeout <= 0 {
		errs = append(errs, errors.New("dst.ack_timeout must be positive"))
	}
	if c.Dest.MaxRecordsPerSecond < 0 {
		errs = append(errs, errors.New("dst.max_records_per_second must not be negative"))
	}
	if c.Dest.ReplicationFactor == 0 || c.Dest.ReplicationFactor < -1 {
		errs = append(errs, fmt.Errorf("dst.replication_factor %d is invalid (use -1 for the broker default)", c.Dest.ReplicationFactor))
	}

	if c.Batch.MaxSize <= 0 {
		errs = append(errs, errors.New("batch.max_size must be positive"))
	}
	if c.Batch.MaxHold < 0 {
		errs = append(errs, errors.New("batch.max_hold must not be negative"))
	}
	if c.Handoff.Capacity <= 0 {
		errs = append(errs, errors.New("handoff.capacity must be positive"))
	}

	return errors.Join(errs...)
}
