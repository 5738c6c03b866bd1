package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrTopicNotFound is returned by the preflight when the source topic does
// not exist.
var ErrTopicNotFound = errors.New("topic not found")

// topicAdmin abstracts the kadm client methods used by the preflight.
type topicAdmin interface {
	ListTopics(ctx context.Context, topics ...string) (kadm.TopicDetails, error)
	CreateTopics(ctx context.Context, partitions int32, replicationFactor int16, configs map[string]*string, topics ...string) (kadm.CreateTopicResponses, error)
}

// PreflightConfig controls the checks run against both clusters before the
// mirror starts.
type PreflightConfig struct {
	Topic             string
	CreateTopic       bool  // Create the destination topic when missing
	ReplicationFactor int16 // -1 uses the broker default
}

// TopicInfo is what the preflight learned about a topic.
type TopicInfo struct {
	Exists     bool
	Partitions int
}

// Preflight verifies the source topic and prepares the destination topic.
type Preflight struct {
	src    topicAdmin
	dst    topicAdmin
	cfg    PreflightConfig
	logger *slog.Logger
	closes []func()
}

// NewPreflight creates admin clients for both clusters.
func NewPreflight(src, dst *ClusterConfig, cfg PreflightConfig, logger *slog.Logger) (*Preflight, error) {
	if logger == nil {
		logger = slog.Default()
	}
	srcCl, err := newAdminClient(src)
	if err != nil {
		return nil, fmt.Errorf("source admin: %w", err)
	}
	dstCl, err := newAdminClient(dst)
	if err != nil {
		srcCl.Close()
		return nil, fmt.Errorf("destination admin: %w", err)
	}
	return &Preflight{
		src:    kadm.NewClient(srcCl),
		dst:    kadm.NewClient(dstCl),
		cfg:    cfg,
		logger: logger,
		closes: []func(){srcCl.Close, dstCl.Close},
	}, nil
}

func newAdminClient(cfg *ClusterConfig) (*kgo.Client, error) {
	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	return kgo.NewClient(opts...)
}

// Run performs the checks. A missing source topic or an unreachable cluster
// is an error; a missing destination topic is created when configured and
// otherwise only logged, since the destination may auto-create topics.
func (p *Preflight) Run(ctx context.Context) error {
	srcInfo, err := describeTopic(ctx, p.src, p.cfg.Topic)
	if err != nil {
		return fmt.Errorf("source cluster: %w", err)
	}
	if !srcInfo.Exists {
		return fmt.Errorf("source cluster: %w: %s", ErrTopicNotFound, p.cfg.Topic)
	}

	dstInfo, err := describeTopic(ctx, p.dst, p.cfg.Topic)
	if err != nil {
		return fmt.Errorf("destination cluster: %w", err)
	}

	switch {
	case dstInfo.Exists:
		if dstInfo.Partitions != srcInfo.Partitions {
			p.logger.Warn("partition count differs between clusters",
				"topic", p.cfg.Topic,
				"source_partitions", srcInfo.Partitions,
				"destination_partitions", dstInfo.Partitions,
			)
		}
	case p.cfg.CreateTopic:
		if err := p.createTopic(ctx, int32(srcInfo.Partitions)); err != nil {
			return fmt.Errorf("destination cluster: %w", err)
		}
		p.logger.Info("created destination topic", "topic", p.cfg.Topic, "partitions", srcInfo.Partitions)
	default:
		p.logger.Warn("destination topic does not exist; relying on broker auto-creation", "topic", p.cfg.Topic)
	}

	p.logger.Info("preflight complete", "topic", p.cfg.Topic, "source_partitions", srcInfo.Partitions)
	return nil
}

func (p *Preflight) createTopic(ctx context.Context, partitions int32) error {
	rf := p.cfg.ReplicationFactor
	if rf == 0 {
		rf = -1
	}
	resps, err := p.dst.CreateTopics(ctx, partitions, rf, nil, p.cfg.Topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", p.cfg.Topic, err)
	}
	for _, r := range resps {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

// Close releases the admin clients.
func (p *Preflight) Close() error {
	for _, c := range p.closes {
		c()
	}
	return nil
}

func describeTopic(ctx context.Context, admin topicAdmin, topic string) (TopicInfo, error) {
	details, err := admin.ListTopics(ctx, topic)
	if err != nil {
		return TopicInfo{}, fmt.Errorf("list topics: %w", err)
	}
	td, ok := details[topic]
	if !ok || errors.Is(td.Err, kerr.UnknownTopicOrPartition) {
		return TopicInfo{}, nil
	}
	if td.Err != nil {
		return TopicInfo{}, fmt.Errorf("describe topic %s: %w", topic, td.Err)
	}
	return TopicInfo{Exists: true, Partitions: len(td.Partitions)}, nil
}
