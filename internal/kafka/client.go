package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// ClientOptions returns the franz-go options that connect to cfg: seed
// brokers, client ID, SASL and TLS. Role specific options (group, acks) are
// appended by the caller.
func ClientOptions(cfg *ClusterConfig) ([]kgo.Opt, error) {
	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.Mechanism != "" {
		opt, err := saslOption(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("sasl: %w", err)
		}
		opts = append(opts, opt)
	}
	if cfg.TLS.Enabled {
		tc, err := BuildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		opts = append(opts, kgo.DialTLSConfig(tc))
	}
	return opts, nil
}

func saslOption(auth AuthConfig) (kgo.Opt, error) {
	var m sasl.Mechanism
	switch auth.Mechanism {
	case MechanismPlain:
		m = plain.Auth{User: auth.Username, Pass: auth.Password}.AsMechanism()
	case MechanismScramSHA256:
		m = scram.Auth{User: auth.Username, Pass: auth.Password}.AsSha256Mechanism()
	case MechanismScramSHA512:
		m = scram.Auth{User: auth.Username, Pass: auth.Password}.AsSha512Mechanism()
	default:
		return nil, fmt.Errorf("unsupported mechanism %q", auth.Mechanism)
	}
	return kgo.SASL(m), nil
}

// BuildTLSConfig turns a TLSConfig into a *tls.Config usable by any of the
// Kafka clients. A client certificate is loaded only when both the
// certificate and the key file are set.
func BuildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tc := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipVerify, //nolint:gosec // opt-in for test clusters
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca %s: %w", cfg.CAFile, err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tc.RootCAs = roots
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}
