package main

import (
	"flag"
	"fmt"

	"github.com/lsm/topicmirror/internal/config"
)

type options struct {
	configPath    string
	topic         string
	logLevel      string
	metricsAddr   string
	skipPreflight bool

	metricsAddrSet bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("topicmirror", flag.ContinueOnError)

	fs.StringVar(&o.configPath, "config", "", "Path to config file (default $"+config.EnvPath+" or "+config.DefaultPath+")")
	fs.StringVar(&o.configPath, "c", "", "Shorthand for -config")
	fs.StringVar(&o.topic, "topic", "", "Topic to mirror, overriding the config file")
	fs.StringVar(&o.topic, "t", "", "Shorthand for -topic")
	fs.StringVar(&o.logLevel, "log-level", "", "Log level (debug, info, warn, error). Can also be set via TOPICMIRROR_LOG_LEVEL env var.")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "Metrics and health listen address; empty string disables the server")
	fs.BoolVar(&o.skipPreflight, "skip-preflight", false, "Skip the topic checks run against both clusters at startup")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "metrics-addr" {
			o.metricsAddrSet = true
		}
	})
	return o, nil
}

func (o options) overrides() config.Overrides {
	ov := config.Overrides{
		Topic:    o.topic,
		LogLevel: o.logLevel,
	}
	if o.metricsAddrSet {
		addr := o.metricsAddr
		ov.MetricsAddr = &addr
	}
	return ov
}
