package main

import (
	"fmt"
	"net/url"
	"os"
	"time"

	alwaysoffline "github.com/always-cache/always-offline"
	classifier "github.com/always-cache/always-offline/pkg/request-classifier"

	"gopkg.in/yaml.v3"
)

// Config is the daemon config file.
type Config struct {
	Origin             string           `yaml:"origin"`
	Namespace          string           `yaml:"namespace"`
	Version            string           `yaml:"version"`
	Manifest           []string         `yaml:"manifest"`
	OfflinePage        string           `yaml:"offlinePage"`
	Vary               []string         `yaml:"vary"`
	Rules              classifier.Rules `yaml:"rules"`
	SyncInterval       time.Duration    `yaml:"syncInterval"`
	FetchTimeout       time.Duration    `yaml:"fetchTimeout"`
	DeadLetterRejected bool             `yaml:"deadLetterRejected"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// workerConfig converts the file config to the library config.
// Rules from the file come after the default rules.
func (c Config) workerConfig() (alwaysoffline.Config, error) {
	var config alwaysoffline.Config
	if c.Origin == "" {
		return config, fmt.Errorf("no origin configured")
	}
	originURL, err := url.Parse(c.Origin)
	if err != nil {
		return config, fmt.Errorf("could not parse origin: %w", err)
	}
	if originURL.Scheme == "" || originURL.Host == "" {
		return config, fmt.Errorf("origin %q is not an absolute URL", c.Origin)
	}
	config = alwaysoffline.Config{
		OriginURL:          *originURL,
		Namespace:          c.Namespace,
		Version:            c.Version,
		Manifest:           c.Manifest,
		OfflinePage:        c.OfflinePage,
		Vary:               c.Vary,
		SyncInterval:       c.SyncInterval,
		FetchTimeout:       c.FetchTimeout,
		DeadLetterRejected: c.DeadLetterRejected,
	}
	if len(c.Rules) > 0 {
		config.Rules = append(classifier.DefaultRules(), c.Rules...)
	}
	return config, nil
}
