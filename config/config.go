package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Cluster is one named api server the transport can talk to.
// The token is given inline or through a file that is re-read on use, so
// rotated service account tokens are picked up without restart.
type Cluster struct {
	Name      string `yaml:"name"`
	Server    string `yaml:"server"`
	Token     string `yaml:"token,omitempty"`
	TokenFile string `yaml:"tokenFile,omitempty"`
}

type Config struct {
	// the fan out endpoint for multiplexed subscriptions, if any
	MultiplexerUrl string    `yaml:"multiplexerUrl,omitempty"`
	Clusters       []Cluster `yaml:"clusters"`
}

func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(contents)
}

func Parse(contents []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(contents, config); err != nil {
		return nil, err
	}
	for i := range config.Clusters {
		cluster := &config.Clusters[i]
		if cluster.Name == "" {
			return nil, fmt.Errorf("cluster %d has no name", i)
		}
		if cluster.Server == "" {
			return nil, fmt.Errorf("cluster %q has no server", cluster.Name)
		}
		cluster.Server = strings.TrimSuffix(cluster.Server, "/")
	}
	return config, nil
}

func (self *Config) Cluster(name string) (*Cluster, bool) {
	for i := range self.Clusters {
		if self.Clusters[i].Name == name {
			return &self.Clusters[i], true
		}
	}
	return nil, false
}

// BearerToken resolves the cluster's current token.
// Returns "" for an unauthenticated cluster.
func (self *Cluster) BearerToken() (string, error) {
	if self.TokenFile != "" {
		contents, err := os.ReadFile(self.TokenFile)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return self.Token, nil
}
