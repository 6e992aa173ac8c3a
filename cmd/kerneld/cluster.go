package main

import (
	"os"

	"gopkg.in/yaml.v2"

	"github.com/ocapkernel/kernel/config"
	"github.com/ocapkernel/kernel/kerr"
)

func loadClusterConfig(path string) (config.ClusterConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return config.ClusterConfig{}, kerr.Wrap(err, kerr.StreamRead, "kerneld: read cluster config "+path, nil)
	}
	var cc config.ClusterConfig
	if err := yaml.Unmarshal(b, &cc); err != nil {
		return config.ClusterConfig{}, kerr.Wrap(err, kerr.Protocol, "kerneld: parse cluster config "+path, nil)
	}
	return cc, nil
}
