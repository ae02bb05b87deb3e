package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port         int      `yaml:"port"`
	Dir          string   `yaml:"dir"`
	MaxAge       string   `yaml:"maxAge"`
	Provider     string   `yaml:"provider"`
	CacheControl []string `yaml:"cacheControl"`
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
