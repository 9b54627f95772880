package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChannelConfig describes one channel in the roster file.
type ChannelConfig struct {
	// ID is a username (with or without @) or a numeric channel id.
	ID string `yaml:"id"`
	// Limit caps how many newest messages a full rescrape touches.
	Limit int `yaml:"limit,omitempty"`
	// FetchMedia toggles attachment downloads; defaults to true.
	FetchMedia *bool `yaml:"fetch_media,omitempty"`
}

// MediaEnabled resolves the fetch_media default.
func (c ChannelConfig) MediaEnabled() bool {
	return c.FetchMedia == nil || *c.FetchMedia
}

type channelsFile struct {
	Channels []ChannelConfig `yaml:"channels"`
}

// LoadChannels reads the channel roster from a yaml file.
// A missing path returns an empty roster, not an error: channels can also be
// registered over the HTTP API.
func LoadChannels(path string) ([]ChannelConfig, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read channels file: %w", err)
	}

	var f channelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse channels file: %w", err)
	}

	for i, ch := range f.Channels {
		if ch.ID == "" {
			return nil, fmt.Errorf("channels[%d]: id is required", i)
		}
	}

	return f.Channels, nil
}
