// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package simulator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadDataStoreConfig reads a YAML data file. JSON files parse as well
// since JSON is a subset of YAML.
func LoadDataStoreConfig(path string) (*DataStoreConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}
	return ParseDataStoreConfig(data)
}

// ParseDataStoreConfig decodes a YAML data document.
func ParseDataStoreConfig(data []byte) (*DataStoreConfig, error) {
	var config DataStoreConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse data file: %w", err)
	}
	return &config, nil
}
