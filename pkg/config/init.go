package config

import (
	"fmt"
	"os"
)

// InitConfig creates a configuration file with default values at the default
// location and returns the path it was written to.
//
// Returns an error if the file already exists, unless force is true.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath creates a configuration file with default values at the
// given path.
//
// Returns an error if the file already exists, unless force is true.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file already exists: %s\n"+
				"Use --force to overwrite", path)
		}
	}

	return SaveConfig(GetDefaultConfig(), path)
}
