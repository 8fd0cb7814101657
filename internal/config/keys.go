package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// readKeyFile returns the trimmed contents of a mounted key file. An empty
// path means the key is not configured; a configured file must be readable
// and non-blank.
func readKeyFile(setting, path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%s: %w", setting, err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", fmt.Errorf("%s: %s is empty", setting, path)
	}
	return key, nil
}

// loadKeys resolves every *_key_file setting into its key.
func (c *ServiceConfig) loadKeys() error {
	var result *multierror.Error
	var err error

	if c.Server.APIKey, err = readKeyFile("server.api_key_file", c.Server.APIKeyFile); err != nil {
		result = multierror.Append(result, err)
	}
	if c.Callback.SigningKey, err = readKeyFile("callback.key_file", c.Callback.KeyFile); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
