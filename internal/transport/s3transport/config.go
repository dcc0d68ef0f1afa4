package s3transport

import (
	"fmt"

	"github.com/openmined/storesync/internal/utils"
)

type Config struct {
	BucketName    string `mapstructure:"bucket_name" yaml:"bucket_name"`
	Region        string `mapstructure:"region" yaml:"region"`
	AccessKey     string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey     string `mapstructure:"secret_key" yaml:"secret_key"`
	Endpoint      string `mapstructure:"endpoint" yaml:"endpoint"`
	UseAccelerate bool   `mapstructure:"use_accelerate" yaml:"use_accelerate"`
}

func (c *Config) Validate() error {
	if c.BucketName == "" {
		return fmt.Errorf("bucket_name required")
	}
	if c.Region == "" {
		return fmt.Errorf("region required")
	}
	if c.AccessKey == "" {
		return fmt.Errorf("access_key required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("secret_key required")
	}
	if c.Endpoint != "" && !utils.IsValidURL(c.Endpoint) {
		return fmt.Errorf("invalid endpoint URL %q", c.Endpoint)
	}
	return nil
}
