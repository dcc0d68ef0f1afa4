package miniotransport

import (
	"fmt"
	"strings"
)

type Config struct {
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint"`
	BucketName string `mapstructure:"bucket_name" yaml:"bucket_name"`
	AccessKey  string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey  string `mapstructure:"secret_key" yaml:"secret_key"`
	Region     string `mapstructure:"region" yaml:"region"`
	UseSSL     bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint required")
	}
	// minio-go wants host[:port], not a URL
	if strings.Contains(c.Endpoint, "://") || strings.Contains(c.Endpoint, "/") {
		return fmt.Errorf("endpoint %q must be host[:port]", c.Endpoint)
	}
	if c.BucketName == "" {
		return fmt.Errorf("bucket_name required")
	}
	if c.AccessKey == "" {
		return fmt.Errorf("access_key required")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("secret_key required")
	}
	return nil
}
