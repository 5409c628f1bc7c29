package mirror

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kcaptcha/trainpipe/internal/platform/env"
)

// Config describes the optional S3-compatible artifact mirror. Mirroring
// is off unless an endpoint is configured.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// ConfigFromEnv reads the mirror configuration. The second return value is
// false when no endpoint is set and mirroring stays disabled.
func ConfigFromEnv() (Config, bool, error) {
	endpoint := strings.TrimSpace(env.String("TRAINPIPE_MINIO_ENDPOINT", ""))
	if endpoint == "" {
		return Config{}, false, nil
	}
	useSSL, err := env.Bool("TRAINPIPE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, false, err
	}
	cfg := Config{
		Endpoint:  endpoint,
		AccessKey: env.String("TRAINPIPE_MINIO_ACCESS_KEY", ""),
		SecretKey: env.String("TRAINPIPE_MINIO_SECRET_KEY", ""),
		Region:    env.String("TRAINPIPE_MINIO_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("TRAINPIPE_MINIO_BUCKET", "artifacts"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}
