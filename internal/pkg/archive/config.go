package archive

import (
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/TaxDesk/internal/pkg/env"
)

// Config holds the S3-compatible bucket settings for transmitted invoices.
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Enabled         bool
}

func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("ARCHIVE_S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("ARCHIVE_S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("ARCHIVE_S3_REGION", "eu-south-1"),
		BucketName:      env.GetEnv("ARCHIVE_S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("ARCHIVE_S3_ENDPOINT_URL", ""),
		Enabled:         env.GetBool("ARCHIVE_S3_ENABLED", false),
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("ARCHIVE_S3_ACCESS_KEY_ID is required when the archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("ARCHIVE_S3_SECRET_ACCESS_KEY is required when the archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("ARCHIVE_S3_BUCKET_NAME is required when the archive is enabled")
		}
	}

	return config, nil
}

// ObjectKey places a document under invoices/<user>/<YYYY>/<MM>/<file>.
func ObjectKey(userID uint, date time.Time, fileName string) string {
	return fmt.Sprintf("invoices/%d/%04d/%02d/%s", userID, date.Year(), int(date.Month()), fileName)
}
