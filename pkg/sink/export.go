package sink

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/stressoor/pkg/config"
)

// Exporter delivers a finalized result document to an external store.
// Delivery must be idempotent: exporting the same run twice overwrites
// the previous document.
type Exporter interface {
	Export(ctx context.Context, runID string, payload []byte) error
}

// s3Exporter implements Exporter for S3-compatible storage.
type s3Exporter struct {
	log    logrus.FieldLogger
	cfg    *config.S3ExportConfig
	client *s3.Client
}

// Ensure interface compliance.
var _ Exporter = (*s3Exporter)(nil)

// NewS3Exporter creates a new S3 exporter from the given configuration.
func NewS3Exporter(
	log logrus.FieldLogger,
	cfg *config.S3ExportConfig,
) Exporter {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	client := s3.New(s3.Options{}, opts...)

	return &s3Exporter{
		log:    log.WithField("component", "s3-exporter"),
		cfg:    cfg,
		client: client,
	}
}

// Export writes the result document keyed by run ID. Re-exporting a run
// overwrites the existing object.
func (e *s3Exporter) Export(
	ctx context.Context, runID string, payload []byte,
) error {
	key := e.resolveKey(runID)

	_, err := e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("PutObject s3://%s/%s: %w", e.cfg.Bucket, key, err)
	}

	e.log.WithFields(logrus.Fields{
		"key":    key,
		"bucket": e.cfg.Bucket,
		"bytes":  len(payload),
	}).Info("Result exported")

	return nil
}

// resolveKey builds the S3 object key for a run.
func (e *s3Exporter) resolveKey(runID string) string {
	prefix := e.cfg.Prefix
	if prefix == "" {
		prefix = "results/runs"
	}

	return strings.TrimRight(prefix, "/") + "/" + runID + ".json"
}
