package publish

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/writer"
)

// S3Publisher uploads each artifact under the configured prefix.
type S3Publisher struct {
	cfg     appconfig.S3Config
	urlFile string
	store   writer.ObjectPutter
	log     *logger.Log
}

func NewS3Publisher(cfg appconfig.S3Config, urlFile string, store writer.ObjectPutter) *S3Publisher {
	return &S3Publisher{cfg: cfg, urlFile: urlFile, store: store, log: logger.GetLogger()}
}

// Publish uploads every path. Objects are overwritten, so each upload
// counts as committed.
func (p *S3Publisher) Publish(ctx context.Context, paths []string, message string) (Result, error) {
	if len(paths) == 0 {
		return Result{Unchanged: true}, nil
	}
	var res Result
	for i, local := range paths {
		data, err := os.ReadFile(local)
		if err != nil {
			return res, fmt.Errorf("read %s: %w", local, err)
		}
		key := path.Join(p.cfg.Prefix, "snapshots", filepath.Base(local))
		_, err = p.store.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(p.cfg.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String(contentType(local)),
			Metadata:    map[string]string{"message": message},
		})
		if err != nil {
			return res, fmt.Errorf("upload %s: %w", key, err)
		}
		if i == 0 {
			res.URL = writer.ObjectURL(p.cfg, key)
		}
	}
	res.Committed = true

	if err := writeURLFile(p.urlFile, res.URL); err != nil {
		p.log.WithComponent("publisher").WithError(err).Warn("failed to record snapshot url")
	}
	p.log.WithComponent("publisher").WithFields(logger.Fields{
		"files":  len(paths),
		"bucket": p.cfg.Bucket,
		"url":    res.URL,
	}).Info("artifacts published to s3")
	return res, nil
}

func contentType(name string) string {
	switch filepath.Ext(name) {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}
