package publish

import (
	"context"
	"fmt"
	"os"

	appconfig "tickflow/config"
	"tickflow/writer"
)

// Result describes one publish attempt that did not fail.
type Result struct {
	// Committed is true when new content was recorded.
	Committed bool
	// Unchanged is true when the target already held identical content.
	Unchanged bool
	// URL is where the first published artifact can be fetched, if known.
	URL string
}

// Publisher pushes finished artifacts somewhere outside the process.
type Publisher interface {
	Publish(ctx context.Context, paths []string, message string) (Result, error)
}

// Noop accepts every publish without doing anything.
type Noop struct{}

func (Noop) Publish(context.Context, []string, string) (Result, error) {
	return Result{Unchanged: true}, nil
}

// New builds the publisher selected by cfg.Kind.
func New(ctx context.Context, cfg appconfig.PublishConfig, s3cfg appconfig.S3Config) (Publisher, error) {
	switch cfg.Kind {
	case "", "none":
		return Noop{}, nil
	case "git":
		return NewGitPublisher(cfg, ExecRunner{}), nil
	case "s3":
		client, err := writer.NewS3Client(ctx, s3cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Publisher(s3cfg, cfg.URLFile, client), nil
	default:
		return nil, fmt.Errorf("unknown publisher %q", cfg.Kind)
	}
}

func writeURLFile(path, url string) error {
	if path == "" || url == "" {
		return nil
	}
	return os.WriteFile(path, []byte(url+"\n"), 0o644)
}
