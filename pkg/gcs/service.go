package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

type GCSClient struct {
	client     *storage.Client
	bucketName string
}

func NewGCSClient(ctx context.Context, bucketName string) (*GCSClient, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}

	return &GCSClient{
		client:     client,
		bucketName: bucketName,
	}, nil
}

// Upload writes content to objectPath and returns its gs:// URI
func (g *GCSClient) Upload(ctx context.Context, objectPath, contentType string, content io.Reader) (string, error) {
	obj := g.client.Bucket(g.bucketName).Object(objectPath)

	writer := obj.NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := io.Copy(writer, content); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("failed to copy content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close writer: %w", err)
	}

	return fmt.Sprintf("gs://%s/%s", g.bucketName, objectPath), nil
}

// Delete removes the object behind a gs:// URI; a missing object is not an error
func (g *GCSClient) Delete(ctx context.Context, gcsURL string) error {
	bucketName, objectPath, err := parseURI(gcsURL)
	if err != nil {
		return err
	}

	if err := g.client.Bucket(bucketName).Object(objectPath).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return fmt.Errorf("failed to delete object: %w", err)
	}

	return nil
}

func parseURI(gcsURL string) (bucket, object string, err error) {
	if !strings.HasPrefix(gcsURL, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URL format: %s", gcsURL)
	}
	rest := strings.TrimPrefix(gcsURL, "gs://")
	slash := strings.Index(rest, "/")
	if slash <= 0 || slash == len(rest)-1 {
		return "", "", fmt.Errorf("invalid GCS URL format, no object path: %s", gcsURL)
	}
	return rest[:slash], rest[slash+1:], nil
}

func (g *GCSClient) Close() error {
	return g.client.Close()
}
