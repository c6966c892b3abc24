// Package minio implements a blob store on an S3-compatible MinIO bucket.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/wb-go/wbf/retry"

	"github.com/aliskhannn/media-service/internal/model"
	"github.com/aliskhannn/media-service/internal/storage"
)

// Storage stores blobs as objects in a single bucket; keys are object names.
type Storage struct {
	client     *minio.Client
	bucketName string
	strategy   retry.Strategy
}

// NewStorage connects to the MinIO server and creates the bucket if it is missing.
func NewStorage(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool, s retry.Strategy) (*Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:     client,
		bucketName: bucketName,
		strategy:   s,
	}, nil
}

// Save uploads src as subdir/filename and returns the object key.
// Seekable readers are rewound between retries; others are sent once.
func (s *Storage) Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error) {
	key := path.Join(subdir, filename)
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}

	contentType := "application/octet-stream"
	if f, ok := model.FormatFromExtension(path.Ext(filename)); ok {
		contentType = f.MimeType()
	}

	put := func() error {
		_, err := s.client.PutObject(ctx, s.bucketName, key, src, -1, minio.PutObjectOptions{
			ContentType: contentType,
		})
		return err
	}

	var err error
	if seeker, ok := src.(io.Seeker); ok {
		err = retry.Do(func() error {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
			return put()
		}, s.strategy)
	} else {
		err = put()
	}
	if err != nil {
		return "", fmt.Errorf("failed to save %s: %w", key, err)
	}

	return key, nil
}

// Load returns a reader for the object stored under key.
func (s *Storage) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}

	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", key, err)
	}

	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}

	return obj, nil
}

// Delete removes the object stored under key. Removing a missing object is not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	if err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	return nil
}

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
	}

	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
