package storage

import (
	"context"
	"io"

	gcs "cloud.google.com/go/storage"
	"github.com/cyclopcam/logs"
)

// StorageGCS is a Google Cloud Storage-based blob store
type StorageGCS struct {
	bucketName string
	prefix     string
	client     *gcs.Client
	bucket     *gcs.BucketHandle
	isPublic   bool
	log        logs.Log
}

func NewStorageGCS(ctx context.Context, log logs.Log, bucketName, prefix string, isPublic bool) (*StorageGCS, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &StorageGCS{
		bucketName: bucketName,
		prefix:     prefix,
		client:     client,
		bucket:     client.Bucket(bucketName),
		isPublic:   isPublic,
		log:        log,
	}, nil
}

func (s *StorageGCS) object(name string) (*gcs.ObjectHandle, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	return s.bucket.Object(s.prefix + name), nil
}

func (s *StorageGCS) WriteFile(ctx context.Context, name string) (io.WriteCloser, error) {
	obj, err := s.object(name)
	if err != nil {
		return nil, err
	}
	return obj.NewWriter(ctx), nil
}

func (s *StorageGCS) ReadFile(ctx context.Context, name string) (*File, error) {
	obj, err := s.object(name)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, err
	}
	return &File{
		Reader:     r,
		ModifiedAt: r.Attrs.LastModified,
		Size:       r.Attrs.Size,
	}, nil
}

func (s *StorageGCS) DeleteFile(ctx context.Context, name string) error {
	obj, err := s.object(name)
	if err != nil {
		return err
	}
	return obj.Delete(ctx)
}

func (s *StorageGCS) URL(name string) (string, error) {
	if !s.isPublic {
		return "", ErrNoPublicUrl
	}
	return "https://storage.googleapis.com/" + s.bucketName + "/" + s.prefix + name, nil
}

// Close the GCS client
func (s *StorageGCS) Close() error {
	return s.client.Close()
}
