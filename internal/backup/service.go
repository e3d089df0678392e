// Package backup pushes exported state JSON to S3-compatible object
// storage. It is optional: when unconfigured the rest of the service runs
// without it.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"tagdoc/api/internal/tags"
)

// Entry describes one stored backup object.
type Entry struct {
	Key       string    `json:"key"`
	StateID   string    `json:"stateId"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	return &Service{client: client, bucket: bucket}, nil
}

// UploadState stores a timestamped JSON export of the document state.
func (s *Service) UploadState(ctx context.Context, stateID string, doc *tags.Document) (Entry, error) {
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Entry{}, fmt.Errorf("marshal state: %w", err)
	}

	key := fmt.Sprintf("states/%s/%s.json", stateID, time.Now().UTC().Format("20060102T150405Z"))
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return Entry{}, fmt.Errorf("upload state backup: %w", err)
	}
	return Entry{Key: key, StateID: stateID, Size: int64(len(payload)), CreatedAt: time.Now()}, nil
}

// ListStateBackups returns the backups stored for a state, newest first.
func (s *Service) ListStateBackups(ctx context.Context, stateID string) ([]Entry, error) {
	prefix := fmt.Sprintf("states/%s/", stateID)
	var entries []Entry
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list state backups: %w", object.Err)
		}
		entries = append(entries, Entry{
			Key:       object.Key,
			StateID:   stateID,
			Size:      object.Size,
			CreatedAt: object.LastModified,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// FetchBackup loads one backup object and decodes the document state.
func (s *Service) FetchBackup(ctx context.Context, key string) (*tags.Document, error) {
	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("fetch backup %s: %w", key, err)
	}
	defer object.Close()

	payload, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", key, err)
	}
	var doc tags.Document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode backup %s: %w", key, err)
	}
	return &doc, nil
}
