package client

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memObject struct {
	data        []byte
	contentType string
}

// MemoryStorage is an in-process StorageClient for tests and for running
// without R2 credentials.
type MemoryStorage struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]memObject

	// Injected failures.
	HeadErr error
	CopyErr error
	SignErr error
}

func NewMemoryStorage(bucket string) *MemoryStorage {
	return &MemoryStorage{bucket: bucket, objects: make(map[string]memObject)}
}

func (m *MemoryStorage) Bucket() string { return m.bucket }

func (m *MemoryStorage) path(bucket, key string) string {
	if bucket == "" {
		bucket = m.bucket
	}
	return bucket + "/" + key
}

// Put stores an object in any bucket.
func (m *MemoryStorage) Put(bucket, key string, data []byte, contentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[m.path(bucket, key)] = memObject{data: append([]byte(nil), data...), contentType: contentType}
}

// Has reports whether bucket/key exists.
func (m *MemoryStorage) Has(bucket, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[m.path(bucket, key)]
	return ok
}

func (m *MemoryStorage) Head(ctx context.Context, bucket, key string) (*ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.HeadErr != nil {
		return nil, m.HeadErr
	}
	obj, ok := m.objects[m.path(bucket, key)]
	if !ok {
		return nil, ErrObjectNotFound
	}
	if bucket == "" {
		bucket = m.bucket
	}
	return &ObjectInfo{Bucket: bucket, Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (m *MemoryStorage) Copy(ctx context.Context, srcBucket, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CopyErr != nil {
		return m.CopyErr
	}
	obj, ok := m.objects[m.path(srcBucket, srcKey)]
	if !ok {
		return ErrObjectNotFound
	}
	m.objects[m.path("", dstKey)] = obj
	return nil
}

func (m *MemoryStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SignErr != nil {
		return "", m.SignErr
	}
	return fmt.Sprintf("memory://%s/%s?expires=%d", m.bucket, key, int64(expiry.Seconds())), nil
}
