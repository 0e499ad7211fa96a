package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// SnapshotBackend archives known-good entity snapshots outside the local
// database so integrity repair has an uncorrupted source.
type SnapshotBackend interface {
	// Store archives a snapshot, replacing any previous one for the
	// same entity.
	Store(ctx context.Context, state *EntityState) error
	// Fetch returns the archived snapshot, or nil if none exists.
	Fetch(ctx context.Context, entityType, entityID string) (*EntityState, error)
	// Delete removes an archived snapshot.
	Delete(ctx context.Context, entityType, entityID string) error
}

// MemorySnapshotBackend keeps archived snapshots in process memory.
// Suitable for tests and single-run tooling only; archives do not survive
// a restart.
type MemorySnapshotBackend struct {
	mu        sync.RWMutex
	snapshots map[string]*EntityState
}

// NewMemorySnapshotBackend creates an empty in-memory archive.
func NewMemorySnapshotBackend() *MemorySnapshotBackend {
	return &MemorySnapshotBackend{snapshots: make(map[string]*EntityState)}
}

// Store implements SnapshotBackend.
func (b *MemorySnapshotBackend) Store(_ context.Context, state *EntityState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[entityKey(state.EntityType, state.EntityID)] = state.Clone()
	return nil
}

// Fetch implements SnapshotBackend.
func (b *MemorySnapshotBackend) Fetch(_ context.Context, entityType, entityID string) (*EntityState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	state, ok := b.snapshots[entityKey(entityType, entityID)]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

// Delete implements SnapshotBackend.
func (b *MemorySnapshotBackend) Delete(_ context.Context, entityType, entityID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.snapshots, entityKey(entityType, entityID))
	return nil
}

// snapshotCache is a small LRU over archived snapshot blobs, keeping
// repeated repairs of the same entity off the network.
type snapshotCache struct {
	capacity int
	mu       sync.Mutex
	items    map[string][]byte
	order    []string
}

func newSnapshotCache(capacity int) *snapshotCache {
	return &snapshotCache{
		capacity: capacity,
		items:    make(map[string][]byte),
	}
}

func (c *snapshotCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.items[key]
	if ok {
		c.moveToEnd(key)
	}
	return data, ok
}

func (c *snapshotCache) put(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; ok {
		c.items[key] = data
		c.moveToEnd(key)
		return
	}
	for len(c.items) >= c.capacity && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.items, oldest)
	}
	c.items[key] = data
	c.order = append(c.order, key)
}

func (c *snapshotCache) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *snapshotCache) moveToEnd(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			break
		}
	}
}

// S3SnapshotBackend archives snapshots to S3 or an S3-compatible service
// (MinIO, etc.), one JSON object per entity.
type S3SnapshotBackend struct {
	client  *s3.Client
	config  SnapshotArchiveConfig
	cache   *snapshotCache
	retryer *Retryer
}

// NewS3SnapshotBackend creates an S3-backed archive. Credentials resolve
// through the default AWS chain unless static keys are configured.
func NewS3SnapshotBackend(cfg SnapshotArchiveConfig) (*S3SnapshotBackend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return &S3SnapshotBackend{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		cache:  newSnapshotCache(100),
		retryer: NewRetryer(RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    100 * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            0.1,
		}),
	}, nil
}

func (b *S3SnapshotBackend) objectKey(entityType, entityID string) string {
	return b.config.Prefix + entityType + "/" + entityID + ".json"
}

// Store implements SnapshotBackend.
func (b *S3SnapshotBackend) Store(ctx context.Context, state *EntityState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	key := b.objectKey(state.EntityType, state.EntityID)

	result := b.retryer.Do(ctx, func() error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.config.Bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(data),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return fmt.Errorf("S3 put object failed: %w", err)
		}
		return nil
	})
	if result.LastErr != nil {
		return result.LastErr
	}
	b.cache.put(key, data)
	return nil
}

// Fetch implements SnapshotBackend.
func (b *S3SnapshotBackend) Fetch(ctx context.Context, entityType, entityID string) (*EntityState, error) {
	key := b.objectKey(entityType, entityID)

	data, ok := b.cache.get(key)
	if !ok {
		var fetched []byte
		result := b.retryer.Do(ctx, func() error {
			resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(b.config.Bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return fmt.Errorf("S3 get object failed: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			fetched, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("S3 read body failed: %w", err)
			}
			return nil
		})
		if result.LastErr != nil {
			if isNotFound(result.LastErr) {
				return nil, nil
			}
			return nil, result.LastErr
		}
		data = fetched
		b.cache.put(key, data)
	}

	var state EntityState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt archived snapshot %s: %w", key, err)
	}
	return &state, nil
}

// Delete implements SnapshotBackend.
func (b *S3SnapshotBackend) Delete(ctx context.Context, entityType, entityID string) error {
	key := b.objectKey(entityType, entityID)

	result := b.retryer.Do(ctx, func() error {
		_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.config.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("S3 delete object failed: %w", err)
		}
		return nil
	})
	if result.LastErr != nil {
		return result.LastErr
	}
	b.cache.delete(key)
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nosuchkey") || strings.Contains(msg, "notfound") ||
		strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}
