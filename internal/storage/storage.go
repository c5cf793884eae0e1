package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified *time.Time
}

// UploadOptions conveys upload destination metadata.
type UploadOptions struct {
	Bucket           string
	KeyPrefix        string
	ProgressCallback func(done, total int64)
}

// Service archives finished task data to remote object storage.
type Service interface {
	Upload(ctx context.Context, localPath string, opts UploadOptions) (string, error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, bucket, prefix string) error
	GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
}

// Location formats the s3:// URI returned by Upload.
func Location(bucket, prefix string) string {
	return fmt.Sprintf("s3://%s/%s", bucket, strings.Trim(prefix, "/"))
}

// ParseLocation extracts the key prefix from an s3:// URI and checks that it
// points into bucket.
func ParseLocation(location, bucket string) (string, error) {
	if !strings.HasPrefix(location, "s3://") {
		return "", fmt.Errorf("invalid s3 location")
	}
	rest := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		return "", fmt.Errorf("invalid s3 location")
	}
	if bucket != "" && parts[0] != bucket {
		return "", fmt.Errorf("s3 bucket mismatch")
	}
	if len(parts) == 1 || strings.Trim(parts[1], "/") == "" {
		return "", fmt.Errorf("s3 prefix missing")
	}
	return strings.Trim(parts[1], "/"), nil
}

// JoinKey joins a key prefix and a slash separated relative path.
func JoinKey(prefix, rel string) string {
	prefix = strings.Trim(prefix, "/")
	rel = strings.TrimLeft(rel, "/")
	switch {
	case prefix == "":
		return rel
	case rel == "" || rel == ".":
		return prefix
	}
	return prefix + "/" + rel
}
