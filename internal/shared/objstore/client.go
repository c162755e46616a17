// Package objstore 封装 MinIO 对象存储客户端
//
// 调度器把 HTML 报告归档到对象存储；本地报告目录被清理或调度器换机后，
// 报告接口仍可从归档中读取。
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"ui-automation/internal/config"
)

// DefaultBucket 默认 bucket
const DefaultBucket = "ui-automation"

// Client MinIO 客户端封装
type Client struct {
	mc     *minio.Client
	bucket string
	prefix string
}

// NewClient 创建 MinIO 客户端
func NewClient(cfg config.MinIOConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}

	return &Client{mc: mc, bucket: bucket, prefix: strings.Trim(cfg.ReportPrefix, "/")}, nil
}

// Bucket 返回 bucket 名称
func (c *Client) Bucket() string {
	return c.bucket
}

// EnsureBucket 确保 bucket 存在
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		log.Printf("[minio] Created bucket: %s", c.bucket)
	}
	return nil
}

// ArchiveReport 归档 HTML 报告
func (c *Client) ArchiveReport(ctx context.Context, name string, content []byte) error {
	key := c.reportKey(name)
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: "text/html; charset=utf-8",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	log.Printf("[minio] Archived report %s (%d bytes)", key, len(content))
	return nil
}

// OpenReport 读取归档报告，调用方负责关闭返回的 ReadCloser
func (c *Client) OpenReport(ctx context.Context, name string) (io.ReadCloser, error) {
	key := c.reportKey(name)
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	// GetObject 不会立即返回对象不存在的错误
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return obj, nil
}

// ReportExists 检查归档报告是否存在
func (c *Client) ReportExists(ctx context.Context, name string) (bool, error) {
	_, err := c.mc.StatObject(ctx, c.bucket, c.reportKey(name), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// reportKey 报告对象 key，只取文件名部分
func (c *Client) reportKey(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if c.prefix == "" {
		return base
	}
	return c.prefix + "/" + base
}
