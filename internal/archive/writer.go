// Package archive 保存提交失败时的设备诊断输出，支持本地目录与 MinIO。
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/sshcollectorpro/clisession/internal/config"
)

// Writer 抽象存储写入器
type Writer interface {
	Write(ctx context.Context, meta Meta, content string) (StoredObject, error)
}

// Meta 写入元数据
type Meta struct {
	DeviceID string
	Platform string
	// Kind 归档类别，如 commit-failure
	Kind string
	// Name 文件名（不含扩展名时追加 .txt）
	Name string
	Time time.Time
}

// StoredObject 存储的对象信息
type StoredObject struct {
	URI         string `json:"uri"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type"`
}

// New 根据配置创建写入器；minio 不可用时回退到本地
func New(cfg config.ArchiveConfig, log *logrus.Entry) Writer {
	dw := &DelegatingWriter{
		backend: strings.ToLower(strings.TrimSpace(cfg.Backend)),
		local:   &LocalWriter{cfg: cfg},
		log:     log,
	}
	if dw.backend == "minio" {
		dw.minio = newMinioWriter(cfg, log)
	}
	return dw
}

// DelegatingWriter 按后端路由写入
type DelegatingWriter struct {
	backend string
	local   *LocalWriter
	minio   *MinioWriter
	log     *logrus.Entry
}

func (w *DelegatingWriter) Write(ctx context.Context, meta Meta, content string) (StoredObject, error) {
	if w.backend != "minio" {
		return w.local.Write(ctx, meta, content)
	}
	if w.minio == nil {
		w.log.Warn("MinIO backend selected but client not initialized; falling back to local")
		obj, lerr := w.local.Write(ctx, meta, content)
		if lerr != nil {
			return StoredObject{}, fmt.Errorf("minio client not initialized; local fallback failed: %w", lerr)
		}
		return obj, nil
	}
	obj, err := w.minio.Write(ctx, meta, content)
	if err != nil {
		w.log.Warnf("MinIO write failed; falling back to local: %v", err)
		objLocal, lerr := w.local.Write(ctx, meta, content)
		if lerr != nil {
			return StoredObject{}, fmt.Errorf("minio write failed: %v; local fallback failed: %w", err, lerr)
		}
		return objLocal, nil
	}
	return obj, nil
}

// objectPath prefix / device / kind / 日期_时间 / 文件名
func objectPath(prefix string, meta Meta) []string {
	var parts []string
	if p := strings.TrimSpace(prefix); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, slug(meta.DeviceID))
	if k := strings.TrimSpace(meta.Kind); k != "" {
		parts = append(parts, slug(k))
	}
	ts := meta.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	parts = append(parts, ts.Format("20060102_150405"))

	filename := slug(meta.Name)
	if !strings.Contains(filename, ".") {
		filename += ".txt"
	}
	return append(parts, filename)
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

const contentType = "text/plain; charset=utf-8"

// LocalWriter 本地文件写入
type LocalWriter struct {
	cfg config.ArchiveConfig
}

func (w *LocalWriter) Write(_ context.Context, meta Meta, content string) (StoredObject, error) {
	baseDir := strings.TrimSpace(w.cfg.Local.BaseDir)
	if baseDir == "" {
		baseDir = "./data/archive"
	}
	parts := objectPath(w.cfg.Prefix, meta)
	fullPath := filepath.Join(append([]string{baseDir}, parts...)...)

	if w.cfg.Local.MkdirIfMissing {
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
			return StoredObject{}, fmt.Errorf("failed to create dir: %w", err)
		}
	}
	data := []byte(content)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return StoredObject{}, fmt.Errorf("failed to write file: %w", err)
	}
	return StoredObject{
		URI:         "file://" + fullPath,
		Size:        int64(len(data)),
		Checksum:    checksum(data),
		ContentType: contentType,
	}, nil
}

// MinioWriter MinIO 对象存储写入
type MinioWriter struct {
	cfg           config.ArchiveConfig
	client        *minio.Client
	endpoint      string
	bucketEnsured bool
}

// newMinioWriter 尝试初始化 MinIO 写入器，配置不完整时返回 nil
func newMinioWriter(cfg config.ArchiveConfig, log *logrus.Entry) *MinioWriter {
	host := strings.TrimSpace(cfg.Minio.Host)
	port := cfg.Minio.Port
	if host == "" || port <= 0 {
		log.Warn("MinIO configuration incomplete; host/port missing")
		return nil
	}
	endpoint := fmt.Sprintf("%s:%d", host, port)

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   16,
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.Minio.AccessKey, cfg.Minio.SecretKey, ""),
		Secure:    cfg.Minio.Secure,
		Transport: transport,
	})
	if err != nil {
		log.Errorf("MinIO client initialization failed: %v", err)
		return nil
	}
	return &MinioWriter{cfg: cfg, client: client, endpoint: endpoint}
}

func (w *MinioWriter) Write(ctx context.Context, meta Meta, content string) (StoredObject, error) {
	bucket := strings.TrimSpace(w.cfg.Minio.Bucket)
	if bucket == "" {
		return StoredObject{}, fmt.Errorf("minio bucket not configured")
	}
	objectName := path.Join(objectPath(w.cfg.Prefix, meta)...)
	data := []byte(content)

	if err := w.fastConnectivityCheck(ctx); err != nil {
		return StoredObject{}, fmt.Errorf("minio connectivity failed to %s: %w", w.endpoint, err)
	}
	if !w.bucketEnsured {
		if err := w.ensureBucket(ctx, bucket); err != nil {
			return StoredObject{}, fmt.Errorf("minio ensure bucket failed: %w", err)
		}
		w.bucketEnsured = true
	}

	var lastErr error
	for _, wait := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		attemptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := w.client.PutObject(attemptCtx, bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return StoredObject{}, ctx.Err()
		case <-time.After(wait):
		}
	}
	if lastErr != nil {
		return StoredObject{}, fmt.Errorf("minio put object failed after retries: %w", lastErr)
	}
	return StoredObject{
		URI:         "minio://" + path.Join(bucket, objectName),
		Size:        int64(len(data)),
		Checksum:    checksum(data),
		ContentType: contentType,
	}, nil
}

// fastConnectivityCheck 使用 TCP 直连做快速连通性校验
func (w *MinioWriter) fastConnectivityCheck(parent context.Context) error {
	d := &net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(parent, "tcp", w.endpoint)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (w *MinioWriter) ensureBucket(parent context.Context, bucket string) error {
	ctx, cancel := context.WithTimeout(parent, 10*time.Second)
	defer cancel()
	exists, err := w.client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return w.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

var slugRe = regexp.MustCompile(`[^a-z0-9._-]+`)

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "/", "_", "\\", "_", ":", "_").Replace(s)
	s = slugRe.ReplaceAllString(s, "")
	if s == "" {
		s = "unknown"
	}
	return s
}
