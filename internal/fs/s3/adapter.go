// Package s3 实现基于 S3 兼容对象存储的 disk
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	s3api "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	storefs "storagecopy/internal/fs"
)

const (
	// allUsersURI 公共读授权的 grantee
	allUsersURI = "http://acs.amazonaws.com/groups/global/AllUsers"
	// mtimeKey 保存源文件修改时间的用户元数据 key
	mtimeKey = "mtime"
)

// API 适配器用到的 S3 接口子集，便于测试替换
// 上传 (含分片上传) 部分由 manager.UploadAPIClient 提供
type API interface {
	s3api.ListObjectsV2APIClient
	manager.UploadAPIClient
	HeadObject(ctx context.Context, in *s3api.HeadObjectInput, optFns ...func(*s3api.Options)) (*s3api.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3api.GetObjectInput, optFns ...func(*s3api.Options)) (*s3api.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3api.DeleteObjectInput, optFns ...func(*s3api.Options)) (*s3api.DeleteObjectOutput, error)
	GetObjectAcl(ctx context.Context, in *s3api.GetObjectAclInput, optFns ...func(*s3api.Options)) (*s3api.GetObjectAclOutput, error)
	PutObjectAcl(ctx context.Context, in *s3api.PutObjectAclInput, optFns ...func(*s3api.Options)) (*s3api.PutObjectAclOutput, error)
}

// Options 初始化参数
type Options struct {
	Bucket            string
	Prefix            string
	Region            string
	Endpoint          string
	AccessKey         string
	SecretKey         string
	PathStyle         bool
	DefaultVisibility storefs.Visibility
	// PartSize 分片上传的分片大小，为 0 时使用 manager.DefaultUploadPartSize
	PartSize int64
}

// Adapter 实现了 fs.FileSystem 接口
type Adapter struct {
	client            API
	uploader          *manager.Uploader
	bucket            string
	prefix            string // 不以 / 开头，非空时以 / 结尾
	defaultVisibility storefs.Visibility
}

// New 根据配置创建 S3 客户端和适配器
func New(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 5 * time.Minute,
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(httpClient),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3api.NewFromConfig(awsCfg, func(o *s3api.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})

	return NewAdapter(client, opts), nil
}

// NewAdapter 使用已有的客户端创建适配器
func NewAdapter(client API, opts Options) *Adapter {
	prefix := strings.Trim(opts.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	v := opts.DefaultVisibility
	if v == storefs.VisibilityUnknown {
		v = storefs.VisibilityPrivate
	}
	// 引擎已经按文件并发，单个文件的分片上传并发保持较小
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if opts.PartSize > 0 {
			u.PartSize = opts.PartSize
		}
		u.Concurrency = 2
	})
	return &Adapter{client: client, uploader: uploader, bucket: opts.Bucket, prefix: prefix, defaultVisibility: v}
}

// Root 返回 s3://bucket/prefix
func (a *Adapter) Root() string {
	return "s3://" + path.Join(a.bucket, a.prefix)
}

func (a *Adapter) key(relPath string) string {
	return a.prefix + relPath
}

// ListAll 列出前缀下的全部对象
func (a *Adapter) ListAll(ctx context.Context) ([]string, error) {
	input := &s3api.ListObjectsV2Input{Bucket: aws.String(a.bucket)}
	if a.prefix != "" {
		input.Prefix = aws.String(a.prefix)
	}
	paginator := s3api.NewListObjectsV2Paginator(a.client, input)

	var files []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", storefs.ErrUnavailable, a.Root(), err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			// 跳过目录占位对象
			if strings.HasSuffix(key, "/") {
				continue
			}
			files = append(files, strings.TrimPrefix(key, a.prefix))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Stat 通过 HeadObject 获取元数据
func (a *Adapter) Stat(ctx context.Context, relPath string) (*storefs.FileMeta, error) {
	out, err := a.client.HeadObject(ctx, &s3api.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(relPath)),
	})
	if err != nil {
		return nil, classify(relPath, err)
	}
	meta := &storefs.FileMeta{
		RelPath:  relPath,
		Size:     aws.ToInt64(out.ContentLength),
		ModTime:  modTime(out.Metadata, out.LastModified),
		MimeType: aws.ToString(out.ContentType),
	}
	meta.Visibility = a.visibility(ctx, relPath)
	return meta, nil
}

// OpenStream 下载对象
func (a *Adapter) OpenStream(ctx context.Context, relPath string) (io.ReadCloser, *storefs.FileMeta, error) {
	out, err := a.client.GetObject(ctx, &s3api.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(relPath)),
	})
	if err != nil {
		return nil, nil, classify(relPath, err)
	}
	meta := &storefs.FileMeta{
		RelPath:  relPath,
		Size:     aws.ToInt64(out.ContentLength),
		ModTime:  modTime(out.Metadata, out.LastModified),
		MimeType: aws.ToString(out.ContentType),
	}
	meta.Visibility = a.visibility(ctx, relPath)
	return out.Body, meta, nil
}

// WriteStream 上传对象
// 通过 manager.Uploader 流式上传，超过一个分片大小时自动转为分片上传
func (a *Adapter) WriteStream(ctx context.Context, relPath string, stream io.Reader, meta *storefs.FileMeta) error {
	visibility := a.defaultVisibility
	input := &s3api.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(relPath)),
		Body:   stream,
	}
	if meta != nil {
		if meta.Visibility != storefs.VisibilityUnknown {
			visibility = meta.Visibility
		}
		if meta.MimeType != "" {
			input.ContentType = aws.String(meta.MimeType)
		}
		if !meta.ModTime.IsZero() {
			input.Metadata = map[string]string{mtimeKey: meta.ModTime.UTC().Format(time.RFC3339Nano)}
		}
	}
	input.ACL = cannedACL(visibility)

	if _, err := a.uploader.Upload(ctx, input); err != nil {
		return classify(relPath, err)
	}
	return nil
}

// Delete 删除对象
// S3 删除不存在的 key 同样返回成功
func (a *Adapter) Delete(ctx context.Context, relPath string) error {
	_, err := a.client.DeleteObject(ctx, &s3api.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(relPath)),
	})
	if err != nil {
		return classify(relPath, err)
	}
	return nil
}

// SetVisibility 通过 canned ACL 修改可见性
func (a *Adapter) SetVisibility(ctx context.Context, relPath string, v storefs.Visibility) error {
	if v == storefs.VisibilityUnknown {
		return nil
	}
	_, err := a.client.PutObjectAcl(ctx, &s3api.PutObjectAclInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(relPath)),
		ACL:    cannedACL(v),
	})
	if err != nil {
		return classify(relPath, err)
	}
	return nil
}

// visibility 读取 ACL，部分 S3 兼容存储不支持 ACL，此时返回未知
func (a *Adapter) visibility(ctx context.Context, relPath string) storefs.Visibility {
	out, err := a.client.GetObjectAcl(ctx, &s3api.GetObjectAclInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(relPath)),
	})
	if err != nil {
		slog.Debug("无法读取对象 ACL", "path", relPath, "err", err)
		return storefs.VisibilityUnknown
	}
	return visibilityFromGrants(out.Grants)
}

func visibilityFromGrants(grants []types.Grant) storefs.Visibility {
	for _, g := range grants {
		if g.Grantee == nil || g.Grantee.Type != types.TypeGroup || aws.ToString(g.Grantee.URI) != allUsersURI {
			continue
		}
		if g.Permission == types.PermissionRead || g.Permission == types.PermissionFullControl {
			return storefs.VisibilityPublic
		}
	}
	return storefs.VisibilityPrivate
}

func cannedACL(v storefs.Visibility) types.ObjectCannedACL {
	if v == storefs.VisibilityPublic {
		return types.ObjectCannedACLPublicRead
	}
	return types.ObjectCannedACLPrivate
}

func modTime(userMeta map[string]string, lastModified *time.Time) time.Time {
	if raw, ok := userMeta[mtimeKey]; ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return t
		}
	}
	return aws.ToTime(lastModified)
}

// classify 将 SDK 错误归类为 ErrNotFound / ErrUnavailable
func classify(relPath string, err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%s: %w", relPath, storefs.ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%s: %w", relPath, storefs.ErrNotFound)
		case "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %s: %v", storefs.ErrUnavailable, relPath, err)
		}
	}
	return err
}

var _ storefs.FileSystem = (*Adapter)(nil)
