// Package storage streams export archives to an S3-compatible bucket and
// manages their lifecycle: namespaced keys, multipart uploads, signed
// download URLs and retention cleanup.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/forgestack/exportpipe/internal/exporterr"
	"github.com/forgestack/exportpipe/internal/logging"
	"github.com/forgestack/exportpipe/internal/streamx"
)

// maxSignedURLTTL bounds the exposure window of any leaked link. Requests
// above it are clamped, never rejected.
const maxSignedURLTTL = 24 * time.Hour

const defaultSignedURLTTL = time.Hour

// keyPrefix namespaces every export object in the bucket.
const keyPrefix = "exports/"

var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}
)

// ObjectAPI is the slice of the S3 client the uploader uses. *s3.Client
// satisfies it; tests substitute a fake.
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// PresignAPI is the presigner slice used for download URLs.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Config holds the settings of the S3-compatible backend.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string

	// PartSize is the multipart threshold and part length. Streams that fit
	// in one part go through a single PUT.
	PartSize int64

	// Retention is the object age beyond which CleanupExpiredExports deletes.
	Retention time.Duration
}

// ObjectMeta is attached to every uploaded object.
type ObjectMeta struct {
	UserID       string
	ProjectID    string
	JobID        string
	VersionID    string
	FileCount    int64
	OriginalSize int64
	ContentType  string
}

// UploadResult describes a finished upload. Size is the exact byte count
// observed flowing through the stream.
type UploadResult struct {
	Key      string
	Size     int64
	ETag     string
	UploadID string
}

// Uploader streams archives into one bucket namespace.
type Uploader struct {
	client    ObjectAPI
	presigner PresignAPI
	bucket    string
	partSize  int64
	retention time.Duration
	log       logging.Logger
	now       func() time.Time
}

// New builds an Uploader with a real S3 client from cfg.
func New(ctx context.Context, cfg Config, log logging.Logger) (*Uploader, error) {
	awsCfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	return NewWithClients(client, newS3PresignClient(client), cfg, log), nil
}

// NewWithClients wires pre-built clients; used by New and by tests.
func NewWithClients(client ObjectAPI, presigner PresignAPI, cfg Config, log logging.Logger) *Uploader {
	if cfg.PartSize <= 0 {
		cfg.PartSize = 16 << 20
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 48 * time.Hour
	}

	return &Uploader{
		client:    client,
		presigner: presigner,
		bucket:    cfg.Bucket,
		partSize:  cfg.PartSize,
		retention: cfg.Retention,
		log:       log.With("module", "uploader"),
		now:       time.Now,
	}
}

// GenerateKey builds the object key
// exports/{userID}/{projectID}/{jobID}_{8-hex-digest}.{ext}. The digest mixes
// the ids with the current time, so keys never collide and cannot be guessed
// from the ids alone. User-controlled input is sanitized before it reaches
// the key.
func (u *Uploader) GenerateKey(userID, projectID, jobID, ext string) string {
	userID = sanitizeSegment(userID)
	projectID = sanitizeSegment(projectID)
	jobID = sanitizeSegment(jobID)
	ext = strings.TrimPrefix(sanitizeSegment(ext), ".")

	h := sha256.Sum256(fmt.Appendf(nil, "%s:%s:%s:%d", userID, projectID, jobID, u.now().UnixNano()))
	digest := hex.EncodeToString(h[:4])

	return fmt.Sprintf("%s%s/%s/%s_%s.%s", keyPrefix, userID, projectID, jobID, digest, ext)
}

// sanitizeSegment strips anything that could smuggle path structure into a
// key segment.
func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.ReplaceAll(s, "..", "-")
	return s
}

// lifecycleTag drives bucket-level automated expiry rules.
func lifecycleTag(userID string) string {
	v := url.Values{}
	v.Set("lifecycle", "export")
	v.Set("retention", "48h")
	v.Set("user", userID)
	return v.Encode()
}

func objectMetadata(meta ObjectMeta, createdAt time.Time) map[string]string {
	return map[string]string{
		"user-id":       meta.UserID,
		"project-id":    meta.ProjectID,
		"job-id":        meta.JobID,
		"version-id":    meta.VersionID,
		"file-count":    strconv.FormatInt(meta.FileCount, 10),
		"original-size": strconv.FormatInt(meta.OriginalSize, 10),
		"created-at":    createdAt.UTC().Format(time.RFC3339),
		"export-source": "export-pipeline",
	}
}

// UploadStream drains r into the bucket under key. The body length is
// unknown in advance (it is a live compression stream), so the upload buffers
// one part at a time: a stream that fits in a single part goes through one
// PUT, anything larger through a multipart session. A failed multipart
// session is always aborted so no orphaned parts accrue storage cost.
func (u *Uploader) UploadStream(ctx context.Context, r io.Reader, key string, meta ObjectMeta) (*UploadResult, error) {
	var counter streamx.CountingWriter
	body := io.TeeReader(r, &counter)

	buf := make([]byte, u.partSize)
	n, err := io.ReadFull(body, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("%w: read stream: %v", exporterr.ErrStorage, err)
	}

	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/zip"
	}
	metadata := objectMetadata(meta, u.now())
	tagging := lifecycleTag(meta.UserID)

	// whole stream fits into one part
	if n < len(buf) {
		out, err := u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(buf[:n]),
			ContentType: aws.String(contentType),
			Metadata:    metadata,
			Tagging:     aws.String(tagging),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: put object %s: %v", exporterr.ErrStorage, key, err)
		}

		return &UploadResult{
			Key:  key,
			Size: counter.Count(),
			ETag: aws.ToString(out.ETag),
		}, nil
	}

	return u.uploadMultipart(ctx, body, key, buf, metadata, tagging, contentType, &counter)
}

func (u *Uploader) uploadMultipart(ctx context.Context, body io.Reader, key string, firstPart []byte,
	metadata map[string]string, tagging, contentType string, counter *streamx.CountingWriter) (*UploadResult, error) {

	create, err := u.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Metadata:    metadata,
		Tagging:     aws.String(tagging),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create multipart %s: %v", exporterr.ErrStorage, key, err)
	}

	uploadID := aws.ToString(create.UploadId)

	abort := func() {
		_, abortErr := u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(u.bucket),
			Key:      aws.String(key),
			UploadId: create.UploadId,
		})
		if abortErr != nil {
			u.log.Error(ctx, "failed to abort multipart upload", "key", key, "upload_id", uploadID, "error", abortErr)
		}
	}

	var completed []types.CompletedPart
	part := firstPart
	partNumber := int32(1)

	for {
		out, err := u.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(u.bucket),
			Key:        aws.String(key),
			UploadId:   create.UploadId,
			PartNumber: aws.Int32(partNumber),
			Body:       bytes.NewReader(part),
		})
		if err != nil {
			abort()
			return nil, fmt.Errorf("%w: upload part %d of %s: %v", exporterr.ErrStorage, partNumber, key, err)
		}

		completed = append(completed, types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(partNumber),
		})

		buf := make([]byte, u.partSize)
		n, err := io.ReadFull(body, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			// a real read error, even exactly on a part boundary, must abort
			// the session rather than complete a truncated object
			abort()
			return nil, fmt.Errorf("%w: read stream: %v", exporterr.ErrStorage, err)
		}
		if n == 0 {
			break
		}

		part = buf[:n]
		partNumber++

		if n < len(buf) {
			// the stream ended inside this part; upload it and stop
			out, err := u.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:     aws.String(u.bucket),
				Key:        aws.String(key),
				UploadId:   create.UploadId,
				PartNumber: aws.Int32(partNumber),
				Body:       bytes.NewReader(part),
			})
			if err != nil {
				abort()
				return nil, fmt.Errorf("%w: upload part %d of %s: %v", exporterr.ErrStorage, partNumber, key, err)
			}
			completed = append(completed, types.CompletedPart{
				ETag:       out.ETag,
				PartNumber: aws.Int32(partNumber),
			})
			break
		}
	}

	complete, err := u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(key),
		UploadId: create.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		abort()
		return nil, fmt.Errorf("%w: complete multipart %s: %v", exporterr.ErrStorage, key, err)
	}

	return &UploadResult{
		Key:      key,
		Size:     counter.Count(),
		ETag:     aws.ToString(complete.ETag),
		UploadID: uploadID,
	}, nil
}

// GenerateSignedDownloadURL issues a presigned GET for key. The TTL is
// clamped server-side to 24 hours regardless of the requested value; filename
// overrides the content-disposition for a human-friendly download name.
func (u *Uploader) GenerateSignedDownloadURL(ctx context.Context, key string, ttl time.Duration, filename string) (string, error) {
	if ttl <= 0 {
		ttl = defaultSignedURLTTL
	}
	if ttl > maxSignedURLTTL {
		ttl = maxSignedURLTTL
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	}
	if filename != "" {
		in.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", filename))
	}

	req, err := u.presigner.PresignGetObject(ctx, in, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("%w: presign %s: %v", exporterr.ErrStorage, key, err)
	}

	return req.URL, nil
}

// FileExists reports whether key is present. A missing object is false, not
// an error; any other backend failure propagates.
func (u *Uploader) FileExists(ctx context.Context, key string) (bool, error) {
	_, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: head %s: %v", exporterr.ErrStorage, key, err)
	}

	return true, nil
}

// DeleteFile removes key. Deleting an absent key is success, not failure.
func (u *Uploader) DeleteFile(ctx context.Context, key string) (bool, error) {
	_, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return true, nil
		}
		return false, fmt.Errorf("%w: delete %s: %v", exporterr.ErrStorage, key, err)
	}

	return true, nil
}

// CleanupExpiredExports deletes every object under the export prefix whose
// last-modified time exceeds the retention window. It runs independently of
// per-job expiry bookkeeping, so it also catches objects whose database
// record was lost. Running it twice on a stable bucket deletes nothing the
// second time.
func (u *Uploader) CleanupExpiredExports(ctx context.Context) (int, error) {
	cutoff := u.now().Add(-u.retention)
	deleted := 0

	var continuation *string
	for {
		page, err := u.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(u.bucket),
			Prefix:            aws.String(keyPrefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return deleted, fmt.Errorf("%w: list %s: %v", exporterr.ErrStorage, keyPrefix, err)
		}

		for _, obj := range page.Contents {
			if obj.LastModified == nil || !obj.LastModified.Before(cutoff) {
				continue
			}

			key := aws.ToString(obj.Key)
			if _, err := u.DeleteFile(ctx, key); err != nil {
				u.log.Error(ctx, "failed to delete expired export object", "key", key, "error", err)
				continue
			}
			deleted++
		}

		if !aws.ToBool(page.IsTruncated) {
			break
		}
		continuation = page.NextContinuationToken
	}

	return deleted, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}

	return false
}
