// Package storage uploads proof-of-work files to S3-compatible object
// storage and returns public URLs that can be attached to a delivery.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

// MaxFileSize is the largest accepted proof file.
const MaxFileSize = 10 << 20

// headerSize is how many leading bytes filetype needs to identify a file.
const headerSize = 261

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file exceeds 10 MB")
	ErrEmpty           = errors.New("file is empty")
)

// allowedTypes are the proof formats accepted, by sniffed MIME type.
var allowedTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
	"application/zip": true,
	"video/mp4":       true,
}

// File describes an uploaded object.
type File struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// ObjectPutter is the subset of *s3.Client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures the S3 uploader. Credentials fall back to the default
// AWS chain when AccessKey is empty.
type Config struct {
	Bucket        string
	Region        string
	PublicBaseURL string
	AccessKey     string
	SecretKey     string
}

// S3Uploader stores proof files in one bucket.
type S3Uploader struct {
	client     ObjectPutter
	bucket     string
	publicBase string
}

// NewS3 builds an uploader with an S3 client for cfg.
func NewS3(ctx context.Context, cfg Config) (*S3Uploader, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3Uploader(s3.NewFromConfig(awsCfg), cfg), nil
}

// NewS3Uploader wraps an existing client.
func NewS3Uploader(client ObjectPutter, cfg Config) *S3Uploader {
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	return &S3Uploader{client: client, bucket: cfg.Bucket, publicBase: base}
}

// Sniff identifies a file from its leading bytes and checks it is an
// accepted proof format. It returns the MIME type and extension.
func Sniff(head []byte) (mime, ext string, err error) {
	if len(head) == 0 {
		return "", "", ErrEmpty
	}
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return "", "", ErrUnsupportedType
	}
	if !allowedTypes[kind.MIME.Value] {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedType, kind.MIME.Value)
	}
	return kind.MIME.Value, kind.Extension, nil
}

// UploadProof stores r under proofs/<bookingID>/<uuid>.<ext>. size is the
// declared length of r.
func (u *S3Uploader) UploadProof(ctx context.Context, bookingID uuid.UUID, r io.Reader, size int64) (*File, error) {
	if size > MaxFileSize {
		return nil, ErrTooLarge
	}
	head := make([]byte, headerSize)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read file header: %w", err)
	}
	head = head[:n]

	mime, ext, err := Sniff(head)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("proofs/%s/%s.%s", bookingID, uuid.New(), ext)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          io.MultiReader(bytes.NewReader(head), r),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(mime),
	})
	if err != nil {
		return nil, fmt.Errorf("upload proof to s3: %w", err)
	}
	return &File{
		Key:         key,
		URL:         u.publicBase + "/" + key,
		ContentType: mime,
		Size:        size,
	}, nil
}
