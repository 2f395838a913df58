// Package objstore is the S3-compatible object store sink.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/tonimelisma/pagesave/internal/conflict"
	"github.com/tonimelisma/pagesave/internal/sink"
)

// Name is the sink name used in logs and errors.
const Name = "S3"

// credentialErrorCodes are S3 error codes meaning the configured keys are
// unusable.
var credentialErrorCodes = map[string]bool{
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"ExpiredToken":          true,
	"InvalidToken":          true,
}

// Options configures an object store sink.
type Options struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Throttle        *sink.Throttle
	Logger          *slog.Logger
}

// API is the subset of *s3.Client the sink calls.
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Sink uploads to a bucket. One Sink serves one delivery.
type Sink struct {
	client  API
	opts    Options
	logger  *slog.Logger
	aborter sink.Aborter
}

var _ sink.Sink = (*Sink)(nil)

// NewClient builds an S3 client from opts. Static keys take precedence over
// the default AWS credential chain.
func NewClient(ctx context.Context, opts Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("objstore: loading AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}

		o.UsePathStyle = opts.UsePathStyle
		// Most S3-compatible providers reject the newer default checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	}), nil
}

// New creates an object store sink over client.
func New(client API, opts Options) (*Sink, error) {
	if opts.Bucket == "" {
		return nil, errors.New("objstore: bucket is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts.Prefix = strings.Trim(opts.Prefix, "/")

	return &Sink{client: client, opts: opts, logger: logger}, nil
}

// Name implements sink.Sink.
func (s *Sink) Name() string { return Name }

// Abort implements sink.Sink.
func (s *Sink) Abort() { s.aborter.Abort() }

// Upload implements sink.Sink. The object is sent in one PutObject; the
// bandwidth limit is charged before the request starts.
func (s *Sink) Upload(ctx context.Context, filename string, blob []byte, opts sink.UploadOptions) (*sink.Result, error) {
	ctx, release := s.aborter.Begin(ctx)
	defer release()

	res, err := s.upload(ctx, filename, blob, opts)
	if err != nil {
		return nil, sink.Annotate(sink.Check(ctx, classify(err)), Name)
	}

	return res, nil
}

func (s *Sink) upload(ctx context.Context, filename string, blob []byte, opts sink.UploadOptions) (*sink.Result, error) {
	dir, base := path.Split(strings.ReplaceAll(filename, `\`, "/"))
	base = conflict.Normalize(base)
	dir = path.Join(s.opts.Prefix, dir)

	exists := func(ctx context.Context, name string) (bool, error) {
		return s.exists(ctx, path.Join(dir, name))
	}

	target, err := sink.ResolveName(ctx, base, opts.ConflictAction, exists, opts.Prompt)
	if err != nil {
		return nil, err
	}

	key := path.Join(dir, target.Name)
	res := &sink.Result{Locator: conflict.EncodeSharp("s3://" + s.opts.Bucket + "/" + key)}

	if target.Skip {
		s.logger.Info("object exists, skipping upload", slog.String("key", key))
		return res, nil
	}

	total := int64(len(blob))
	if err := s.opts.Throttle.Wait(ctx, len(blob)); err != nil {
		return nil, err
	}

	opts.Report(0, total)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(blob),
		ContentLength: aws.Int64(total),
		ContentType:   aws.String(contentType(target.Name)),
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: put %s: %w", key, err)
	}

	opts.Report(total, total)
	s.logger.Info("uploaded to object store",
		slog.String("bucket", s.opts.Bucket),
		slog.String("key", key),
		slog.Int64("bytes", total),
	)

	return res, nil
}

func (s *Sink) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	if isNotFound(err) {
		return false, nil
	}

	return false, fmt.Errorf("objstore: head %s: %w", key, err)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		return re.HTTPStatusCode() == http.StatusNotFound
	}

	return false
}

// classify marks credential failures as invalid_token.
func classify(err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) && credentialErrorCodes[ae.ErrorCode()] {
		return sink.NewError(sink.CategoryInvalidToken, "object store credentials rejected", err)
	}

	return err
}

func contentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".mhtml":
		return "multipart/related"
	case ".zip":
		return "application/zip"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
