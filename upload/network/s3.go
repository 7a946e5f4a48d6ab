package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
)

// S3Params configures an S3Transport.
type S3Params struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint points the client at an S3-compatible store such as MinIO.
	// Path-style addressing is used whenever it is set.
	Endpoint string
	// KeyPrefix is prepended to every object key.
	KeyPrefix string
}

// S3Transport performs multipart uploads directly against an S3-compatible
// object store. The object key doubles as the file id.
type S3Transport struct {
	client *s3.Client
	bucket string
	prefix string
	logger log.Logger
}

// NewS3Transport ...
func NewS3Transport(ctx context.Context, params S3Params, logger log.Logger) (*S3Transport, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Transport{
		client: client,
		bucket: params.Bucket,
		prefix: strings.Trim(params.KeyPrefix, "/"),
		logger: logger,
	}, nil
}

// InitUpload creates a multipart upload under the configured key prefix.
func (t *S3Transport) InitUpload(ctx context.Context, req InitRequest) (InitResponse, error) {
	key := objectKey(t.prefix, uuid.NewString(), req.Name)

	out, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(req.MIMEType),
		Metadata: map[string]string{
			"original-name": req.Name,
			"part-count":    fmt.Sprintf("%d", req.PartCount),
		},
	})
	if err != nil {
		return InitResponse{}, &InitError{Name: req.Name, Err: describeAPIError(err)}
	}

	t.logger.Debugf("Created multipart upload %s for s3://%s/%s", aws.ToString(out.UploadId), t.bucket, key)

	return InitResponse{
		FileID:   key,
		UploadID: aws.ToString(out.UploadId),
		Bucket:   t.bucket,
		Key:      key,
	}, nil
}

// UploadPart stores one part and returns its ETag.
func (t *S3Transport) UploadPart(ctx context.Context, fileID, uploadID string, partNumber int, data []byte) (PartResponse, error) {
	out, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(t.bucket),
		Key:           aws.String(fileID),
		UploadId:      aws.String(uploadID),
		PartNumber:    aws.Int32(int32(partNumber)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return PartResponse{}, &PartUploadError{PartNumber: partNumber, Err: describeAPIError(err)}
	}

	return PartResponse{PartNumber: partNumber, ETag: aws.ToString(out.ETag)}, nil
}

// CompleteUpload lists the uploaded parts and assembles them in part order.
func (t *S3Transport) CompleteUpload(ctx context.Context, fileID, uploadID string) (CompleteResponse, error) {
	parts, err := t.listParts(ctx, fileID, uploadID)
	if err != nil {
		return CompleteResponse{}, &CompleteError{UploadID: uploadID, Err: err}
	}
	if len(parts) == 0 {
		return CompleteResponse{}, &CompleteError{UploadID: uploadID, Err: fmt.Errorf("no parts uploaded")}
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	var size int64
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{ETag: p.ETag, PartNumber: p.PartNumber})
		size += aws.ToInt64(p.Size)
	}

	out, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(t.bucket),
		Key:             aws.String(fileID),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return CompleteResponse{}, &CompleteError{UploadID: uploadID, Err: describeAPIError(err)}
	}

	return CompleteResponse{
		FileID:       fileID,
		FileUUID:     fileUUIDFromKey(fileID),
		Bucket:       t.bucket,
		Key:          fileID,
		ETag:         aws.ToString(out.ETag),
		Size:         size,
		FileName:     path.Base(fileID),
		OriginalName: path.Base(fileID),
		UploadStatus: "completed",
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// AbortUpload aborts the multipart upload.
func (t *S3Transport) AbortUpload(ctx context.Context, fileID, uploadID string) (AbortResponse, error) {
	_, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(t.bucket),
		Key:      aws.String(fileID),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return AbortResponse{}, &AbortError{UploadID: uploadID, Err: describeAPIError(err)}
	}
	return AbortResponse{Status: "aborted", Message: fmt.Sprintf("upload %s aborted", uploadID)}, nil
}

// UploadStatus reports the parts S3 has received so far. Expiry is not
// tracked by S3 and is always reported as false.
func (t *S3Transport) UploadStatus(ctx context.Context, fileID, uploadID string) (StatusResponse, error) {
	parts, err := t.listParts(ctx, fileID, uploadID)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("upload status %s: %w", uploadID, err)
	}

	uploaded := make([]int, 0, len(parts))
	for _, p := range parts {
		uploaded = append(uploaded, int(aws.ToInt32(p.PartNumber)))
	}
	return StatusResponse{TotalParts: len(uploaded), UploadedParts: uploaded}, nil
}

func (t *S3Transport) listParts(ctx context.Context, key, uploadID string) ([]types.Part, error) {
	var parts []types.Part
	var marker *string
	for {
		out, err := t.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(t.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, describeAPIError(err)
		}
		parts = append(parts, out.Parts...)
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		marker = out.NextPartNumberMarker
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	return parts, nil
}

func objectKey(prefix, id, name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		name = "file"
	}
	if prefix == "" {
		return fmt.Sprintf("%s/%s", id, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, id, name)
}

// fileUUIDFromKey returns the id segment of a key built by objectKey.
func fileUUIDFromKey(key string) string {
	segments := strings.Split(key, "/")
	if len(segments) < 2 {
		return key
	}
	return segments[len(segments)-2]
}

func describeAPIError(err error) error {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.(type) {
		case *types.NoSuchUpload:
			return fmt.Errorf("multipart upload no longer exists: %w", err)
		default:
			return fmt.Errorf("%s: %s: %w", apiError.ErrorCode(), apiError.ErrorMessage(), err)
		}
	}
	return err
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
