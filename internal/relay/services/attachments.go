package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	sc "github.com/tallysync/tally/internal/relay/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const presignValidity = 15 * time.Minute

var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}

	presignPutObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignPutObject(ctx, in, optFns...)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// AttachmentService hands out presigned S3 URLs so attachment blobs,
// encrypted on the client, flow directly between devices and object storage
// without passing through the relay.
type AttachmentService struct {
	config *sc.Config
}

// NewAttachmentService constructs an AttachmentService.
func NewAttachmentService(config *sc.Config) *AttachmentService {
	return &AttachmentService{config: config}
}

// GetRandomStorageKey produces a date-partitioned object key.
func GetRandomStorageKey(companyID string) string {
	d := time.Now()
	return fmt.Sprintf("companies/%s/%d/%d/%d/%v", companyID, d.Year(), d.Month(), d.Day(), uuid.New())
}

func (s *AttachmentService) getPresignClient() (*s3.PresignClient, error) {
	cfg, err := loadDefaultAWSConfig(context.Background(),
		config.WithRegion(s.config.S3Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			s.config.S3RootUser,
			s.config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(s.config.S3BaseEndpoint)
	})

	return newS3PresignClient(client), nil
}

// GetPresignedPutUrl mints a fresh storage key and a presigned upload URL.
func (s *AttachmentService) GetPresignedPutUrl(ctx context.Context, companyID string) (string, string, time.Time, error) {
	presignClient, err := s.getPresignClient()
	if err != nil {
		return "", "", time.Time{}, err
	}

	bucket := s.config.S3Bucket
	key := GetRandomStorageKey(companyID)

	req, err := presignPutObject(presignClient, ctx, &s3.PutObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(presignValidity))
	if err != nil {
		return "", "", time.Time{}, err
	}

	return key, req.URL, time.Now().Add(presignValidity), nil
}

// GetPresignedGetUrl returns a presigned download URL for an existing key.
func (s *AttachmentService) GetPresignedGetUrl(ctx context.Context, key string) (string, time.Time, error) {
	presignClient, err := s.getPresignClient()
	if err != nil {
		return "", time.Time{}, err
	}

	bucket := s.config.S3Bucket

	req, err := presignGetObject(presignClient, ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}, s3.WithPresignExpires(presignValidity))
	if err != nil {
		return "", time.Time{}, err
	}

	return req.URL, time.Now().Add(presignValidity), nil
}
