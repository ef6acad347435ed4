package objectclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/nexabot/knowcore/internal/config"
	"github.com/nexabot/knowcore/internal/core"
)

// S3Client archives raw uploads on S3 so the ingestion pipeline can stream
// the original bytes back during the optimizing stage.
type S3Client struct {
	client *s3.Client
	region string
	log    *zap.Logger
}

func NewS3Client(ctx context.Context, cfg *config.Config, log *zap.Logger) (*S3Client, error) {
	st := cfg.Storage
	if st.AccessKey == "" || st.SecretKey == "" {
		return nil, fmt.Errorf("storage credentials not set")
	}
	if st.Region == "" {
		return nil, fmt.Errorf("storage region not set")
	}
	if st.Bucket == "" {
		return nil, fmt.Errorf("storage bucket not set")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(
		ctx,
		awsconfig.WithRegion(st.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(st.AccessKey, st.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	log.Info("object storage ready", zap.String("bucket", st.Bucket), zap.String("region", st.Region))
	return &S3Client{
		client: s3.NewFromConfig(awsCfg),
		region: st.Region,
		log:    log,
	}, nil
}

// UploadFile uploads a file to S3 and returns its virtual-hosted URL.
func (c *S3Client) UploadFile(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	uploader := manager.NewUploader(c.client)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}

	ctxUpload, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if _, err := uploader.Upload(ctxUpload, input); err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}

	url := fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", bucket, c.region, key)
	return url, nil
}

func (c *S3Client) GetFile(ctx context.Context, bucket, key string) ([]byte, error) {
	ctxGet, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	resp, err := c.client.GetObject(ctxGet, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (c *S3Client) DeleteFile(ctx context.Context, bucket, key string) error {
	ctxDel, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := c.client.DeleteObject(ctxDel, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3 delete failed: %w", err)
	}
	return nil
}

var _ core.ObjectClient = (*S3Client)(nil)
