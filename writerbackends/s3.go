package writerbackends

import (
	"context"
	"fmt"
	"path"

	"vidserve/config"
	"vidserve/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Mirror uploads artifacts with the multipart upload manager
type S3Mirror struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3 uses static keys when configured and the default AWS credential
// chain otherwise
func NewS3(ctx context.Context, cfg config.MirrorConfig) (*S3Mirror, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Mirror{
		uploader: manager.NewUploader(client),
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
	}, nil
}

func (m *S3Mirror) Name() string { return "s3" }

func (m *S3Mirror) Put(ctx context.Context, localPath, objectName string) error {
	f, _, err := openArtifact(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	key := path.Join(m.prefix, objectName)
	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %s to bucket %s: %w", key, m.bucket, err)
	}

	logger.Infof("Successfully uploaded object '%s' to bucket '%s'", key, m.bucket)
	return nil
}
