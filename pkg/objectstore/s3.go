// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/qisync/pkg/config"
	"github.com/united-manufacturing-hub/qisync/pkg/logger"
)

// S3 is a Store backed by Amazon S3 or a compatible endpoint.
type S3 struct {
	client   *s3.Client
	kmsKeyID string
	log      *zap.SugaredLogger
}

// NewS3 builds a client from cfg. Static credentials are used when an
// access key is configured, the default AWS chain otherwise. A custom
// endpoint switches to path-style addressing and only sends checksums the
// operation requires, which most S3-compatible servers expect.
func NewS3(ctx context.Context, cfg config.S3Config) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})

	return &S3{
		client:   client,
		kmsKeyID: cfg.KMSKeyID,
		log:      logger.For(logger.ComponentObjectStore),
	}, nil
}

// Put uploads obj, encrypting with SSE-KMS when a key id is configured.
func (s *S3) Put(ctx context.Context, obj Object) error {
	contentType := obj.ContentType
	if contentType == "" {
		contentType = ContentTypeFor(obj.Key)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(obj.Bucket),
		Key:         aws.String(obj.Key),
		Body:        bytes.NewReader(obj.Data),
		ContentType: aws.String(contentType),
	}

	if s.kmsKeyID != "" {
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		input.SSEKMSKeyId = aws.String(s.kmsKeyID)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", obj.Bucket, obj.Key, err)
	}

	s.log.Debugw("object_put", "bucket", obj.Bucket, "key", obj.Key, "bytes", len(obj.Data))

	return nil
}

func (s *S3) Get(ctx context.Context, bucket, key string) (Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return Object{}, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
		}

		return Object{}, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Object{}, fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}

	contentType := aws.ToString(out.ContentType)
	if contentType == "" || contentType == DefaultContentType {
		contentType = ContentTypeFor(key)
	}

	return Object{Bucket: bucket, Key: key, Data: data, ContentType: contentType}, nil
}

func (s *S3) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", bucket, key, err)
	}

	return nil
}
