package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"voxpipe/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// S3Options configures the transcript archive. An empty Endpoint means AWS.
type S3Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// S3Archive mirrors synced transcripts to an object storage bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
}

func NewS3Archive(ctx context.Context, opts S3Options) (*S3Archive, error) {
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load S3 config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	logger.Info("S3 archive initialized",
		zap.String("bucket", opts.Bucket),
		zap.String("endpoint", opts.Endpoint))

	return &S3Archive{client: client, bucket: opts.Bucket}, nil
}

// TranscriptKey is the object key of one message transcript.
func TranscriptKey(conversationID, messageID string) string {
	return path.Join("transcripts", safeKey(conversationID), safeKey(messageID)+".json")
}

// ArchiveTranscript uploads the transcript file bytes and returns the object key.
func (s *S3Archive) ArchiveTranscript(ctx context.Context, conversationID, messageID string, body []byte) (string, error) {
	key := TranscriptKey(conversationID, messageID)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload transcript: %w", err)
	}

	logger.Debug("Transcript archived",
		zap.String("bucket", s.bucket),
		zap.String("key", key))
	return key, nil
}

// FetchTranscript downloads an archived transcript.
func (s *S3Archive) FetchTranscript(ctx context.Context, conversationID, messageID string) ([]byte, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(TranscriptKey(conversationID, messageID)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download transcript: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return data, nil
}

// DeleteTranscript removes an archived transcript.
func (s *S3Archive) DeleteTranscript(ctx context.Context, conversationID, messageID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(TranscriptKey(conversationID, messageID)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}
	return nil
}

// safeKey maps an id onto one key segment; rewritten ids carry a digest of
// the raw value so distinct ids never share a key.
func safeKey(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			out[i] = '_'
		}
	}
	key := string(out)
	if key == "" || strings.HasPrefix(key, ".") {
		key = "_" + key
	}
	if key == s {
		return s
	}
	sum := sha256.Sum256([]byte(s))
	return key + "~" + hex.EncodeToString(sum[:4])
}
