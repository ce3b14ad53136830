// Package archive implements the Archive Store Adapter (C2): accept an
// archive by opaque deployment id, issue a time-bounded capability URL for
// direct client upload, and mirror the stored object to the build
// executor's expected source location. Backed by S3 (aws-sdk-go-v2); no
// teacher precedent for object storage, so this is grounded on the
// ecosystem idiom rather than adapted teacher code (see DESIGN.md).
package archive

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var (
	ErrTokenMalformed    = errors.New("archive: upload token malformed")
	ErrTokenSignature    = errors.New("archive: upload token signature mismatch")
	ErrTokenExpired      = errors.New("archive: upload token expired")
	ErrTokenDeploymentID = errors.New("archive: upload token deployment id mismatch")
)

// tokenPayload is the signed content of an upload capability token.
type tokenPayload struct {
	DeploymentID string `json:"deployment_id"`
	Filename     string `json:"filename"`
	Exp          int64  `json:"exp"`
}

// Store is the Archive Store Adapter.
type Store struct {
	client       *s3.Client
	presigner    *s3.PresignClient
	bucket       string
	executorBucket string
	signingKey   []byte
	uploadTTL    time.Duration
}

// Config configures the Store.
type Config struct {
	Bucket         string // uploads bucket: uploads/{deployment_id}/source.zip
	ExecutorBucket string // build executor's source bucket
	SigningKey     []byte // upload token HMAC key
	UploadTTL      time.Duration
}

// New constructs a Store over an already-configured S3 client.
func New(client *s3.Client, cfg Config) *Store {
	if cfg.UploadTTL == 0 {
		cfg.UploadTTL = 15 * time.Minute
	}
	return &Store{
		client:         client,
		presigner:      s3.NewPresignClient(client),
		bucket:         cfg.Bucket,
		executorBucket: cfg.ExecutorBucket,
		signingKey:     cfg.SigningKey,
		uploadTTL:      cfg.UploadTTL,
	}
}

func objectKey(deploymentID string) string {
	return fmt.Sprintf("uploads/%s/source.zip", deploymentID)
}

func executorKey(deploymentID string) string {
	return fmt.Sprintf("%s/source.zip", deploymentID)
}

// IssueCapability mints an upload token and presigned PUT URL for
// deploymentID, valid for the adapter's upload TTL.
func (s *Store) IssueCapability(ctx context.Context, deploymentID, filename string) (uploadURL string, token string, expiresAt time.Time, err error) {
	expiresAt = time.Now().UTC().Add(s.uploadTTL)

	token, err = s.signToken(tokenPayload{
		DeploymentID: deploymentID,
		Filename:     filename,
		Exp:          expiresAt.Unix(),
	})
	if err != nil {
		return "", "", time.Time{}, err
	}

	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(deploymentID)),
		ContentType: aws.String("application/zip"),
	}, s3.WithPresignExpires(s.uploadTTL))
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("presign upload: %w", err)
	}

	return req.URL, token, expiresAt, nil
}

// signToken produces base64url(payload).hex(HMAC-SHA256(payload, secret)).
func (s *Store) signToken(p tokenPayload) (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal token payload: %w", err)
	}
	encoded := base64.URLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(encoded))
	sig := hex.EncodeToString(mac.Sum(nil))
	return encoded + "." + sig, nil
}

// ValidateToken parses and verifies an upload token against the URL's
// deployment id, per spec §6's "Upload token format" rules.
func (s *Store) ValidateToken(token, urlDeploymentID string) error {
	encoded, sig, ok := splitToken(token)
	if !ok {
		return ErrTokenMalformed
	}

	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write([]byte(encoded))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return ErrTokenSignature
	}

	payloadBytes, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return ErrTokenMalformed
	}
	var payload tokenPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return ErrTokenMalformed
	}

	if time.Now().UTC().Unix() > payload.Exp {
		return ErrTokenExpired
	}
	if payload.DeploymentID != urlDeploymentID {
		return ErrTokenDeploymentID
	}
	return nil
}

func splitToken(token string) (encoded, sig string, ok bool) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}

// Accept streams archive bytes into the uploads bucket at
// uploads/{deployment_id}/source.zip, overwriting any prior upload —
// the token is "single-use in spirit" only (spec §6).
func (s *Store) Accept(ctx context.Context, deploymentID string, body io.Reader) error {
	uploader := manager.NewUploader(s.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(deploymentID)),
		Body:        body,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return fmt.Errorf("accept upload: %w", err)
	}
	return nil
}

// Mirror copies the uploaded archive into the build executor's expected
// source location (spec §4.3's uploading → analyzing transition).
func (s *Store) Mirror(ctx context.Context, deploymentID string) error {
	source := fmt.Sprintf("%s/%s", s.bucket, objectKey(deploymentID))
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.executorBucket),
		Key:        aws.String(executorKey(deploymentID)),
		CopySource: aws.String(source),
	})
	if err != nil {
		return fmt.Errorf("mirror to build executor: %w", err)
	}
	return nil
}

// Open opens the uploaded archive for the classifier to read (spec §4.5
// reads its central directory; this returns the bucket object for a
// range-capable reader, not a full download).
func (s *Store) Open(ctx context.Context, deploymentID string) (*s3.GetObjectOutput, error) {
	return s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(deploymentID)),
	})
}

// Delete removes both the uploaded archive and its mirrored copy. Safe to
// call on an absent object (S3 delete is idempotent) — used on deployment
// deletion/TTL reap.
func (s *Store) Delete(ctx context.Context, deploymentID string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(deploymentID)),
	}); err != nil {
		return fmt.Errorf("delete upload: %w", err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.executorBucket),
		Key:    aws.String(executorKey(deploymentID)),
	}); err != nil {
		return fmt.Errorf("delete mirrored source: %w", err)
	}
	return nil
}

// Probe checks archive-store reachability for the /health endpoint.
func (s *Store) Probe(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	return err
}
