package evidence

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/45ck/Portarium-sub006/pkg/canonicalize"
)

// S3Archiver exports verified chains to object storage for long-term
// retention. The export is the canonical JSON of the full chain, keyed by
// workspace and the chain's tail hash, so re-archiving an unchanged chain is
// idempotent.
type S3Archiver struct {
	client *s3.Client
	store  Store
	hasher Hasher
	bucket string
	prefix string
}

// S3ArchiverConfig configures the archive target.
type S3ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string // optional custom endpoint (MinIO, LocalStack)
	Prefix   string // optional key prefix, e.g. "evidence/"
}

func NewS3Archiver(ctx context.Context, store Store, hasher Hasher, cfg S3ArchiverConfig) (*S3Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("evidence: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Archiver{
		client: client,
		store:  store,
		hasher: hasher,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Archive verifies the workspace's chain and uploads its canonical JSON.
// A chain that fails verification is never archived; the verification result
// is returned so audit tooling can report the offending entry.
func (a *S3Archiver) Archive(ctx context.Context, workspaceID string) (VerifyResult, error) {
	entries, err := a.store.List(ctx, workspaceID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("evidence: list chain %s: %w", workspaceID, err)
	}

	res := VerifyChain(entries, a.hasher, nil)
	if !res.OK {
		return res, fmt.Errorf("evidence: chain %s failed verification at index %d (%s)", workspaceID, res.Index, res.Reason)
	}
	if len(entries) == 0 {
		return res, nil
	}

	data, err := canonicalize.Canonical(entries)
	if err != nil {
		return res, fmt.Errorf("evidence: canonicalize chain %s: %w", workspaceID, err)
	}

	tail := entries[len(entries)-1].HashSHA256
	key := fmt.Sprintf("%s%s/%s.json", a.prefix, workspaceID, tail)

	// Idempotent: the key embeds the tail hash, so an unchanged chain maps
	// to an object that already exists.
	if _, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return res, nil
	}

	if _, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return res, fmt.Errorf("evidence: archive upload %s: %w", key, err)
	}
	return res, nil
}
