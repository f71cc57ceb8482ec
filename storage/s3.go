package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"graphloom/config"
	"graphloom/models"
)

// NewS3Client erstellt einen S3-Client für einen S3-kompatiblen Endpunkt.
func NewS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.S3URL,
				SigningRegion:     cfg.S3Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3Key, cfg.S3Secret, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg), nil
}

// DeleteObjects akzeptiert höchstens 1000 Schlüssel pro Aufruf.
const maxDeleteKeys = 1000

// ObjectStore ist der Ausschnitt der S3-API, den das Archiv braucht.
type ObjectStore interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Archive legt abgelaufene Staging-Zeilen als gzip-komprimiertes NDJSON ab.
type Archive struct {
	Client ObjectStore
	Bucket string
}

// NewArchive erstellt ein Archiv im angegebenen Bucket.
func NewArchive(client ObjectStore, bucket string) *Archive {
	return &Archive{Client: client, Bucket: bucket}
}

// PutRecords schreibt records unter key und gibt die Größe der Datei zurück.
func (a *Archive) PutRecords(ctx context.Context, key string, records []models.StagingRecord) (int, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := json.NewEncoder(gz)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return 0, fmt.Errorf("encode record %d: %w", r.ID, err)
		}
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}

	size := buf.Len()
	_, err := a.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.Bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", key, err)
	}
	return size, nil
}

// Keys listet alle Objekte unter prefix, aufsteigend sortiert.
func (a *Archive) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(a.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.Bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Rotate löscht unter prefix alle bis auf die keep jüngsten Archive. Schlüssel
// müssen lexikografisch nach Zeit sortierbar sein.
func (a *Archive) Rotate(ctx context.Context, prefix string, keep int) (int, error) {
	keys, err := a.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	if keep < 0 || len(keys) <= keep {
		return 0, nil
	}
	stale := keys[:len(keys)-keep]

	for start := 0; start < len(stale); start += maxDeleteKeys {
		chunk := stale[start:min(start+maxDeleteKeys, len(stale))]
		objects := make([]types.ObjectIdentifier, 0, len(chunk))
		for _, k := range chunk {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}
		_, err = a.Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.Bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return start, fmt.Errorf("delete stale archives: %w", err)
		}
	}
	return len(stale), nil
}
