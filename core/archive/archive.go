/*Package archive exports aged device history to S3 and prunes it from
postgres, keeping the append-only log table bounded.
*/
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"

	"github.com/fov-tech/fovdash/core/csql"
	"github.com/fov-tech/fovdash/core/logger"
)

// S3Config holds the settings for the history archiver. The archiver
// is disabled when AWSBucketName is empty.
type S3Config struct {
	AWSBucketName string `env:"ARCHIVE_BUCKET,optional"`
	AWSRegion     string `env:"ARCHIVE_REGION,optional"`
	AccessID      string `env:"ARCHIVE_ACCESS_ID,optional"`
	AccessKey     string `env:"ARCHIVE_ACCESS_KEY,optional"`
	KeyPrefix     string `env:"ARCHIVE_KEY_PREFIX,default=history/"`
	// Retention is how long history stays in postgres before it is archived.
	Retention time.Duration `env:"ARCHIVE_RETENTION,default=2160h"`
}

// Archiver moves device_log rows older than the retention window to S3.
type Archiver struct {
	db        *csql.DB
	awsConfig aws.Config
	bucket    string
	keyPrefix string
	retention time.Duration
}

// NewArchiver returns a new archiver, or an error if the AWS
// configuration cannot be assembled.
func NewArchiver(db *csql.DB, config S3Config) (*Archiver, error) {
	if config.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}
	awsConfig, err := awsconfig.LoadDefaultConfig(
		context.TODO(),
		awsconfig.WithRegion(config.AWSRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(config.AccessID, config.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	return &Archiver{
		db:        db,
		awsConfig: awsConfig,
		bucket:    config.AWSBucketName,
		keyPrefix: config.KeyPrefix,
		retention: config.Retention,
	}, nil
}

type archivedEntry struct {
	ID        int       `json:"id"`
	Device    string    `json:"device"`
	Tenant    string    `json:"tenant"`
	Timestamp time.Time `json:"ts"`
	Metric    string    `json:"metric"`
	Value     string    `json:"value"`
}

// RunOnce archives and prunes one batch of aged history rows. It
// returns the number of rows moved.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	rlog := logger.FromContext(ctx)
	cutoff := time.Now().UTC().Add(-a.retention)

	rows, err := a.db.QueryContext(ctx,
		`SELECT log_id, device, tenant, timestamp, metric, value FROM `+a.db.Schema+`.device_log_norm
WHERE timestamp < $1 ORDER BY log_id;`, cutoff)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	entries := []archivedEntry{}
	for rows.Next() {
		e := archivedEntry{}
		if err := rows.Scan(&e.ID, &e.Device, &e.Tenant, &e.Timestamp, &e.Metric, &e.Value); err != nil {
			return 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	body, err := json.Marshal(entries)
	if err != nil {
		return 0, err
	}
	key := fmt.Sprintf("%s%s-%d.json", a.keyPrefix, cutoff.Format("2006-01-02"), entries[len(entries)-1].ID)

	uploader := manager.NewUploader(s3.NewFromConfig(a.awsConfig))
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &a.bucket,
		Key:    &key,
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return 0, err
	}

	// prune only after the upload succeeded
	_, err = a.db.ExecContext(ctx,
		`DELETE FROM `+a.db.Schema+`.device_log WHERE log_id <= $1 AND timestamp < $2;`,
		entries[len(entries)-1].ID, cutoff)
	if err != nil {
		return len(entries), err
	}

	rlog.Infof("archived %d history rows to s3://%s/%s", len(entries), a.bucket, key)
	return len(entries), nil
}

// Run archives once a day until the context is cancelled.
func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil {
				logger.FromContext(ctx).WithError(err).Errorln("history archival failed")
			}
		}
	}
}
