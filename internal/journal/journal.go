// Package journal buffers order lifecycle events and uploads them to S3 as
// parquet files, one object per flush.
package journal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"tradegate/config"
	"tradegate/internal/clock"
	"tradegate/logger"
	"tradegate/models"
)

// Uploader is the part of the S3 client the journal uses.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client builds an S3 client from the journal configuration. Static
// keys are used when configured, otherwise the default AWS chain.
func NewS3Client(ctx context.Context, cfg config.JournalConfig) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, errors.New("aws credentials not found")
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// Journal is safe for concurrent use. Record never blocks on I/O.
type Journal struct {
	cfg      config.JournalConfig
	uploader Uploader
	version  string
	clock    clock.Clock
	log      *logger.Log

	mu      sync.Mutex
	buffer  []models.OrderEvent
	running bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	kick    chan struct{}
}

// New builds a Journal writing through uploader.
func New(cfg config.JournalConfig, uploader Uploader, version string, clk clock.Clock, log *logger.Log) *Journal {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 1000
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Journal{
		cfg:      cfg,
		uploader: uploader,
		version:  version,
		clock:    clk,
		log:      log,
		kick:     make(chan struct{}, 1),
	}
}

// Record buffers ev. A full buffer wakes the flush worker early.
func (j *Journal) Record(ev models.OrderEvent) {
	j.mu.Lock()
	j.buffer = append(j.buffer, ev)
	full := len(j.buffer) >= j.cfg.MaxBuffer
	j.mu.Unlock()
	if full {
		select {
		case j.kick <- struct{}{}:
		default:
		}
	}
}

// Buffered reports how many events wait for the next flush.
func (j *Journal) Buffered() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buffer)
}

// Start launches the flush worker.
func (j *Journal) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return fmt.Errorf("journal already running")
	}
	j.running = true
	ctx, j.cancel = context.WithCancel(ctx)
	j.mu.Unlock()

	j.log.WithComponent("journal").WithFields(logger.Fields{
		"bucket":         j.cfg.Bucket,
		"prefix":         j.cfg.Prefix,
		"flush_interval": j.cfg.FlushInterval.String(),
	}).Info("starting order journal")

	j.wg.Add(1)
	go j.flushWorker(ctx)
	return nil
}

// Stop flushes what is buffered and waits for the worker.
func (j *Journal) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	cancel := j.cancel
	j.mu.Unlock()

	cancel()
	j.wg.Wait()
	j.log.WithComponent("journal").Info("order journal stopped")
}

func (j *Journal) flushWorker(ctx context.Context) {
	defer j.wg.Done()
	ticker := time.NewTicker(j.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := j.Flush(context.WithoutCancel(ctx), "shutdown"); err != nil {
				j.log.WithComponent("journal").WithError(err).Error("final journal flush failed")
			}
			return
		case <-ticker.C:
			if err := j.Flush(ctx, "interval"); err != nil {
				j.log.WithComponent("journal").WithError(err).Warn("journal flush failed")
			}
		case <-j.kick:
			if err := j.Flush(ctx, "buffer_full"); err != nil {
				j.log.WithComponent("journal").WithError(err).Warn("journal flush failed")
			}
		}
	}
}

// Flush uploads every buffered event as one object. Events are put back
// when the upload fails so the next flush retries them.
func (j *Journal) Flush(ctx context.Context, reason string) error {
	j.mu.Lock()
	events := j.buffer
	j.buffer = nil
	j.mu.Unlock()
	if len(events) == 0 {
		return nil
	}

	batchID := uuid.NewString()
	at := j.clock.Now().UTC()
	key := j.objectKey(events[0].Environment, at, batchID)
	log := j.log.WithComponent("journal").WithFields(logger.Fields{
		"batch_id":     batchID,
		"record_count": len(events),
		"s3_key":       key,
		"reason":       reason,
	})

	data, err := encode(events, j.cfg.Compression)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		j.requeue(events)
		return err
	}

	start := time.Now()
	_, err = j.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(j.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       j.cfg.Compression,
			"tradegate-version": j.version,
			"batch-id":          batchID,
		},
	})
	if err != nil {
		log.WithError(err).WithEnv("JOURNAL_S3_BUCKET").Error("failed to upload journal batch")
		j.requeue(events)
		return fmt.Errorf("upload journal batch to %s: %w", j.cfg.Bucket, err)
	}

	logger.IncrementJournalWrite(int64(len(data)))
	logger.LogPerformanceEntry(log, "journal", "upload", time.Since(start), logger.Fields{"file_size": len(data)})
	return nil
}

func (j *Journal) requeue(events []models.OrderEvent) {
	j.mu.Lock()
	j.buffer = append(events, j.buffer...)
	j.mu.Unlock()
}

// objectKey partitions by environment and UTC hour.
func (j *Journal) objectKey(env string, at time.Time, batchID string) string {
	if env == "" {
		env = "unknown"
	}
	return path.Join(
		j.cfg.Prefix,
		"environment="+env,
		fmt.Sprintf("date=%s", at.Format("2006-01-02")),
		fmt.Sprintf("hour=%02d", at.Hour()),
		fmt.Sprintf("orders_%s_%s.parquet", at.Format("20060102150405"), batchID),
	)
}
