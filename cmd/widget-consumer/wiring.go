package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/baldanca/widget-consumer/batcher"
	"github.com/baldanca/widget-consumer/config"
	"github.com/baldanca/widget-consumer/dispatcher"
	"github.com/baldanca/widget-consumer/encoder"
	"github.com/baldanca/widget-consumer/journal"
	"github.com/baldanca/widget-consumer/metrics"
	"github.com/baldanca/widget-consumer/retry"
	"github.com/baldanca/widget-consumer/sink"
	"github.com/baldanca/widget-consumer/source"
)

const (
	storageS3       = "s3"
	storageDynamoDB = "dynamodb"
)

// settings holds the command line choices.
type settings struct {
	Storage string

	ConsumeBucket string
	QueueName     string
	QueueURL      string

	BucketName string
	TableName  string

	DeadLetterQueueURL string
	JournalBucket      string
	JournalPrefix      string
	MetricsAddr        string

	Region      string
	EndpointURL string
	LogFile     string
}

func settingsFrom(c *cli.Context) settings {
	return settings{
		Storage:            c.String("storage"),
		ConsumeBucket:      c.String("consume-bucket-name"),
		QueueName:          c.String("queue-name"),
		QueueURL:           c.String("queue-url"),
		BucketName:         c.String("bucket-name"),
		TableName:          c.String("table-name"),
		DeadLetterQueueURL: c.String("dead-letter-queue-url"),
		JournalBucket:      c.String("journal-bucket"),
		JournalPrefix:      c.String("journal-prefix"),
		MetricsAddr:        c.String("metrics-addr"),
		Region:             c.String("region"),
		EndpointURL:        c.String("endpoint-url"),
		LogFile:            c.String("log-file"),
	}
}

func (s settings) validate() error {
	var errs []error

	switch s.Storage {
	case storageS3:
		if s.BucketName == "" {
			errs = append(errs, errors.New("--bucket-name is required with --storage s3"))
		}
	case storageDynamoDB:
		if s.TableName == "" {
			errs = append(errs, errors.New("--table-name is required with --storage dynamodb"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid --storage %q: want s3 or dynamodb", s.Storage))
	}

	n := 0
	for _, v := range []string{s.ConsumeBucket, s.QueueName, s.QueueURL} {
		if v != "" {
			n++
		}
	}
	if n != 1 {
		errs = append(errs, errors.New("exactly one of --consume-bucket-name, --queue-name or --queue-url is required"))
	}

	if s.DeadLetterQueueURL != "" && s.ConsumeBucket != "" {
		errs = append(errs, errors.New("--dead-letter-queue-url only applies to queue sources"))
	}

	return errors.Join(errs...)
}

func loadAWSConfig(ctx context.Context, s settings) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if s.Region != "" {
		opts = append(opts, awsconfig.WithRegion(s.Region))
	}
	if s.EndpointURL != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(s.EndpointURL))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

type clients struct {
	s3     *s3.Client
	sqs    *sqs.Client
	dynamo *dynamodb.Client
}

func newClients(cfg aws.Config, endpointURL string) clients {
	return clients{
		s3: s3.NewFromConfig(cfg, func(o *s3.Options) {
			// LocalStack and other emulators do not serve virtual-hosted buckets.
			o.UsePathStyle = endpointURL != ""
		}),
		sqs:    sqs.NewFromConfig(cfg),
		dynamo: dynamodb.NewFromConfig(cfg),
	}
}

func buildSource(ctx context.Context, s settings, tuning config.Config, cl clients, log zerolog.Logger) (source.Sourcer, error) {
	qcfg := source.SourceSQSConfig{
		WaitTimeSeconds:    tuning.Queue.WaitTimeSeconds,
		MaxMessages:        tuning.Queue.MaxMessages,
		VisibilityTO:       tuning.Queue.VisibilityTimeout,
		ErrorBackoff:       tuning.Queue.ErrorBackoff,
		DeadLetterQueueURL: s.DeadLetterQueueURL,
	}

	switch {
	case s.QueueURL != "":
		return source.NewSourceSQS(cl.sqs, s.QueueURL, qcfg, log), nil
	case s.QueueName != "":
		return source.NewSourceSQSByName(ctx, cl.sqs, s.QueueName, qcfg, log)
	default:
		pcfg := source.SourceS3Config{Prefix: tuning.Poll.Prefix, IdleDelay: tuning.Poll.IdleDelay}
		return source.NewSourceS3(cl.s3, s.ConsumeBucket, pcfg, log), nil
	}
}

func buildSink(s settings, tuning config.Config, cl clients, log zerolog.Logger) sink.Sinkr {
	if s.Storage == storageDynamoDB {
		return sink.NewSinkDynamoDB(cl.dynamo, s.TableName, sink.SinkDynamoDBConfig{
			StrictAttributes: tuning.Dispatch.StrictAttributes,
		}, log)
	}
	return sink.NewSinkS3(cl.s3, s.BucketName, "", log)
}

// buildJournal returns nil when no journal bucket is configured.
func buildJournal(s settings, tuning config.Config, cl clients, log zerolog.Logger) (*journal.Journal, error) {
	if s.JournalBucket == "" {
		return nil, nil
	}

	enc, err := encoder.NewParquetEncoder[journal.Entry](tuning.Journal.Compression)
	if err != nil {
		return nil, err
	}

	w := sink.NewSinkS3(cl.s3, s.JournalBucket, "", log)
	j, err := journal.New(w, enc, journal.Config{
		Prefix: s.JournalPrefix,
		Batcher: batcher.BatcherConfig{
			MaxItems:      tuning.Journal.MaxItems,
			FlushInterval: tuning.Journal.FlushInterval,
		},
	}, log)
	if err != nil {
		return nil, err
	}
	j.SetRetryPolicy(retry.Backoff{Attempts: 3, BaseDelay: 200 * time.Millisecond, Jitter: true})
	return j, nil
}

func buildDispatcher(
	ctx context.Context,
	s settings,
	tuning config.Config,
	cl clients,
	rec metrics.Recorder,
	log zerolog.Logger,
) (*dispatcher.Dispatcher, error) {
	policy, err := dispatcher.ParseUnknownTypePolicy(tuning.Dispatch.UnknownType)
	if err != nil {
		return nil, err
	}

	src, err := buildSource(ctx, s, tuning, cl, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create source: %w", err)
	}

	opts := []dispatcher.Option{
		dispatcher.WithLogger(log),
		dispatcher.WithMetrics(rec),
		dispatcher.WithUnknownTypePolicy(policy),
		dispatcher.WithRequestTimeout(tuning.Dispatch.RequestTimeout),
		dispatcher.WithAckRetry(retry.Backoff{
			Attempts:  tuning.Dispatch.AckAttempts,
			BaseDelay: tuning.Dispatch.AckBaseDelay,
			Jitter:    true,
		}),
	}

	j, err := buildJournal(s, tuning, cl, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}
	if j != nil {
		opts = append(opts, dispatcher.WithJournal(j))
	}

	return dispatcher.New(src, buildSink(s, tuning, cl, log), opts...)
}
