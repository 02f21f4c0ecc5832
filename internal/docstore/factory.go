package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"scribe/internal/config"
	"scribe/internal/scribe"
)

// NewStoreFromConfig creates the remote document store selected by cfg and
// wraps it with the timeouts, retries and write limit of syncCfg.
func NewStoreFromConfig(ctx context.Context, cfg config.StoreConfig, syncCfg config.SyncConfig, logger scribe.Logger) (*Resilient, error) {
	var store scribe.DocumentStore
	switch cfg.Type {
	case "memory":
		store = NewMemoryStoreWithLimits(cfg.MaxDocumentBytes, 0)
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem store requires root to be set")
		}
		fs, err := NewFileStore(cfg.Root, cfg.MaxDocumentBytes, logger)
		if err != nil {
			return nil, err
		}
		store = fs
	case "dynamodb":
		if cfg.DynamoTable == "" {
			return nil, fmt.Errorf("dynamodb store requires dynamo_table to be set")
		}
		client, err := newDynamoClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		poll := time.Duration(cfg.PollIntervalMS) * time.Millisecond
		store = NewDynamoStore(client, cfg.DynamoTable, cfg.DynamoOwnerIndex, cfg.MaxDocumentBytes, poll, logger)
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Type)
	}

	return NewResilient(store, ResilientOptions{
		Timeout:         syncCfg.Timeout(),
		MaxRetries:      syncCfg.MaxRetries,
		RetryDelay:      syncCfg.RetryDelay(),
		WritesPerSecond: syncCfg.WritesPerSecond,
	}, logger), nil
}

func newDynamoClient(ctx context.Context, cfg config.StoreConfig) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.DynamoRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.DynamoRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoEndpoint)
		}
	}), nil
}
