package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"scribe/internal/scribe"
)

// Key attributes of the document table. The partition key is the parent
// collection path and the sort key the document id, so a collection listing
// is a single-partition query.
const (
	partitionKey = "_pk"
	sortKey      = "_sk"
)

// DynamoBatchLimit is the maximum number of requests in one BatchWriteItem.
const DynamoBatchLimit = 25

// DynamoMaxDocumentBytes is DynamoDB's item size limit.
const DynamoMaxDocumentBytes = 400 * 1024

// DefaultPollInterval is how often WatchOwner re-runs the owner query.
const DefaultPollInterval = 5 * time.Second

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoStore is a DocumentStore backed by a single DynamoDB table. Project
// metadata is found by owner through a global secondary index on ownerId.
//
// Set is a merge-write of top-level fields: nested maps are replaced as a
// whole.
type DynamoStore struct {
	client       DynamoAPI
	table        string
	ownerIndex   string
	maxBytes     int
	pollInterval time.Duration
	maxRetries   int
	logger       scribe.Logger
}

// NewDynamoStore creates a DynamoStore.
func NewDynamoStore(client DynamoAPI, table, ownerIndex string, maxBytes int, pollInterval time.Duration, logger scribe.Logger) *DynamoStore {
	if ownerIndex == "" {
		ownerIndex = "ownerId-index"
	}
	if maxBytes <= 0 || maxBytes > DynamoMaxDocumentBytes {
		maxBytes = DynamoMaxDocumentBytes
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = scribe.NewNopLogger()
	}
	return &DynamoStore{
		client:       client,
		table:        table,
		ownerIndex:   ownerIndex,
		maxBytes:     maxBytes,
		pollInterval: pollInterval,
		maxRetries:   5,
		logger:       logger,
	}
}

func itemKey(path string) map[string]types.AttributeValue {
	collection, id := scribe.SplitPath(path)
	return map[string]types.AttributeValue{
		partitionKey: &types.AttributeValueMemberS{Value: collection},
		sortKey:      &types.AttributeValueMemberS{Value: id},
	}
}

func parseItem(item map[string]types.AttributeValue) (*scribe.Document, error) {
	var f scribe.Fields
	if err := attributevalue.UnmarshalMap(item, &f); err != nil {
		return nil, fmt.Errorf("failed to parse item: %w", err)
	}
	collection, _ := f[partitionKey].(string)
	id, _ := f[sortKey].(string)
	delete(f, partitionKey)
	delete(f, sortKey)
	return &scribe.Document{Path: scribe.JoinPath(collection, id), ID: id, Fields: f}, nil
}

func (s *DynamoStore) Get(ctx context.Context, path string) (*scribe.Document, error) {
	if err := scribe.ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(path),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", path, err)
	}
	if result.Item == nil {
		return nil, nil
	}
	return parseItem(result.Item)
}

func (s *DynamoStore) List(ctx context.Context, collection string) ([]*scribe.Document, error) {
	if err := scribe.ValidateCollectionPath(collection); err != nil {
		return nil, err
	}
	keyExpr := expression.Key(partitionKey).Equal(expression.Value(collection))
	expr, err := expression.NewBuilder().WithKeyCondition(keyExpr).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}
	return s.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	})
}

// query runs a query to completion, following pagination.
func (s *DynamoStore) query(ctx context.Context, input *dynamodb.QueryInput) ([]*scribe.Document, error) {
	var out []*scribe.Document
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to query items: %w", err)
		}
		for _, item := range result.Items {
			doc, err := parseItem(item)
			if err != nil {
				s.logger.Warn("skipping unparseable item", "error", err)
				continue
			}
			out = append(out, doc)
		}
		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	sortDocuments(out)
	return out, nil
}

// ListTree scans the table for items whose collection lies below path. It
// reads the whole table and is meant for rare operations such as deleting a
// project.
func (s *DynamoStore) ListTree(ctx context.Context, path string) ([]*scribe.Document, error) {
	if err := scribe.ValidateDocumentPath(path); err != nil {
		return nil, err
	}
	filter := expression.Name(partitionKey).BeginsWith(path + "/")
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}
	input := &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	}
	var out []*scribe.Document
	for {
		result, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", path, err)
		}
		for _, item := range result.Items {
			doc, err := parseItem(item)
			if err != nil {
				s.logger.Warn("skipping unparseable item", "error", err)
				continue
			}
			out = append(out, doc)
		}
		if len(result.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	sortDocuments(out)
	return out, nil
}

func (s *DynamoStore) Set(ctx context.Context, path string, fields scribe.Fields) error {
	if err := scribe.ValidateDocumentPath(path); err != nil {
		return err
	}
	size, err := scribe.FieldsSize(fields)
	if err != nil {
		return err
	}
	if size > s.maxBytes {
		return fmt.Errorf("%s: %d bytes: %w", path, size, scribe.ErrDocumentTooLarge)
	}

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(path),
	}
	if len(fields) > 0 {
		var update expression.UpdateBuilder
		for name, value := range fields {
			update = update.Set(expression.Name(name), expression.Value(value))
		}
		expr, err := expression.NewBuilder().WithUpdate(update).Build()
		if err != nil {
			return fmt.Errorf("failed to build expression: %w", err)
		}
		input.UpdateExpression = expr.Update()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		if isItemTooLarge(err) {
			return fmt.Errorf("%s: %w: %w", path, scribe.ErrDocumentTooLarge, err)
		}
		return fmt.Errorf("failed to update %s: %w", path, err)
	}
	return nil
}

func isItemTooLarge(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.ErrorCode() == "ValidationException" && strings.Contains(strings.ToLower(ae.ErrorMessage()), "size")
}

func (s *DynamoStore) Delete(ctx context.Context, path string) error {
	if err := scribe.ValidateDocumentPath(path); err != nil {
		return err
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       itemKey(path),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// BatchDelete deletes up to DynamoBatchLimit documents, retrying unprocessed
// items with backoff.
func (s *DynamoStore) BatchDelete(ctx context.Context, paths []string) error {
	if len(paths) > DynamoBatchLimit {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(paths), DynamoBatchLimit)
	}
	if len(paths) == 0 {
		return nil
	}
	requests := make([]types.WriteRequest, 0, len(paths))
	for _, p := range paths {
		if err := scribe.ValidateDocumentPath(p); err != nil {
			return err
		}
		requests = append(requests, types.WriteRequest{
			DeleteRequest: &types.DeleteRequest{Key: itemKey(p)},
		})
	}

	unprocessed := requests
	for retry := 0; retry < s.maxRetries && len(unprocessed) > 0; retry++ {
		if retry > 0 {
			backoff := time.Duration(retry*retry+1) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: unprocessed},
		})
		if err != nil {
			s.logger.Warn("batch delete failed, retrying", "error", err, "retry", retry+1)
			continue
		}
		unprocessed = result.UnprocessedItems[s.table]
		if len(unprocessed) > 0 {
			s.logger.Debug("unprocessed items, retrying", "count", len(unprocessed), "retry", retry+1)
		}
	}

	if len(unprocessed) > 0 {
		return fmt.Errorf("failed to delete %d items after %d retries", len(unprocessed), s.maxRetries)
	}
	return nil
}

func (s *DynamoStore) BatchLimit() int { return DynamoBatchLimit }

func (s *DynamoStore) QueryOwner(ctx context.Context, ownerID string) ([]*scribe.Document, error) {
	keyExpr := expression.Key(scribe.OwnerField).Equal(expression.Value(ownerID))
	filter := expression.Name(partitionKey).Equal(expression.Value(scribe.ProjectsCollection))
	expr, err := expression.NewBuilder().WithKeyCondition(keyExpr).WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build expression: %w", err)
	}
	return s.query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(s.ownerIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
}

// WatchOwner polls the owner index and calls fn whenever the result set
// changes. The first result is delivered before WatchOwner returns.
func (s *DynamoStore) WatchOwner(ownerID string, fn func([]*scribe.Document)) (func(), error) {
	docs, err := s.QueryOwner(context.Background(), ownerID)
	if err != nil {
		return nil, err
	}
	last := fingerprintDocuments(docs)
	fn(docs)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			docs, err := s.QueryOwner(ctx, ownerID)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("owner poll failed", "error", err)
				}
				continue
			}
			if fp := fingerprintDocuments(docs); fp != last {
				last = fp
				fn(docs)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

func fingerprintDocuments(docs []*scribe.Document) [sha256.Size]byte {
	data, _ := json.Marshal(docs)
	return sha256.Sum256(data)
}

var _ scribe.DocumentStore = (*DynamoStore)(nil)
