// Package dynamodb implements queue.Store on DynamoDB.
//
// DynamoDB has no find-and-modify, so a claim queries the visibility index for the oldest due
// candidates and takes the first one whose conditional update succeeds. The condition compares
// the visibility time seen by the query, so two claimers racing on the same item cannot both win.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/workqueue/pkg/observability/logger"
	"github.com/nimburion/workqueue/pkg/queue"
)

const (
	attrQueue       = "queue"
	attrID          = "id"
	attrVisibleAt   = "visibleAt"
	attrRetries     = "retries"
	attrVersion     = "version"
	attrContext     = "context"
	attrPayload     = "payload"
	attrContentType = "contentType"
	attrCreatedAt   = "createdAt"

	defaultTable     = "workqueue_items"
	defaultIndex     = "visibility"
	defaultPageSize  = 25
	defaultOpTimeout = 5 * time.Second
)

// API is the subset of the DynamoDB client used by the store.
type API interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Config holds DynamoDB store configuration.
type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// Table has partition key "queue" and sort key "id".
	Table string
	// Index is a global secondary index with partition key "queue" and sort key "visibleAt".
	Index string
	// PageSize bounds how many candidates one claim query reads.
	PageSize         int32
	OperationTimeout time.Duration
	AutoCreate       bool
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultTable
	}
	if strings.TrimSpace(c.Index) == "" {
		c.Index = defaultIndex
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOpTimeout
	}
}

// Store is the DynamoDB queue store.
type Store struct {
	client API
	config Config
	logger logger.Logger
	mu     sync.RWMutex
	closed bool
}

// Cosa fa: costruisce il client DynamoDB (AWS SDK v2), con endpoint custom opzionale, e verifica la tabella.
// Cosa NON fa: non configura throughput o TTL; AutoCreate crea solo tabella e indice in modalità on-demand.
// Esempio minimo: store, err := dynamodb.NewStore(dynamodb.Config{Region: "eu-west-1"}, log)
func NewStore(cfg Config, log logger.Logger) (*Store, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	cfg.normalize()

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	store := NewStoreFromClient(dynamodb.NewFromConfig(awsCfg, opts...), log, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), store.config.OperationTimeout)
	defer cancel()
	if cfg.AutoCreate {
		if err := store.EnsureTable(ctx); err != nil {
			return nil, err
		}
	}
	if err := store.HealthCheck(ctx); err != nil {
		return nil, err
	}

	log.Info("DynamoDB queue store initialized", "region", cfg.Region, "endpoint", cfg.Endpoint, "table", store.config.Table)
	return store, nil
}

// NewStoreFromClient builds a store on an existing client.
func NewStoreFromClient(client API, log logger.Logger, cfg Config) *Store {
	cfg.normalize()
	if log == nil {
		log = logger.Nop()
	}
	return &Store{client: client, config: cfg, logger: log}
}

// EnsureTable creates the queue table and its visibility index in on-demand mode. An existing
// table is left as is.
func (s *Store) EnsureTable(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.config.Table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrQueue), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrID), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrVisibleAt), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrQueue), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrID), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{{
			IndexName: aws.String(s.config.Index),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(attrQueue), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String(attrVisibleAt), KeyType: types.KeyTypeRange},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeKeysOnly},
		}},
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create dynamodb queue table failed: %w", err)
	}
	return nil
}

func (s *Store) ClaimNext(ctx context.Context, queueName string, req queue.ClaimRequest) (*queue.Item, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	input := s.claimQuery(queueName, req)
	for {
		page, err := s.client.Query(opCtx, input)
		if err != nil {
			return nil, fmt.Errorf("dynamodb claim query on %s: %w", queueName, err)
		}
		for _, candidate := range page.Items {
			item, err := s.tryClaim(opCtx, queueName, candidate, req)
			if err != nil {
				return nil, err
			}
			if item != nil {
				return item, nil
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			return nil, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func (s *Store) claimQuery(queueName string, req queue.ClaimRequest) *dynamodb.QueryInput {
	return &dynamodb.QueryInput{
		TableName:              aws.String(s.config.Table),
		IndexName:              aws.String(s.config.Index),
		KeyConditionExpression: aws.String("#queue = :queue AND #visibleAt <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#queue":     attrQueue,
			"#visibleAt": attrVisibleAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":queue": stringValue(queueName),
			":now":   timeValue(req.Now),
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(s.config.PageSize),
	}
}

// tryClaim leases candidate if nobody moved it since the query read it. Version filtering is
// checked on the old image because the index projects keys only.
func (s *Store) tryClaim(ctx context.Context, queueName string, candidate map[string]types.AttributeValue, req queue.ClaimRequest) (*queue.Item, error) {
	seen, ok := candidate[attrVisibleAt]
	if !ok {
		return nil, nil
	}
	condition := "#visibleAt = :seen"
	values := map[string]types.AttributeValue{
		":seen":  seen,
		":lease": timeValue(req.LeaseUntil()),
	}
	if req.FilterVersion {
		condition += " AND (attribute_not_exists(#version) OR #version = :empty OR #version = :version)"
		values[":empty"] = stringValue("")
		values[":version"] = stringValue(req.Version)
	}
	names := map[string]string{"#visibleAt": attrVisibleAt}
	if req.FilterVersion {
		names["#version"] = attrVersion
	}

	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.Table),
		Key:                       itemKey(queueName, stringAttr(candidate, attrID)),
		UpdateExpression:          aws.String("SET #visibleAt = :lease"),
		ConditionExpression:       aws.String(condition),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllOld,
	})
	if IsConditionalCheckFailed(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dynamodb claim update on %s: %w", queueName, err)
	}
	return decodeItem(out.Attributes)
}

func (s *Store) ExtendLease(ctx context.Context, queueName, id string, visibleAt time.Time) (bool, error) {
	return s.update(ctx, queueName, id, "SET #visibleAt = :visibleAt", map[string]string{
		"#visibleAt": attrVisibleAt,
	}, map[string]types.AttributeValue{
		":visibleAt": timeValue(visibleAt),
	})
}

func (s *Store) Requeue(ctx context.Context, queueName, id string, retries int, visibleAt time.Time) (bool, error) {
	return s.update(ctx, queueName, id, "SET #visibleAt = :visibleAt, #retries = :retries", map[string]string{
		"#visibleAt": attrVisibleAt,
		"#retries":   attrRetries,
	}, map[string]types.AttributeValue{
		":visibleAt": timeValue(visibleAt),
		":retries":   intValue(int64(retries)),
	})
}

func (s *Store) update(ctx context.Context, queueName, id, expression string, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	names["#id"] = attrID
	_, err := s.client.UpdateItem(opCtx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.Table),
		Key:                       itemKey(queueName, id),
		UpdateExpression:          aws.String(expression),
		ConditionExpression:       aws.String("attribute_exists(#id)"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if IsConditionalCheckFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dynamodb update on %s: %w", queueName, err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, queueName, id string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	out, err := s.client.DeleteItem(opCtx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(s.config.Table),
		Key:          itemKey(queueName, id),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return false, fmt.Errorf("dynamodb delete on %s: %w", queueName, err)
	}
	return len(out.Attributes) > 0, nil
}

func (s *Store) Insert(ctx context.Context, queueName string, item *queue.Item) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := item.Validate(); err != nil {
		return err
	}
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	_, err := s.client.PutItem(opCtx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.config.Table),
		Item:                     encodeItem(queueName, item),
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": attrID},
	})
	if IsConditionalCheckFailed(err) {
		return queue.ErrDuplicateItem
	}
	if err != nil {
		return fmt.Errorf("dynamodb insert on %s: %w", queueName, err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, queueName string, filter queue.CountFilter, now time.Time) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	opCtx, cancel := s.withOperationTimeout(ctx)
	defer cancel()

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.config.Table),
		KeyConditionExpression:    aws.String("#queue = :queue"),
		ExpressionAttributeNames:  map[string]string{"#queue": attrQueue},
		ExpressionAttributeValues: map[string]types.AttributeValue{":queue": stringValue(queueName)},
		Select:                    types.SelectCount,
	}
	if filter != queue.CountAll {
		input.IndexName = aws.String(s.config.Index)
		input.ExpressionAttributeNames["#visibleAt"] = attrVisibleAt
		input.ExpressionAttributeValues[":now"] = timeValue(now)
		if filter == queue.CountRunning {
			input.KeyConditionExpression = aws.String("#queue = :queue AND #visibleAt > :now")
		} else {
			input.KeyConditionExpression = aws.String("#queue = :queue AND #visibleAt <= :now")
		}
	}

	var total int64
	for {
		page, err := s.client.Query(opCtx, input)
		if err != nil {
			return 0, fmt.Errorf("dynamodb count on %s: %w", queueName, err)
		}
		total += int64(page.Count)
		if len(page.LastEvaluatedKey) == 0 {
			return total, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := s.client.DescribeTable(hcCtx, &dynamodb.DescribeTableInput{TableName: aws.String(s.config.Table)}); err != nil {
		s.logger.Error("DynamoDB health check failed", "table", s.config.Table, "error", err)
		return fmt.Errorf("dynamodb health check failed: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return queue.ErrClosed
	}
	return nil
}

func (s *Store) withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

// IsConditionalCheckFailed reports whether err is a failed DynamoDB condition expression.
func IsConditionalCheckFailed(err error) bool {
	if err == nil {
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func itemKey(queueName, id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrQueue: stringValue(queueName),
		attrID:    stringValue(id),
	}
}

func encodeItem(queueName string, item *queue.Item) map[string]types.AttributeValue {
	attrs := map[string]types.AttributeValue{
		attrQueue:       stringValue(queueName),
		attrID:          stringValue(item.ID),
		attrVisibleAt:   timeValue(item.EarliestVisibleAt),
		attrRetries:     intValue(int64(item.Retries)),
		attrVersion:     stringValue(item.Version),
		attrContentType: stringValue(item.ContentType),
		attrCreatedAt:   stringValue(item.CreatedAt.UTC().Format(time.RFC3339Nano)),
	}
	if len(item.Payload) > 0 {
		attrs[attrPayload] = &types.AttributeValueMemberB{Value: item.Payload}
	}
	if len(item.Context) > 0 {
		carrier := make(map[string]types.AttributeValue, len(item.Context))
		for k, v := range item.Context {
			carrier[k] = stringValue(v)
		}
		attrs[attrContext] = &types.AttributeValueMemberM{Value: carrier}
	}
	return attrs
}

func decodeItem(attrs map[string]types.AttributeValue) (*queue.Item, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	visibleAt, err := numberAttr(attrs, attrVisibleAt)
	if err != nil {
		return nil, err
	}
	retries, err := numberAttr(attrs, attrRetries)
	if err != nil {
		return nil, err
	}
	item := &queue.Item{
		ID:                stringAttr(attrs, attrID),
		Queue:             stringAttr(attrs, attrQueue),
		EarliestVisibleAt: time.UnixMilli(visibleAt).UTC(),
		Retries:           int(retries),
		Version:           stringAttr(attrs, attrVersion),
		ContentType:       stringAttr(attrs, attrContentType),
	}
	if created := stringAttr(attrs, attrCreatedAt); created != "" {
		if item.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("decode %s: %w", attrCreatedAt, err)
		}
	}
	if payload, ok := attrs[attrPayload].(*types.AttributeValueMemberB); ok {
		item.Payload = payload.Value
	}
	if carrier, ok := attrs[attrContext].(*types.AttributeValueMemberM); ok {
		item.Context = make(map[string]string, len(carrier.Value))
		for k, v := range carrier.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				item.Context[k] = s.Value
			}
		}
	}
	return item, nil
}

func stringValue(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func intValue(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

// timeValue stores times as unix milliseconds so the index sorts them numerically.
func timeValue(t time.Time) types.AttributeValue {
	return intValue(t.UnixMilli())
}

func stringAttr(attrs map[string]types.AttributeValue, name string) string {
	if v, ok := attrs[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func numberAttr(attrs map[string]types.AttributeValue, name string) (int64, error) {
	v, ok := attrs[name].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("decode %s: missing number attribute", name)
	}
	n, err := strconv.ParseInt(v.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", name, err)
	}
	return n, nil
}
