package dynamodb

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeClient is an in-memory table that understands the expressions the store sends.
type fakeClient struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	created  int
	queries  int
	describe error
}

func newFakeClient() *fakeClient {
	return &fakeClient{items: map[string]map[string]types.AttributeValue{}}
}

func fakeKey(attrs map[string]types.AttributeValue) string {
	return stringAttr(attrs, attrQueue) + "\x00" + stringAttr(attrs, attrID)
}

func copyAttrs(attrs map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func visibleAtOf(attrs map[string]types.AttributeValue) int64 {
	n, _ := numberAttr(attrs, attrVisibleAt)
	return n
}

func numberValue(v types.AttributeValue) int64 {
	n, _ := strconv.ParseInt(v.(*types.AttributeValueMemberN).Value, 10, 64)
	return n
}

func (f *fakeClient) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++

	queueName := in.ExpressionAttributeValues[":queue"].(*types.AttributeValueMemberS).Value
	condition := *in.KeyConditionExpression
	byIndex := in.IndexName != nil

	var matched []map[string]types.AttributeValue
	for _, attrs := range f.items {
		if stringAttr(attrs, attrQueue) != queueName {
			continue
		}
		if byIndex {
			now := numberValue(in.ExpressionAttributeValues[":now"])
			visible := visibleAtOf(attrs)
			if strings.Contains(condition, "<= :now") && visible > now {
				continue
			}
			if strings.Contains(condition, "> :now") && visible <= now {
				continue
			}
		}
		matched = append(matched, attrs)
	}
	sort.Slice(matched, func(i, j int) bool {
		if byIndex && visibleAtOf(matched[i]) != visibleAtOf(matched[j]) {
			return visibleAtOf(matched[i]) < visibleAtOf(matched[j])
		}
		return stringAttr(matched[i], attrID) < stringAttr(matched[j], attrID)
	})

	if start := in.ExclusiveStartKey; len(start) > 0 {
		after := func(attrs map[string]types.AttributeValue) bool {
			if byIndex && visibleAtOf(attrs) != visibleAtOf(start) {
				return visibleAtOf(attrs) > visibleAtOf(start)
			}
			return stringAttr(attrs, attrID) > stringAttr(start, attrID)
		}
		remaining := matched[:0]
		for _, attrs := range matched {
			if after(attrs) {
				remaining = append(remaining, attrs)
			}
		}
		matched = remaining
	}

	out := &dynamodb.QueryOutput{}
	if in.Limit != nil && int(*in.Limit) < len(matched) {
		matched = matched[:*in.Limit]
		last := matched[len(matched)-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			attrQueue: last[attrQueue],
			attrID:    last[attrID],
		}
		if byIndex {
			out.LastEvaluatedKey[attrVisibleAt] = last[attrVisibleAt]
		}
	}
	out.Count = int32(len(matched))
	if in.Select == types.SelectCount {
		return out, nil
	}
	for _, attrs := range matched {
		projected := map[string]types.AttributeValue{
			attrQueue: attrs[attrQueue],
			attrID:    attrs[attrID],
		}
		if byIndex {
			projected[attrVisibleAt] = attrs[attrVisibleAt]
		}
		out.Items = append(out.Items, projected)
	}
	return out, nil
}

func (f *fakeClient) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := fakeKey(in.Key)
	current, exists := f.items[key]
	if !f.conditionHolds(*in.ConditionExpression, current, exists, in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{}
	}

	old := copyAttrs(current)
	next := copyAttrs(current)
	for _, assignment := range strings.Split(strings.TrimPrefix(*in.UpdateExpression, "SET "), ",") {
		parts := strings.Split(assignment, "=")
		name := in.ExpressionAttributeNames[strings.TrimSpace(parts[0])]
		next[name] = in.ExpressionAttributeValues[strings.TrimSpace(parts[1])]
	}
	f.items[key] = next

	out := &dynamodb.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = old
	}
	return out, nil
}

func (f *fakeClient) conditionHolds(condition string, current map[string]types.AttributeValue, exists bool, values map[string]types.AttributeValue) bool {
	switch {
	case condition == "attribute_exists(#id)":
		return exists
	case condition == "attribute_not_exists(#id)":
		return !exists
	case strings.HasPrefix(condition, "#visibleAt = :seen"):
		if !exists || visibleAtOf(current) != numberValue(values[":seen"]) {
			return false
		}
		if strings.Contains(condition, "#version") {
			version := stringAttr(current, attrVersion)
			return version == "" || version == values[":version"].(*types.AttributeValueMemberS).Value
		}
		return true
	default:
		return false
	}
}

func (f *fakeClient) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := fakeKey(in.Item)
	if _, exists := f.items[key]; exists && in.ConditionExpression != nil {
		return nil, &types.ConditionalCheckFailedException{}
	}
	f.items[key] = copyAttrs(in.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := fakeKey(in.Key)
	old, exists := f.items[key]
	delete(f.items, key)
	out := &dynamodb.DeleteItemOutput{}
	if exists && in.ReturnValues == types.ReturnValueAllOld {
		out.Attributes = old
	}
	return out, nil
}

func (f *fakeClient) CreateTable(_ context.Context, _ *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	if f.created > 1 {
		return nil, &types.ResourceInUseException{}
	}
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeClient) DescribeTable(_ context.Context, _ *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describe != nil {
		return nil, f.describe
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

var errThrottled = errors.New("throttled")

// failingClient fails every query.
type failingClient struct {
	*fakeClient
}

func (failingClient) Query(context.Context, *dynamodb.QueryInput, ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	return nil, errThrottled
}
