package pattern

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/agencyos/dispatch/internal/domain"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// Store keeps pattern records in a single DynamoDB table keyed
// (tenant, kind). One item per record; Put overwrites.
type Store struct {
	client DynamoAPI
	table  string
}

// NewStore creates a DynamoDB-backed pattern store.
func NewStore(client DynamoAPI, table string) *Store {
	return &Store{client: client, table: table}
}

func patternKey(tenantID string, kind domain.PatternKind) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "TENANT#" + tenantID},
		"SK": &types.AttributeValueMemberS{Value: "PATTERN#" + string(kind)},
	}
}

// Get loads one record. A missing item returns (nil, nil); consumers
// treat that as "no pattern learned yet".
func (s *Store) Get(ctx context.Context, tenantID string, kind domain.PatternKind) (*domain.PatternRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       patternKey(tenantID, kind),
	})
	if err != nil {
		return nil, fmt.Errorf("get pattern %s/%s: %w", tenantID, kind, err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var rec domain.PatternRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal pattern: %w", err)
	}
	rec.TenantID = tenantID
	rec.Kind = kind
	return &rec, nil
}

// Put stores one record, replacing any previous one for the same
// tenant and kind.
func (s *Store) Put(ctx context.Context, rec *domain.PatternRecord) error {
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal pattern: %w", err)
	}
	for k, v := range patternKey(rec.TenantID, rec.Kind) {
		item[k] = v
	}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put pattern %s/%s: %w", rec.TenantID, rec.Kind, err)
	}
	return nil
}
