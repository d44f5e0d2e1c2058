package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"line-token-relay/internal/domain"
)

const (
	journalPK   = "JOURNAL"
	skPrefixRec = "REC#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client is an append-only token journal kept in a DynamoDB table. Every
// record is a new item under one partition, ordered by creation time.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// recSK returns the sort key for a record; the token suffix keeps two records
// written in the same instant apart.
func recSK(ts time.Time, token string) string {
	return skPrefixRec + ts.UTC().Format(time.RFC3339Nano) + "#" + token
}

// Append writes rec as a new journal item. Existing items are never overwritten.
func (c *Client) Append(ctx context.Context, rec domain.TokenRecord) error {
	if rec.Token == "" || rec.UserID == "" {
		return errors.New("repository: Append: token and user id are required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = c.now()
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                recordItem(rec),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return fmt.Errorf("repository: Append: %w", err)
	}
	return nil
}

// Load queries every journal item in write order, following pagination.
func (c *Client) Load(ctx context.Context) ([]domain.TokenRecord, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: journalPK},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixRec},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	var recs []domain.TokenRecord
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: Load query: %w", err)
		}
		for _, item := range out.Items {
			rec, err := itemToRecord(item)
			if err != nil {
				return nil, fmt.Errorf("repository: Load unmarshal: %w", err)
			}
			recs = append(recs, rec)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
	return recs, nil
}

func recordItem(rec domain.TokenRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: journalPK},
		"SK":        &types.AttributeValueMemberS{Value: recSK(rec.CreatedAt, rec.Token)},
		"token":     &types.AttributeValueMemberS{Value: rec.Token},
		"userId":    &types.AttributeValueMemberS{Value: rec.UserID},
		"createdAt": &types.AttributeValueMemberS{Value: rec.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

func itemToRecord(item map[string]types.AttributeValue) (domain.TokenRecord, error) {
	token, err := strAttr(item, "token")
	if err != nil {
		return domain.TokenRecord{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.TokenRecord{}, err
	}
	rec := domain.TokenRecord{Token: token, UserID: userID}
	if created, err := strAttr(item, "createdAt"); err == nil {
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			rec.CreatedAt = ts
		}
	}
	return rec, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}
