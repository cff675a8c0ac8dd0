package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/TheMichaelB/filebridge/internal/events"
	"github.com/TheMichaelB/filebridge/internal/models"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore keeps credentials in a DynamoDB table keyed by
// "credential_id", so several hosts can share one set of secrets. Each
// credential is stored as a JSON document.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	timeout   time.Duration
	logger    *events.Logger
}

// NewDynamoStore creates a store over an existing table.
func NewDynamoStore(client DynamoAPI, tableName string, logger *events.Logger) (*DynamoStore, error) {
	if tableName == "" {
		return nil, fmt.Errorf("credential table name is required")
	}
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		timeout:   10 * time.Second,
		logger:    logger.WithField("component", "dynamodb_credentials"),
	}, nil
}

func (s *DynamoStore) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"credential_id": &types.AttributeValueMemberS{Value: id},
	}
}

// Get returns a credential.
func (s *DynamoStore) Get(ctx context.Context, id string) (*models.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get: %w", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("credential %s: %w", id, ErrNotFound)
	}

	attr, ok := out.Item["credential"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("credential %s: invalid credential attribute type", id)
	}
	var cred models.Credential
	if err := json.Unmarshal([]byte(attr.Value), &cred); err != nil {
		return nil, fmt.Errorf("unmarshal credential %s: %w", id, err)
	}
	cred.ID = id
	return &cred, nil
}

// Save creates or replaces a credential.
func (s *DynamoStore) Save(ctx context.Context, cred *models.Credential) error {
	if cred == nil || cred.ID == "" {
		return fmt.Errorf("credential ID is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	item := s.key(cred.ID)
	item["credential"] = &types.AttributeValueMemberS{Value: string(data)}
	item["updated_at"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)}

	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("dynamodb put: %w", err)
	}

	s.logger.WithField("credential_id", cred.ID).Debug("Saved credential to DynamoDB")
	return nil
}

// Delete removes a credential. Deleting an unknown ID is not an error.
func (s *DynamoStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.key(id),
	}); err != nil {
		return fmt.Errorf("dynamodb delete: %w", err)
	}

	s.logger.WithField("credential_id", id).Info("Deleted credential from DynamoDB")
	return nil
}

// IDs lists stored credential IDs.
func (s *DynamoStore) IDs(ctx context.Context) ([]string, error) {
	var ids []string

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:            aws.String(s.tableName),
		ProjectionExpression: aws.String("credential_id"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan: %w", err)
		}
		for _, item := range page.Items {
			if attr, ok := item["credential_id"].(*types.AttributeValueMemberS); ok {
				ids = append(ids, attr.Value)
			}
		}
	}
	return ids, nil
}
