package authkit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var errEmptyDynamoTable = errors.New("user_store.dynamodb.empty_table")

// DynamoAPI is the subset of the DynamoDB client used by DynamoUserStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoUserStore persists user records in a DynamoDB table keyed by user_id.
type DynamoUserStore struct {
	client    DynamoAPI
	tableName string
	clock     Clock
}

type dynamoUserItem struct {
	UserID       string `dynamodbav:"user_id"`
	Email        string `dynamodbav:"email"`
	DisplayName  string `dynamodbav:"display_name"`
	AvatarURL    string `dynamodbav:"avatar_url"`
	RefreshToken string `dynamodbav:"refresh_token"`
	RemoteFileID string `dynamodbav:"remote_file_id"`
	CreatedUnix  int64  `dynamodbav:"created_unix"`
	UpdatedUnix  int64  `dynamodbav:"updated_unix"`
}

// NewDynamoUserStore constructs a store over an existing table.
func NewDynamoUserStore(client DynamoAPI, tableName string, clock Clock) (*DynamoUserStore, error) {
	if strings.TrimSpace(tableName) == "" {
		return nil, fmt.Errorf("user_store.dynamodb.new: %w", errEmptyDynamoTable)
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	return &DynamoUserStore{client: client, tableName: tableName, clock: clock}, nil
}

func (store *DynamoUserStore) key(userID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"user_id": &types.AttributeValueMemberS{Value: userID},
	}
}

// GetUser loads a record by user id.
func (store *DynamoUserStore) GetUser(ctx context.Context, userID string) (*UserRecord, error) {
	out, err := store.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(store.tableName),
		Key:            store.key(userID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("user_store.get.dynamodb: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, fmt.Errorf("user_store.get.dynamodb: %w", ErrUserNotFound)
	}
	var item dynamoUserItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("user_store.get.dynamodb.unmarshal: %w", err)
	}
	return &UserRecord{
		UserID:       item.UserID,
		Email:        item.Email,
		DisplayName:  item.DisplayName,
		AvatarURL:    item.AvatarURL,
		RefreshToken: item.RefreshToken,
		RemoteFileID: item.RemoteFileID,
		CreatedAt:    time.Unix(item.CreatedUnix, 0).UTC(),
		UpdatedAt:    time.Unix(item.UpdatedUnix, 0).UTC(),
	}, nil
}

// SaveLogin reads the current record and writes the merged one back.
func (store *DynamoUserStore) SaveLogin(ctx context.Context, profile UserProfile, refreshToken string) (*UserRecord, error) {
	existing, getErr := store.GetUser(ctx, profile.Subject)
	if getErr != nil && !errors.Is(getErr, ErrUserNotFound) {
		return nil, fmt.Errorf("user_store.save_login.dynamodb: %w", getErr)
	}
	merged := mergeLogin(existing, profile, refreshToken, store.clock.Now())
	item, marshalErr := attributevalue.MarshalMap(dynamoUserItem{
		UserID:       merged.UserID,
		Email:        merged.Email,
		DisplayName:  merged.DisplayName,
		AvatarURL:    merged.AvatarURL,
		RefreshToken: merged.RefreshToken,
		RemoteFileID: merged.RemoteFileID,
		CreatedUnix:  merged.CreatedAt.Unix(),
		UpdatedUnix:  merged.UpdatedAt.Unix(),
	})
	if marshalErr != nil {
		return nil, fmt.Errorf("user_store.save_login.dynamodb.marshal: %w", marshalErr)
	}
	if _, err := store.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(store.tableName),
		Item:      item,
	}); err != nil {
		return nil, fmt.Errorf("user_store.save_login.dynamodb: %w", err)
	}
	return &merged, nil
}

// SetRefreshToken replaces the stored refresh token.
func (store *DynamoUserStore) SetRefreshToken(ctx context.Context, userID string, refreshToken string) error {
	return store.updateAttribute(ctx, userID, "refresh_token", refreshToken)
}

// SetRemoteFileID records the remote file id.
func (store *DynamoUserStore) SetRemoteFileID(ctx context.Context, userID string, fileID string) error {
	return store.updateAttribute(ctx, userID, "remote_file_id", fileID)
}

func (store *DynamoUserStore) updateAttribute(ctx context.Context, userID string, attribute string, value string) error {
	_, err := store.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(store.tableName),
		Key:                 store.key(userID),
		ConditionExpression: aws.String("attribute_exists(user_id)"),
		UpdateExpression:    aws.String("SET #v = :v, updated_unix = :u"),
		ExpressionAttributeNames: map[string]string{
			"#v": attribute,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: value},
			":u": &types.AttributeValueMemberN{Value: strconv.FormatInt(store.clock.Now().Unix(), 10)},
		},
	})
	if err != nil {
		var conditionErr *types.ConditionalCheckFailedException
		if errors.As(err, &conditionErr) {
			return fmt.Errorf("user_store.update.dynamodb: %w", ErrUserNotFound)
		}
		return fmt.Errorf("user_store.update.dynamodb: %w", err)
	}
	return nil
}
