package authkit

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// OpenUserStore selects a UserStore by URL: empty for memory, dynamodb://table
// for DynamoDB, and postgres:// or sqlite:// for GORM. A non-empty kmsKeyID
// wraps the store so refresh tokens are encrypted with AWS KMS.
func OpenUserStore(ctx context.Context, databaseURL string, kmsKeyID string, clock Clock) (UserStore, string, error) {
	store, label, err := openBaseUserStore(ctx, databaseURL, clock)
	if err != nil {
		return nil, "", err
	}
	if strings.TrimSpace(kmsKeyID) == "" {
		return store, label, nil
	}
	awsConfig, configErr := awsconfig.LoadDefaultConfig(ctx)
	if configErr != nil {
		return nil, "", fmt.Errorf("user_store.kms.config: %w", configErr)
	}
	encryptor, encryptorErr := NewKMSEncryptor(kms.NewFromConfig(awsConfig), kmsKeyID)
	if encryptorErr != nil {
		return nil, "", encryptorErr
	}
	return NewEncryptedUserStore(store, encryptor), label + "+kms", nil
}

func openBaseUserStore(ctx context.Context, databaseURL string, clock Clock) (UserStore, string, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryUserStore(clock), "memory", nil
	}
	parsed, parseErr := url.Parse(databaseURL)
	if parseErr == nil && strings.EqualFold(parsed.Scheme, "dynamodb") {
		awsConfig, configErr := awsconfig.LoadDefaultConfig(ctx)
		if configErr != nil {
			return nil, "", fmt.Errorf("user_store.dynamodb.config: %w", configErr)
		}
		store, err := NewDynamoUserStore(dynamodb.NewFromConfig(awsConfig), parsed.Host, clock)
		if err != nil {
			return nil, "", err
		}
		return store, "dynamodb", nil
	}
	store, err := NewDatabaseUserStore(ctx, databaseURL, clock)
	if err != nil {
		return nil, "", err
	}
	return store, store.Driver(), nil
}
