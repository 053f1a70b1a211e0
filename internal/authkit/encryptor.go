package authkit

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

var errMissingKMSKey = errors.New("encryptor.missing_kms_key")

// Encryptor protects refresh tokens at rest.
type Encryptor interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// KMSAPI is the subset of the KMS client used by KMSEncryptor.
type KMSAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSEncryptor encrypts with an AWS KMS key and encodes ciphertext as base64.
type KMSEncryptor struct {
	client KMSAPI
	keyID  string
}

// NewKMSEncryptor accepts a key id, key ARN, or alias name.
func NewKMSEncryptor(client KMSAPI, keyID string) (*KMSEncryptor, error) {
	if keyID == "" {
		return nil, fmt.Errorf("encryptor.new: %w", errMissingKMSKey)
	}
	return &KMSEncryptor{client: client, keyID: keyID}, nil
}

// Encrypt returns base64 ciphertext.
func (encryptor *KMSEncryptor) Encrypt(ctx context.Context, plaintext string) (string, error) {
	result, err := encryptor.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(encryptor.keyID),
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("encryptor.encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(result.CiphertextBlob), nil
}

// Decrypt reverses Encrypt.
func (encryptor *KMSEncryptor) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("encryptor.decode: %w", err)
	}
	result, err := encryptor.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: decoded,
		KeyId:          aws.String(encryptor.keyID),
	})
	if err != nil {
		return "", fmt.Errorf("encryptor.decrypt: %w", err)
	}
	return string(result.Plaintext), nil
}

// EncryptedUserStore wraps a UserStore so refresh tokens are stored encrypted.
// Callers always see plaintext.
type EncryptedUserStore struct {
	inner     UserStore
	encryptor Encryptor
}

// NewEncryptedUserStore decorates inner with encryptor.
func NewEncryptedUserStore(inner UserStore, encryptor Encryptor) *EncryptedUserStore {
	return &EncryptedUserStore{inner: inner, encryptor: encryptor}
}

func (store *EncryptedUserStore) GetUser(ctx context.Context, userID string) (*UserRecord, error) {
	record, err := store.inner.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if record.RefreshToken != "" {
		plaintext, decryptErr := store.encryptor.Decrypt(ctx, record.RefreshToken)
		if decryptErr != nil {
			return nil, fmt.Errorf("user_store.get.encrypted: %w", decryptErr)
		}
		record.RefreshToken = plaintext
	}
	return record, nil
}

func (store *EncryptedUserStore) SaveLogin(ctx context.Context, profile UserProfile, refreshToken string) (*UserRecord, error) {
	sealed := ""
	if refreshToken != "" {
		ciphertext, err := store.encryptor.Encrypt(ctx, refreshToken)
		if err != nil {
			return nil, fmt.Errorf("user_store.save_login.encrypted: %w", err)
		}
		sealed = ciphertext
	}
	if _, err := store.inner.SaveLogin(ctx, profile, sealed); err != nil {
		return nil, err
	}
	return store.GetUser(ctx, profile.Subject)
}

func (store *EncryptedUserStore) SetRefreshToken(ctx context.Context, userID string, refreshToken string) error {
	sealed := ""
	if refreshToken != "" {
		ciphertext, err := store.encryptor.Encrypt(ctx, refreshToken)
		if err != nil {
			return fmt.Errorf("user_store.set_refresh_token.encrypted: %w", err)
		}
		sealed = ciphertext
	}
	return store.inner.SetRefreshToken(ctx, userID, sealed)
}

func (store *EncryptedUserStore) SetRemoteFileID(ctx context.Context, userID string, fileID string) error {
	return store.inner.SetRemoteFileID(ctx, userID, fileID)
}
