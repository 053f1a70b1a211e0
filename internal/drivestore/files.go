package drivestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const jsonContentType = "application/json"

// FileClient is the slice of the Drive files API the store needs.
// Errors from the remote service must carry *googleapi.Error so the
// store can classify status codes.
type FileClient interface {
	// FindFile returns the id of the first non-trashed file with name, or "".
	FindFile(ctx context.Context, name string) (string, error)
	CreateFile(ctx context.Context, name string, content []byte) (string, error)
	Download(ctx context.Context, fileID string) ([]byte, error)
	Upload(ctx context.Context, fileID string, content []byte) error
}

// FileClientFactory builds a FileClient authorized with accessToken.
type FileClientFactory func(ctx context.Context, accessToken string) (FileClient, error)

// GoogleDriveFiles implements FileClient over the Drive v3 API.
type GoogleDriveFiles struct {
	service *drive.Service
}

// NewGoogleDriveFiles creates a Drive client that sends accessToken as a bearer token.
func NewGoogleDriveFiles(ctx context.Context, accessToken string, options ...option.ClientOption) (*GoogleDriveFiles, error) {
	clientOptions := append([]option.ClientOption{
		option.WithTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})),
	}, options...)
	service, err := drive.NewService(ctx, clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("drive.client: %w", err)
	}
	return &GoogleDriveFiles{service: service}, nil
}

// GoogleDriveFactory returns a FileClientFactory using NewGoogleDriveFiles.
func GoogleDriveFactory(options ...option.ClientOption) FileClientFactory {
	return func(ctx context.Context, accessToken string) (FileClient, error) {
		return NewGoogleDriveFiles(ctx, accessToken, options...)
	}
}

func (files *GoogleDriveFiles) FindFile(ctx context.Context, name string) (string, error) {
	query := fmt.Sprintf("name = '%s' and trashed = false", escapeQueryValue(name))
	list, err := files.service.Files.List().
		Q(query).
		Fields(googleapi.Field("files(id, name)")).
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	if len(list.Files) == 0 {
		return "", nil
	}
	return list.Files[0].Id, nil
}

func (files *GoogleDriveFiles) CreateFile(ctx context.Context, name string, content []byte) (string, error) {
	created, err := files.service.Files.Create(&drive.File{Name: name, MimeType: jsonContentType}).
		Media(bytes.NewReader(content), googleapi.ContentType(jsonContentType)).
		Fields(googleapi.Field("id")).
		Context(ctx).
		Do()
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

func (files *GoogleDriveFiles) Download(ctx context.Context, fileID string) ([]byte, error) {
	response, err := files.service.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	return io.ReadAll(response.Body)
}

func (files *GoogleDriveFiles) Upload(ctx context.Context, fileID string, content []byte) error {
	_, err := files.service.Files.Update(fileID, &drive.File{}).
		Media(bytes.NewReader(content), googleapi.ContentType(jsonContentType)).
		Fields(googleapi.Field("id")).
		Context(ctx).
		Do()
	return err
}

func escapeQueryValue(value string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(value)
}
