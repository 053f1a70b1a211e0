package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/focusnook/internal/authkit"
	"github.com/tyemirov/focusnook/internal/drivestore"
	"go.uber.org/zap"
)

// Error codes returned by the data handlers.
const (
	ErrorCodeUnauthorized     = "unauthorized"
	ErrorCodeDriveAuthExpired = "drive_auth_expired"
	ErrorCodeDriveUnavailable = "drive_unavailable"
	ErrorCodeDriveFailed      = "drive_failed"
	ErrorCodeInvalidPayload   = "invalid_payload"
	ErrorCodePayloadTooLarge  = "payload_too_large"
)

// MaxDocumentBytes bounds the body accepted by HandleSaveDocument.
const MaxDocumentBytes = 5 << 20

// DocumentStore loads and saves a user's whole document.
type DocumentStore interface {
	Load(ctx context.Context, userID string) (drivestore.Document, error)
	Save(ctx context.Context, userID string, document drivestore.Document) error
}

// HandleLoadDocument returns the signed-in user's document as a bare JSON object.
func HandleLoadDocument(logger *zap.Logger, documents DocumentStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if documents == nil {
		panic("document store is required")
	}

	return func(contextGin *gin.Context) {
		userID, ok := authkit.UserIDFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrorCodeUnauthorized})
			return
		}
		document, loadErr := documents.Load(contextGin.Request.Context(), userID)
		if loadErr != nil {
			respondDocumentError(contextGin, logger, "load", userID, loadErr)
			return
		}
		if document == nil {
			document = drivestore.Document{}
		}
		contextGin.JSON(http.StatusOK, document)
	}
}

// HandleSaveDocument overwrites the signed-in user's document. The body may be
// {"data": {...}} or the bare object.
func HandleSaveDocument(logger *zap.Logger, documents DocumentStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if documents == nil {
		panic("document store is required")
	}

	return func(contextGin *gin.Context) {
		userID, ok := authkit.UserIDFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrorCodeUnauthorized})
			return
		}
		contextGin.Request.Body = http.MaxBytesReader(contextGin.Writer, contextGin.Request.Body, MaxDocumentBytes)
		document, decodeErr := decodeSavePayload(contextGin.Request)
		var tooLarge *http.MaxBytesError
		if errors.As(decodeErr, &tooLarge) {
			logger.Warn("document payload too large",
				zap.String("code", "api.drive.save.too_large"),
				zap.String("user_id", userID),
				zap.Int64("limit", tooLarge.Limit))
			contextGin.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": ErrorCodePayloadTooLarge})
			return
		}
		if decodeErr != nil {
			logger.Warn("invalid document payload",
				zap.String("code", "api.drive.save.invalid_payload"),
				zap.String("user_id", userID),
				zap.Error(decodeErr))
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": ErrorCodeInvalidPayload})
			return
		}
		if saveErr := documents.Save(contextGin.Request.Context(), userID, document); saveErr != nil {
			respondDocumentError(contextGin, logger, "save", userID, saveErr)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func decodeSavePayload(request *http.Request) (drivestore.Document, error) {
	var body drivestore.Document
	decoder := json.NewDecoder(request.Body)
	if err := decoder.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return drivestore.Document{}, nil
		}
		return nil, err
	}
	if wrapped, ok := body["data"]; ok {
		var inner drivestore.Document
		if err := json.Unmarshal(wrapped, &inner); err == nil {
			if inner == nil {
				inner = drivestore.Document{}
			}
			return inner, nil
		}
	}
	if body == nil {
		body = drivestore.Document{}
	}
	return body, nil
}

func respondDocumentError(contextGin *gin.Context, logger *zap.Logger, op string, userID string, err error) {
	if errors.Is(err, authkit.ErrAuthRequired) {
		logger.Info("drive authorization expired",
			zap.String("code", "api.drive."+op+".auth_expired"),
			zap.String("user_id", userID),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrorCodeDriveAuthExpired})
		return
	}
	var remoteErr *drivestore.RemoteStoreError
	if errors.As(err, &remoteErr) {
		logger.Error("drive request failed",
			zap.String("code", "api.drive."+op+".remote_failed"),
			zap.String("user_id", userID),
			zap.Int("status", remoteErr.Status),
			zap.Error(err))
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": ErrorCodeDriveUnavailable})
		return
	}
	logger.Error("drive request failed",
		zap.String("code", "api.drive."+op+".failed"),
		zap.String("user_id", userID),
		zap.Error(err))
	contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": ErrorCodeDriveFailed})
}
