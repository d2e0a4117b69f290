package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/tax-forge/internal/processing"
	"github.com/yourusername/tax-forge/internal/valkey"
)

// Submitter はジョブ投入を提供するサービスが実装します。
type Submitter interface {
	Submit(ctx context.Context, userID string, op processing.OperationType, payload json.RawMessage) (string, error)
}

// RecordReader はジョブ情報の取得を提供します。
type RecordReader interface {
	GetRecord(ctx context.Context, jobID string) (*Record, error)
}

// Canceller はジョブのキャンセル要求を提供します。
type Canceller interface {
	Cancel(ctx context.Context, jobID, requesterID string, admin bool) (Status, error)
}

// ハンドラーが gin コンテキストから参照する認証情報のキー。
// 認証ミドルウェアが設定します。
const (
	ContextUserIDKey  = "authUserID"
	ContextIsAdminKey = "authIsAdmin"
)

// HandlerOptions はハンドラー共通の設定です。
type HandlerOptions struct {
	MaxPayloadBytes int64
}

// statusResponse はジョブ状態照会のレスポンス表現です。
// 投入時のペイロードは含めません。
type statusResponse struct {
	JobID       string                   `json:"jobId"`
	Operation   processing.OperationType `json:"operation"`
	Status      Status                   `json:"status"`
	Progress    ProgressInfo             `json:"progress"`
	Result      json.RawMessage          `json:"result,omitempty"`
	Error       *ErrorInfo               `json:"error,omitempty"`
	Attempt     int                      `json:"attempt"`
	MaxAttempts int                      `json:"maxAttempts"`
	CreatedAt   time.Time                `json:"createdAt"`
	UpdatedAt   time.Time                `json:"updatedAt"`
}

// SubmitHandler は POST /api/ai/<operation> のハンドラーを返します。
// リクエストボディをそのままジョブペイロードとして保存し、202 でジョブIDを返します。
// ペイロードの内容検証は投入時ではなくワーカー実行時に行われます。
func SubmitHandler(svc Submitter, op processing.OperationType, opts HandlerOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(ContextUserIDKey)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHORIZED",
				"message": "Yêu cầu đăng nhập",
			})
			return
		}

		reader := io.Reader(c.Request.Body)
		if opts.MaxPayloadBytes > 0 {
			reader = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxPayloadBytes)
		}
		body, err := io.ReadAll(reader)
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"code":    "PAYLOAD_TOO_LARGE",
				"message": "Dữ liệu gửi lên vượt quá kích thước cho phép",
			})
			return
		}
		if !json.Valid(body) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "Dữ liệu gửi lên không phải JSON hợp lệ",
			})
			return
		}

		jobID, err := svc.Submit(c.Request.Context(), userID, op, body)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"jobId":  jobID,
			"status": StatusSubmitted,
		})
	}
}

// StatusHandler は GET /api/ai/jobs/:id のハンドラーを返します。
// 所有者本人（または管理者）以外には存在を知らせず 404 を返します。
func StatusHandler(svc RecordReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(ContextUserIDKey)
		admin := c.GetBool(ContextIsAdminKey)
		jobID := c.Param("id")

		record, err := svc.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if record == nil || (!admin && record.UserID != userID) {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "NOT_FOUND",
				"message": "Không tìm thấy công việc",
			})
			return
		}

		c.JSON(http.StatusOK, statusResponse{
			JobID:       record.JobID,
			Operation:   record.Operation,
			Status:      record.Status,
			Progress:    record.Progress,
			Result:      record.Result,
			Error:       record.Error,
			Attempt:     record.Attempt,
			MaxAttempts: record.MaxAttempts,
			CreatedAt:   record.CreatedAt,
			UpdatedAt:   record.UpdatedAt,
		})
	}
}

// CancelHandler は POST /api/ai/jobs/:id/cancel のハンドラーを返します。
func CancelHandler(svc Canceller) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(ContextUserIDKey)
		admin := c.GetBool(ContextIsAdminKey)
		jobID := c.Param("id")

		status, err := svc.Cancel(c.Request.Context(), jobID, userID, admin)
		if err != nil {
			// 所有者以外には存在自体を知らせない
			if errors.Is(err, ErrForbidden) {
				err = ErrNotFound
			}
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"jobId":  jobID,
			"status": status,
		})
	}
}

func respondWithError(c *gin.Context, err error) {
	var procErr *processing.Error
	switch {
	case errors.As(err, &procErr):
		status := http.StatusInternalServerError
		code := "INTERNAL_ERROR"
		switch procErr.Kind {
		case processing.KindValidation:
			status = http.StatusBadRequest
			code = "INVALID_INPUT"
		case processing.KindForbidden:
			status = http.StatusForbidden
			code = "FORBIDDEN"
		case processing.KindNotFound:
			status = http.StatusNotFound
			code = "NOT_FOUND"
		case processing.KindTimeout:
			status = http.StatusRequestTimeout
			code = "TIMEOUT"
		case processing.KindStoreUnavailable:
			status = http.StatusServiceUnavailable
			code = "STORE_UNAVAILABLE"
		}
		c.JSON(status, gin.H{
			"code":    code,
			"message": procErr.Message,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "Không tìm thấy công việc",
		})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{
			"code":    "FORBIDDEN",
			"message": "Không có quyền thao tác công việc này",
		})
	case errors.Is(err, valkey.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "STORE_UNAVAILABLE",
			"message": "Hệ thống tạm thời gián đoạn, vui lòng thử lại sau",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "Yêu cầu đã bị hủy",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "Đã xảy ra lỗi hệ thống",
		})
	}
}
