package jobs

import (
	"encoding/json"
	"time"

	"github.com/yourusername/tax-forge/internal/processing"
)

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusSubmitted Status = "submitted"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal は終端状態（これ以上遷移しない状態）かを返します。
// failed は試行回数が残っている間のみ submitted へ戻ることがあります。
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ProgressInfo は進捗の補足情報を表します。
// Percent は RUNNING の間、単調非減少です。
type ProgressInfo struct {
	Percent int    `json:"percent"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
// Kind は分類コード、Message が利用者向けメッセージで、両者は混同しません。
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Record はジョブの現在状態を表します。
// 投入後はキューが所有し、変更は実行中のワーカーだけが行います。
type Record struct {
	JobID        string                   `json:"jobId"`
	Operation    processing.OperationType `json:"operation"`
	UserID       string                   `json:"userId"`
	Payload      json.RawMessage          `json:"payload,omitempty"`
	Status       Status                   `json:"status"`
	Progress     ProgressInfo             `json:"progress"`
	Result       json.RawMessage          `json:"result,omitempty"`
	Error        *ErrorInfo               `json:"error,omitempty"`
	Attempt      int                      `json:"attempt"`
	MaxAttempts  int                      `json:"maxAttempts"`
	CreatedAt    time.Time                `json:"createdAt"`
	UpdatedAt    time.Time                `json:"updatedAt"`
	StartedAt    *time.Time               `json:"startedAt,omitempty"`
	SoftDeadline *time.Time               `json:"softDeadline,omitempty"`
	HardDeadline *time.Time               `json:"hardDeadline,omitempty"`
}
