package processing

import "fmt"

// ErrorKind はエラー分類を表します。リトライ可否の判定に使用します。
type ErrorKind string

const (
	// KindValidation はペイロードやパラメータの不正です（リトライ不可）。
	KindValidation ErrorKind = "validation"
	// KindProcessing は処理関数が決定的に失敗したことを表します（リトライ不可）。
	KindProcessing ErrorKind = "processing"
	// KindStoreUnavailable は調整ストアへ到達できないことを表します（リトライ可）。
	KindStoreUnavailable ErrorKind = "store_unavailable"
	// KindTimeout はハード実行時間制限の超過です（リトライ不可、再投入しない）。
	KindTimeout ErrorKind = "timeout"
	// KindForbidden は認可エラーです（即時に返し、リトライしない）。
	KindForbidden ErrorKind = "forbidden"
	// KindNotFound はジョブ・セッション等の識別子が未知であることを表します。
	KindNotFound ErrorKind = "not_found"
)

// Error は処理パイプライン全体で使うエラー型です。
// Kind が分類、Message が利用者向けメッセージ、Err が内部原因です。
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// NewError は Error を作成します。
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Error は error インターフェースを実装します。
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap は内部原因を返します。
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable はリトライで回復する見込みがあるエラーかを返します。
// リトライ対象はストア障害のみで、決定的な失敗は再実行しません。
func (e *Error) Retryable() bool {
	return e.Kind == KindStoreUnavailable
}
