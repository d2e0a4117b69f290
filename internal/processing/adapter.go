// Package processing はジョブと外部供給のAI処理関数の境界を提供します。
// ペイロードの正規化（Base64境界・サイズ上限・形式判定）と
// エラー分類への変換のみを担い、リトライはワーカープール側の責務です。
package processing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/tax-forge/internal/valkey"
)

// Checkpoint は進捗報告用コールバックです。
// エラーを返すと処理の中断（キャンセル・ソフト期限超過）を要求したことになります。
type Checkpoint func(stage string, percent int) error

// Processor は外部供給のAI処理関数が実装するインターフェースです。
// 各メソッドは Checkpoint を通じて進捗を報告し、中断要求を尊重します。
type Processor interface {
	ProcessVoice(ctx context.Context, req VoiceRequest, cp Checkpoint) (*VoiceResult, error)
	ProcessDocument(ctx context.Context, req DocumentRequest, cp Checkpoint) (*DocumentResult, error)
	ValidateTaxData(ctx context.Context, req ValidateRequest, cp Checkpoint) (*ValidateResult, error)
	CalculateTax(ctx context.Context, req CalculateRequest, cp Checkpoint) (*CalculateResult, error)
}

// 書類として受け付けるMIMEタイプ。
var allowedDocumentTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
}

// Adapter は処理関数の呼び出しを統一された契約に包みます。
type Adapter struct {
	processor       Processor
	maxPayloadBytes int64
}

// NewAdapter は Adapter を作成します。
func NewAdapter(processor Processor, maxPayloadBytes int64) (*Adapter, error) {
	if processor == nil {
		return nil, errors.New("processor is nil")
	}
	if maxPayloadBytes <= 0 {
		return nil, errors.New("maxPayloadBytes must be positive")
	}
	return &Adapter{
		processor:       processor,
		maxPayloadBytes: maxPayloadBytes,
	}, nil
}

// Execute は種別に応じたペイロードの復元・検証を行い、処理関数を呼び出します。
// 成功時は結果のJSON表現を返し、失敗は必ず *Error に分類されます。
func (a *Adapter) Execute(ctx context.Context, op OperationType, payload json.RawMessage, cp Checkpoint) (json.RawMessage, error) {
	if cp == nil {
		cp = func(string, int) error { return nil }
	}
	if int64(len(payload)) > a.maxPayloadBytes {
		return nil, NewError(KindValidation, "Dữ liệu gửi lên vượt quá kích thước cho phép", nil)
	}

	var (
		result any
		err    error
	)

	switch op {
	case OperationVoice:
		result, err = a.executeVoice(ctx, payload, cp)
	case OperationDocument:
		result, err = a.executeDocument(ctx, payload, cp)
	case OperationValidate:
		result, err = a.executeValidate(ctx, payload, cp)
	case OperationCalculate:
		result, err = a.executeCalculate(ctx, payload, cp)
	default:
		return nil, NewError(KindValidation, fmt.Sprintf("Loại xử lý không được hỗ trợ: %s", op), nil)
	}

	if err != nil {
		return nil, classify(ctx, err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, NewError(KindProcessing, "Không thể mã hóa kết quả xử lý", err)
	}
	return encoded, nil
}

func (a *Adapter) executeVoice(ctx context.Context, payload json.RawMessage, cp Checkpoint) (*VoiceResult, error) {
	var p VoicePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, NewError(KindValidation, "Dữ liệu giọng nói không đúng định dạng", err)
	}
	if p.TargetField == "" || p.FormType == "" {
		return nil, NewError(KindValidation, "Thiếu trường bắt buộc: targetField, formType", nil)
	}
	audio, err := a.decodeBinary(p.AudioB64)
	if err != nil {
		return nil, err
	}
	if p.Language == "" {
		p.Language = "vi-VN"
	}
	return a.processor.ProcessVoice(ctx, VoiceRequest{
		Audio:       audio,
		TargetField: p.TargetField,
		FormType:    p.FormType,
		Language:    p.Language,
	}, cp)
}

func (a *Adapter) executeDocument(ctx context.Context, payload json.RawMessage, cp Checkpoint) (*DocumentResult, error) {
	var p DocumentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, NewError(KindValidation, "Dữ liệu tài liệu không đúng định dạng", err)
	}
	if len(p.Fields) == 0 || p.FormType == "" {
		return nil, NewError(KindValidation, "Thiếu trường bắt buộc: fieldSpecifications, formType", nil)
	}
	document, err := a.decodeBinary(p.DocumentB64)
	if err != nil {
		return nil, err
	}

	detected := mimetype.Detect(document)
	if !allowedDocumentTypes[detected.String()] {
		return nil, NewError(KindValidation,
			fmt.Sprintf("Định dạng tài liệu không được hỗ trợ: %s (chỉ chấp nhận PDF, JPEG, PNG)", detected.String()), nil)
	}

	return a.processor.ProcessDocument(ctx, DocumentRequest{
		Document:     document,
		Fields:       p.Fields,
		DocumentType: p.DocumentType,
		FormType:     p.FormType,
	}, cp)
}

func (a *Adapter) executeValidate(ctx context.Context, payload json.RawMessage, cp Checkpoint) (*ValidateResult, error) {
	var p ValidatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, NewError(KindValidation, "Dữ liệu khai thuế không đúng định dạng", err)
	}
	if len(p.FormData) == 0 || p.FormType == "" || p.TaxYear == 0 {
		return nil, NewError(KindValidation, "Thiếu trường bắt buộc: formData, formType, taxYear", nil)
	}
	return a.processor.ValidateTaxData(ctx, ValidateRequest{
		FormData: p.FormData,
		FormType: p.FormType,
		TaxYear:  p.TaxYear,
	}, cp)
}

func (a *Adapter) executeCalculate(ctx context.Context, payload json.RawMessage, cp Checkpoint) (*CalculateResult, error) {
	var p CalculatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, NewError(KindValidation, "Dữ liệu tính thuế không đúng định dạng", err)
	}
	if len(p.FormData) == 0 || p.FormType == "" || p.TaxYear == 0 {
		return nil, NewError(KindValidation, "Thiếu trường bắt buộc: formData, formType, taxYear", nil)
	}
	return a.processor.CalculateTax(ctx, CalculateRequest{
		FormData: p.FormData,
		FormType: p.FormType,
		TaxYear:  p.TaxYear,
	}, cp)
}

// decodeBinary はBase64文字列をデコードし、サイズ上限を強制します。
func (a *Adapter) decodeBinary(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, NewError(KindValidation, "Thiếu dữ liệu nhị phân (Base64)", nil)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, NewError(KindValidation, "Dữ liệu Base64 không hợp lệ", err)
	}
	if int64(len(data)) > a.maxPayloadBytes {
		return nil, NewError(KindValidation, "Dữ liệu gửi lên vượt quá kích thước cho phép", nil)
	}
	if len(data) == 0 {
		return nil, NewError(KindValidation, "Dữ liệu nhị phân rỗng", nil)
	}
	return data, nil
}

// classify は処理関数からのエラーを分類に変換します。
// 既に分類済みのエラーはそのまま通し、コンテキスト期限切れは timeout として扱います。
func classify(ctx context.Context, err error) error {
	var procErr *Error
	if errors.As(err, &procErr) {
		return procErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewError(KindTimeout, "Quá thời gian xử lý cho phép", err)
	}
	// プロセス停止等によるキャンセルは分類せずそのまま返し、
	// 呼び出し側（ワーカー）の再配送に委ねる
	if errors.Is(err, context.Canceled) {
		return err
	}
	// 処理関数が調整ストアのエラーを未分類のまま返した場合も
	// リトライ可能性を失わないようにする
	if errors.Is(err, valkey.ErrUnavailable) {
		return NewError(KindStoreUnavailable, "Hệ thống tạm thời gián đoạn, vui lòng thử lại sau", err)
	}
	return NewError(KindProcessing, "Xử lý AI thất bại", err)
}
