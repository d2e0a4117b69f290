// Package tax はAI処理関数のプレースホルダー実装を提供します。
// 本実装が差し替えられるまでの決定的なスタブであり、
// 処理結果の形だけを本番と同じ契約で返します。
package tax

import (
	"context"
	"fmt"
	"sort"

	"github.com/yourusername/tax-forge/internal/processing"
)

// 進捗ステージのメッセージ（利用者向け、ベトナム語）。
const (
	stageInit     = "Đang khởi tạo..."
	stageFinish   = "Hoàn thành xử lý..."
	stageVoice    = "Đang xử lý giọng nói..."
	stageDocument = "Đang phân tích tài liệu..."
	stageValidate = "Đang xác thực dữ liệu..."
	stageCalc     = "Đang tính toán thuế..."
)

// Service は Processor インターフェースのプレースホルダー実装です。
type Service struct{}

// NewService は Service を作成します。
func NewService() *Service {
	return &Service{}
}

var _ processing.Processor = (*Service)(nil)

// ProcessVoice は音声入力を処理します。
func (s *Service) ProcessVoice(ctx context.Context, req processing.VoiceRequest, cp processing.Checkpoint) (*processing.VoiceResult, error) {
	if err := cp(stageInit, 10); err != nil {
		return nil, err
	}
	if err := cp(stageVoice, 50); err != nil {
		return nil, err
	}

	result := &processing.VoiceResult{
		TranscribedText: "Mười triệu đồng",
		Confidence:      95.0,
		FieldMapping: map[string]string{
			req.TargetField: "10000000",
		},
		LanguageDetected: req.Language,
		ProcessingTimeMs: 1500,
	}

	if err := cp(stageFinish, 90); err != nil {
		return nil, err
	}
	return result, nil
}

// ProcessDocument は書類から指定フィールドを抽出します。
func (s *Service) ProcessDocument(ctx context.Context, req processing.DocumentRequest, cp processing.Checkpoint) (*processing.DocumentResult, error) {
	if err := cp(stageInit, 10); err != nil {
		return nil, err
	}
	if err := cp(stageDocument, 50); err != nil {
		return nil, err
	}

	known := map[string]struct {
		value      string
		confidence float64
	}{
		"taxpayer_name": {"Nguyễn Văn A", 98.0},
		"taxpayer_id":   {"0123456789", 95.0},
		"total_income":  {"120000000", 92.0},
	}

	extracted := make(map[string]string)
	confidences := make(map[string]float64)
	for _, field := range req.Fields {
		if entry, ok := known[field]; ok {
			extracted[field] = entry.value
			confidences[field] = entry.confidence
		}
	}

	result := &processing.DocumentResult{
		ExtractedFields:  extracted,
		ConfidenceScores: confidences,
		DocumentType:     req.DocumentType,
		ProcessingTimeMs: 3500,
	}

	if err := cp(stageFinish, 90); err != nil {
		return nil, err
	}
	return result, nil
}

// ValidateTaxData は申告データを検証します。
func (s *Service) ValidateTaxData(ctx context.Context, req processing.ValidateRequest, cp processing.Checkpoint) (*processing.ValidateResult, error) {
	if err := cp(stageInit, 10); err != nil {
		return nil, err
	}
	if err := cp(stageValidate, 50); err != nil {
		return nil, err
	}

	var validationErrors []string
	for _, field := range requiredFields(req.FormType) {
		if _, ok := req.FormData[field]; !ok {
			validationErrors = append(validationErrors, fmt.Sprintf("Thiếu trường bắt buộc: %s", field))
		}
	}
	sort.Strings(validationErrors)

	result := &processing.ValidateResult{
		IsValid:          len(validationErrors) == 0,
		ValidationErrors: validationErrors,
		Suggestions: []string{
			"Kiểm tra lại số CMND/CCCD",
			"Xác nhận số tiền thuế đã nộp",
		},
		ConfidenceScore:  88.0,
		ProcessingTimeMs: 1200,
	}

	if err := cp(stageFinish, 90); err != nil {
		return nil, err
	}
	return result, nil
}

// CalculateTax は税額を計算します。
func (s *Service) CalculateTax(ctx context.Context, req processing.CalculateRequest, cp processing.Checkpoint) (*processing.CalculateResult, error) {
	if err := cp(stageInit, 10); err != nil {
		return nil, err
	}
	if err := cp(stageCalc, 50); err != nil {
		return nil, err
	}

	result := &processing.CalculateResult{
		Calculations: map[string]string{
			"total_income":        "120000000",
			"personal_exemption":  "11000000",
			"dependent_exemption": "8800000",
			"taxable_income":      "100200000",
			"tax_amount":          "4510000",
			"tax_paid":            "2000000",
			"tax_payable":         "2510000",
		},
		Breakdown: []processing.BreakdownEntry{
			{Description: "Tổng thu nhập", Amount: "120000000"},
			{Description: "Giảm trừ bản thân", Amount: "11000000"},
			{Description: "Giảm trừ người phụ thuộc (2 người)", Amount: "8800000"},
			{Description: "Thu nhập chịu thuế", Amount: "100200000"},
			{Description: "Thuế phải nộp", Amount: "4510000"},
		},
		BracketsApplied: []processing.BracketEntry{
			{Range: "0 - 5,000,000", Rate: "5%", Amount: "250000"},
			{Range: "5,000,000 - 10,000,000", Rate: "10%", Amount: "500000"},
			{Range: "10,000,000 - 18,000,000", Rate: "15%", Amount: "1200000"},
			{Range: "18,000,000 - 32,000,000", Rate: "20%", Amount: "2800000"},
		},
		ConfidenceScore:  95.0,
		ProcessingTimeMs: 1800,
	}

	if err := cp(stageFinish, 90); err != nil {
		return nil, err
	}
	return result, nil
}

// requiredFields はフォーム種別ごとの必須フィールドを返します。
func requiredFields(formType string) []string {
	switch formType {
	case "TNCN":
		return []string{"taxpayer_name", "taxpayer_id", "total_income"}
	default:
		return []string{"taxpayer_name", "taxpayer_id"}
	}
}
