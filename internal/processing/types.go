package processing

// OperationType はAI処理の種別を表します。
type OperationType string

const (
	OperationVoice     OperationType = "voice"
	OperationDocument  OperationType = "document"
	OperationValidate  OperationType = "validate"
	OperationCalculate OperationType = "calculate"
)

// ParseOperation は文字列を OperationType に変換します。
func ParseOperation(s string) (OperationType, bool) {
	switch OperationType(s) {
	case OperationVoice, OperationDocument, OperationValidate, OperationCalculate:
		return OperationType(s), true
	default:
		return "", false
	}
}

// VoicePayload は音声入力ジョブのペイロードです。音声データはBase64で受け取ります。
type VoicePayload struct {
	AudioB64    string `json:"audioData" binding:"required"`
	TargetField string `json:"targetField" binding:"required"`
	FormType    string `json:"formType" binding:"required"`
	Language    string `json:"language"`
}

// DocumentPayload は書類処理ジョブのペイロードです。書類データはBase64で受け取ります。
type DocumentPayload struct {
	DocumentB64  string   `json:"documentData" binding:"required"`
	Fields       []string `json:"fieldSpecifications" binding:"required"`
	DocumentType string   `json:"documentType"`
	FormType     string   `json:"formType" binding:"required"`
}

// ValidatePayload は申告データ検証ジョブのペイロードです。
type ValidatePayload struct {
	FormData map[string]any `json:"formData" binding:"required"`
	FormType string         `json:"formType" binding:"required"`
	TaxYear  int            `json:"taxYear" binding:"required"`
}

// CalculatePayload は税額計算ジョブのペイロードです。
type CalculatePayload struct {
	FormData map[string]any `json:"formData" binding:"required"`
	FormType string         `json:"formType" binding:"required"`
	TaxYear  int            `json:"taxYear" binding:"required"`
}

// VoiceRequest はBase64デコード後の音声処理リクエストです。
type VoiceRequest struct {
	Audio       []byte
	TargetField string
	FormType    string
	Language    string
}

// DocumentRequest はBase64デコード後の書類処理リクエストです。
type DocumentRequest struct {
	Document     []byte
	Fields       []string
	DocumentType string
	FormType     string
}

// ValidateRequest は申告データ検証リクエストです。
type ValidateRequest struct {
	FormData map[string]any
	FormType string
	TaxYear  int
}

// CalculateRequest は税額計算リクエストです。
type CalculateRequest struct {
	FormData map[string]any
	FormType string
	TaxYear  int
}

// VoiceResult は音声処理の結果です。
type VoiceResult struct {
	TranscribedText  string            `json:"transcribedText"`
	Confidence       float64           `json:"confidence"`
	FieldMapping     map[string]string `json:"fieldMapping"`
	LanguageDetected string            `json:"languageDetected"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
}

// DocumentResult は書類処理の結果です。
type DocumentResult struct {
	ExtractedFields  map[string]string  `json:"extractedFields"`
	ConfidenceScores map[string]float64 `json:"confidenceScores"`
	DocumentType     string             `json:"documentType"`
	ProcessingTimeMs int64              `json:"processingTimeMs"`
}

// ValidateResult は申告データ検証の結果です。
type ValidateResult struct {
	IsValid          bool     `json:"isValid"`
	ValidationErrors []string `json:"validationErrors"`
	Suggestions      []string `json:"suggestions"`
	ConfidenceScore  float64  `json:"confidenceScore"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
}

// BreakdownEntry は税額計算の内訳1行を表します。
type BreakdownEntry struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

// BracketEntry は適用された税率区分を表します。
type BracketEntry struct {
	Range  string `json:"range"`
	Rate   string `json:"rate"`
	Amount string `json:"amount"`
}

// CalculateResult は税額計算の結果です。
type CalculateResult struct {
	Calculations     map[string]string `json:"calculations"`
	Breakdown        []BreakdownEntry  `json:"breakdown"`
	BracketsApplied  []BracketEntry    `json:"taxBracketsApplied"`
	ConfidenceScore  float64           `json:"confidenceScore"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
}
