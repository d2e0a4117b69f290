package processing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/yourusername/tax-forge/internal/valkey"
)

type fakeProcessor struct {
	voice    func(ctx context.Context, req VoiceRequest, cp Checkpoint) (*VoiceResult, error)
	document func(ctx context.Context, req DocumentRequest, cp Checkpoint) (*DocumentResult, error)
	validate func(ctx context.Context, req ValidateRequest, cp Checkpoint) (*ValidateResult, error)
}

func (f *fakeProcessor) ProcessVoice(ctx context.Context, req VoiceRequest, cp Checkpoint) (*VoiceResult, error) {
	if f.voice != nil {
		return f.voice(ctx, req, cp)
	}
	return &VoiceResult{TranscribedText: "ok"}, nil
}

func (f *fakeProcessor) ProcessDocument(ctx context.Context, req DocumentRequest, cp Checkpoint) (*DocumentResult, error) {
	if f.document != nil {
		return f.document(ctx, req, cp)
	}
	return &DocumentResult{}, nil
}

func (f *fakeProcessor) ValidateTaxData(ctx context.Context, req ValidateRequest, cp Checkpoint) (*ValidateResult, error) {
	if f.validate != nil {
		return f.validate(ctx, req, cp)
	}
	return &ValidateResult{IsValid: true}, nil
}

func (f *fakeProcessor) CalculateTax(ctx context.Context, req CalculateRequest, cp Checkpoint) (*CalculateResult, error) {
	return &CalculateResult{}, nil
}

func newTestAdapter(t *testing.T, proc Processor) *Adapter {
	t.Helper()
	if proc == nil {
		proc = &fakeProcessor{}
	}
	adapter, err := NewAdapter(proc, 1<<20)
	if err != nil {
		t.Fatalf("NewAdapter returned error: %v", err)
	}
	return adapter
}

func mustKind(t *testing.T, err error, kind ErrorKind) *Error {
	t.Helper()
	var procErr *Error
	if !errors.As(err, &procErr) {
		t.Fatalf("expected classified error, got %v", err)
	}
	if procErr.Kind != kind {
		t.Fatalf("kind = %s, want %s", procErr.Kind, kind)
	}
	return procErr
}

func TestExecuteUnknownOperation(t *testing.T) {
	adapter := newTestAdapter(t, nil)

	_, err := adapter.Execute(context.Background(), "bogus", json.RawMessage(`{}`), nil)
	mustKind(t, err, KindValidation)
}

func TestExecuteOversizedPayload(t *testing.T) {
	adapter, err := NewAdapter(&fakeProcessor{}, 16)
	if err != nil {
		t.Fatalf("NewAdapter returned error: %v", err)
	}

	payload := json.RawMessage(`{"formData":{"note":"` + strings.Repeat("x", 64) + `"}}`)
	_, execErr := adapter.Execute(context.Background(), OperationValidate, payload, nil)
	mustKind(t, execErr, KindValidation)
}

func TestExecuteVoiceMissingFields(t *testing.T) {
	adapter := newTestAdapter(t, nil)

	payload := json.RawMessage(`{"audioData":"` + base64.StdEncoding.EncodeToString([]byte("audio")) + `"}`)
	_, err := adapter.Execute(context.Background(), OperationVoice, payload, nil)
	mustKind(t, err, KindValidation)
}

func TestExecuteVoiceInvalidBase64(t *testing.T) {
	adapter := newTestAdapter(t, nil)

	payload := json.RawMessage(`{"audioData":"%%%not-base64%%%","targetField":"total_income","formType":"TNCN"}`)
	_, err := adapter.Execute(context.Background(), OperationVoice, payload, nil)
	mustKind(t, err, KindValidation)
}

func TestExecuteVoiceDefaultsLanguage(t *testing.T) {
	var gotReq VoiceRequest
	proc := &fakeProcessor{
		voice: func(ctx context.Context, req VoiceRequest, cp Checkpoint) (*VoiceResult, error) {
			gotReq = req
			return &VoiceResult{TranscribedText: "Mười triệu đồng"}, nil
		},
	}
	adapter := newTestAdapter(t, proc)

	payload := json.RawMessage(`{"audioData":"` + base64.StdEncoding.EncodeToString([]byte("audio")) + `","targetField":"total_income","formType":"TNCN"}`)
	result, err := adapter.Execute(context.Background(), OperationVoice, payload, nil)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if gotReq.Language != "vi-VN" {
		t.Fatalf("language = %q, want vi-VN default", gotReq.Language)
	}
	if string(gotReq.Audio) != "audio" {
		t.Fatalf("audio = %q, want decoded bytes", gotReq.Audio)
	}

	var decoded VoiceResult
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("failed to parse result: %v", err)
	}
	if decoded.TranscribedText != "Mười triệu đồng" {
		t.Fatalf("unexpected result: %#v", decoded)
	}
}

func TestExecuteDocumentRejectsUnknownFormat(t *testing.T) {
	adapter := newTestAdapter(t, nil)

	document := base64.StdEncoding.EncodeToString([]byte("plain text, not a document"))
	payload := json.RawMessage(`{"documentData":"` + document + `","fieldSpecifications":["taxpayer_name"],"formType":"TNCN"}`)
	_, err := adapter.Execute(context.Background(), OperationDocument, payload, nil)
	procErr := mustKind(t, err, KindValidation)
	if !strings.Contains(procErr.Message, "PDF") {
		t.Fatalf("expected format message, got %q", procErr.Message)
	}
}

func TestExecuteDocumentAcceptsPDF(t *testing.T) {
	adapter := newTestAdapter(t, nil)

	document := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4\n% dummy pdf content\n"))
	payload := json.RawMessage(`{"documentData":"` + document + `","fieldSpecifications":["taxpayer_name"],"formType":"TNCN"}`)
	if _, err := adapter.Execute(context.Background(), OperationDocument, payload, nil); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
}

func TestExecuteClassifiesDeadlineAsTimeout(t *testing.T) {
	proc := &fakeProcessor{
		validate: func(ctx context.Context, req ValidateRequest, cp Checkpoint) (*ValidateResult, error) {
			return nil, context.DeadlineExceeded
		},
	}
	adapter := newTestAdapter(t, proc)

	payload := json.RawMessage(`{"formData":{"a":1},"formType":"TNCN","taxYear":2024}`)
	_, err := adapter.Execute(context.Background(), OperationValidate, payload, nil)
	mustKind(t, err, KindTimeout)
}

func TestExecutePassesThroughCancellation(t *testing.T) {
	proc := &fakeProcessor{
		validate: func(ctx context.Context, req ValidateRequest, cp Checkpoint) (*ValidateResult, error) {
			return nil, context.Canceled
		},
	}
	adapter := newTestAdapter(t, proc)

	payload := json.RawMessage(`{"formData":{"a":1},"formType":"TNCN","taxYear":2024}`)
	_, err := adapter.Execute(context.Background(), OperationValidate, payload, nil)
	var procErr *Error
	if errors.As(err, &procErr) {
		t.Fatalf("cancellation must not be classified, got %v", procErr)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExecuteClassifiesUnknownErrorsAsProcessing(t *testing.T) {
	proc := &fakeProcessor{
		validate: func(ctx context.Context, req ValidateRequest, cp Checkpoint) (*ValidateResult, error) {
			return nil, errors.New("model exploded")
		},
	}
	adapter := newTestAdapter(t, proc)

	payload := json.RawMessage(`{"formData":{"a":1},"formType":"TNCN","taxYear":2024}`)
	_, err := adapter.Execute(context.Background(), OperationValidate, payload, nil)
	procErr := mustKind(t, err, KindProcessing)
	if procErr.Retryable() {
		t.Fatal("processing errors must not be retryable")
	}
}

func TestExecuteClassifiesStoreErrorsAsRetryable(t *testing.T) {
	proc := &fakeProcessor{
		validate: func(ctx context.Context, req ValidateRequest, cp Checkpoint) (*ValidateResult, error) {
			return nil, fmt.Errorf("load reference data: %w", valkey.ErrUnavailable)
		},
	}
	adapter := newTestAdapter(t, proc)

	payload := json.RawMessage(`{"formData":{"a":1},"formType":"TNCN","taxYear":2024}`)
	_, err := adapter.Execute(context.Background(), OperationValidate, payload, nil)
	procErr := mustKind(t, err, KindStoreUnavailable)
	if !procErr.Retryable() {
		t.Fatal("store errors must stay retryable through classification")
	}
}

func TestRetryableKinds(t *testing.T) {
	if !NewError(KindStoreUnavailable, "m", nil).Retryable() {
		t.Fatal("store_unavailable must be retryable")
	}
	for _, kind := range []ErrorKind{KindValidation, KindProcessing, KindTimeout, KindForbidden, KindNotFound} {
		if NewError(kind, "m", nil).Retryable() {
			t.Fatalf("%s must not be retryable", kind)
		}
	}
}
