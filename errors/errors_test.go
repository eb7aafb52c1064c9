package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseInference,
				Kind:   KindExecution,
				Op:     "predict",
				Detail: "graph rejected inputs",
			},
			contains: []string{"[inference]", "execution", "in predict", "graph rejected inputs"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseMemory,
				Kind:  KindOutOfBounds,
			},
			contains: []string{"[memory]", "out_of_bounds"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseTransport,
				Kind:   KindUnavailable,
				Detail: "fetch web_model/model.json",
				Cause:  errors.New("connection refused"),
			},
			contains: []string{"[transport]", "unavailable", "web_model/model.json", "caused by", "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{
		Phase: PhaseTransport,
		Kind:  KindUnavailable,
		Cause: cause,
	}

	if !errors.Is(err.Unwrap(), cause) {
		t.Error("Unwrap did not return cause")
	}

	if !errors.Is(errors.Unwrap(err), cause) {
		t.Error("errors.Unwrap did not return cause")
	}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find cause through the chain")
	}
}

func TestError_Is(t *testing.T) {
	err := &Error{
		Phase: PhaseProtocol,
		Kind:  KindMisuse,
		Op:    "predict",
	}

	if !err.Is(&Error{Phase: PhaseProtocol, Kind: KindMisuse}) {
		t.Error("Is should match same phase and kind")
	}

	if err.Is(&Error{Phase: PhaseBackend, Kind: KindMisuse}) {
		t.Error("Is should not match different phase")
	}

	if err.Is(&Error{Phase: PhaseProtocol, Kind: KindBusy}) {
		t.Error("Is should not match different kind")
	}

	if !errors.Is(err, ErrMisuse) {
		t.Error("errors.Is should match the ErrMisuse sentinel")
	}
	if errors.Is(err, ErrBusy) {
		t.Error("errors.Is should not match the ErrBusy sentinel")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("root")
	err := New(PhaseInference, KindExecution).
		Op("predict").
		Value(164).
		Cause(cause).
		Detail("expected %d elements, got %d", 164, 162).
		Build()

	if err.Phase != PhaseInference {
		t.Errorf("Phase = %v, want %v", err.Phase, PhaseInference)
	}
	if err.Kind != KindExecution {
		t.Errorf("Kind = %v, want %v", err.Kind, KindExecution)
	}
	if err.Op != "predict" {
		t.Errorf("Op = %q, want predict", err.Op)
	}
	if err.Value != 164 {
		t.Errorf("Value = %v, want 164", err.Value)
	}
	if err.Detail != "expected 164 elements, got 162" {
		t.Errorf("Detail = %q", err.Detail)
	}
	if !errors.Is(err, cause) {
		t.Error("Cause not set")
	}
}

func TestBuilder_DetailWithoutArgs(t *testing.T) {
	err := New(PhaseConfig, KindInvalidInput).Detail("100% literal").Build()
	if err.Detail != "100% literal" {
		t.Errorf("Detail = %q, want literal message", err.Detail)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *Error
		target *Error
	}{
		{"transport", Transport("gs://models/b18/model.json", errors.New("eof")), ErrTransport},
		{"activation", Activation("gpu", errors.New("no device")), ErrActivation},
		{"execution", Execution("run graph", nil), ErrExecution},
		{"misuse", Misuse("predict", "no model loaded"), ErrMisuse},
		{"busy", Busy("setBackend"), ErrBusy},
		{"closed", Closed("event loop"), ErrClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.target) {
				t.Errorf("%v does not match sentinel %v", tt.err, tt.target)
			}
		})
	}

	oob := OutOfBounds(65530, 16, 65536)
	if oob.Kind != KindOutOfBounds || oob.Phase != PhaseMemory {
		t.Errorf("OutOfBounds = %+v", oob)
	}
	if !strings.Contains(oob.Detail, "65536") {
		t.Errorf("OutOfBounds detail %q should mention memory size", oob.Detail)
	}

	rec := Recovered("predict", "boom")
	if rec.Kind != KindPanic || !strings.Contains(rec.Error(), "boom") {
		t.Errorf("Recovered = %v", rec)
	}

	nf := TransportNotFound("web_model/metadata.json", nil)
	if nf.Kind != KindNotFound {
		t.Errorf("TransportNotFound kind = %v", nf.Kind)
	}
	if errors.Is(nf, ErrTransport) {
		t.Error("not-found should be distinguishable from a generic transport failure")
	}
}
