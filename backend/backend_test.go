package backend

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in     string
		want   Backend
		wantOK bool
	}{
		{"auto", Auto, true},
		{"CPU", CPU, true},
		{"webgl", Accelerated, true},
		{"wasm", Compiled, true},
		{" webgpu ", GPU, true},
		{"3", Compiled, true},
		{"0", Auto, true},
		{"7", None, false},
		{"tpu", None, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := Parse(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Parse(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestBackend_Predicates(t *testing.T) {
	if Auto.Concrete() || None.Concrete() {
		t.Error("auto and none are not concrete")
	}
	for _, b := range All() {
		if !b.Concrete() || !b.Valid() {
			t.Errorf("%v should be concrete and valid", b)
		}
	}
	if None.Valid() {
		t.Error("none is not a valid request")
	}
	if Backend(9).String() != "backend(9)" {
		t.Errorf("String = %q", Backend(9).String())
	}
	if GPU.Wire() != 4 || None.Wire() != 0 {
		t.Error("wire mapping")
	}
}
