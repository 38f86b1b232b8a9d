package main

import (
	"math"
	"testing"

	"github.com/caffeineduck/wasmload/loader"
	"github.com/tetratelabs/wazero/api"
)

func TestEncodeValue(t *testing.T) {
	tests := []struct {
		typ     api.ValueType
		in      string
		want    uint64
		wantErr bool
	}{
		{api.ValueTypeI32, "42", api.EncodeI32(42), false},
		{api.ValueTypeI32, "-1", api.EncodeI32(-1), false},
		{api.ValueTypeI32, "0x10", api.EncodeI32(16), false},
		{api.ValueTypeI32, "4294967295", api.EncodeU32(math.MaxUint32), false},
		{api.ValueTypeI32, "4294967296", 0, true},
		{api.ValueTypeI32, "-2147483649", 0, true},
		{api.ValueTypeI64, "-9000000000", api.EncodeI64(-9000000000), false},
		{api.ValueTypeF32, "1.5", api.EncodeF32(1.5), false},
		{api.ValueTypeF64, "2.25", api.EncodeF64(2.25), false},
		{api.ValueTypeI64, "x", 0, true},
		{api.ValueTypeExternref, "1", 0, true},
	}

	for _, tt := range tests {
		got, err := encodeValue(tt.typ, tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("encodeValue(%s, %q) error = %v, wantErr %v", api.ValueTypeName(tt.typ), tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("encodeValue(%s, %q) = %#x, want %#x", api.ValueTypeName(tt.typ), tt.in, got, tt.want)
		}
	}
}

func TestFormatResults(t *testing.T) {
	def := loader.FunctionDef{
		Name:    "mixed",
		Results: []api.ValueType{api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64},
	}
	raw := []uint64{api.EncodeI32(-7), api.EncodeI64(1 << 40), api.EncodeF32(0.5), api.EncodeF64(-3.75)}

	got := formatResults(def, raw)
	want := []string{"-7", "1099511627776", "0.5", "-3.75"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("result %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEncodeArgsCount(t *testing.T) {
	def := loader.FunctionDef{Name: "add", Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}}
	if _, err := encodeArgs(def, []string{"1"}); err == nil {
		t.Error("expected error for missing argument")
	}
	args, err := encodeArgs(def, []string{"1", "2"})
	if err != nil || len(args) != 2 {
		t.Errorf("unexpected result %v, %v", args, err)
	}
}
