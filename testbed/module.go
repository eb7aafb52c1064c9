// Package testbed assembles small core wasm guests for tests.
//
// A guest imports host functions, exports its memory and exposes a
// call_<name> wrapper per import so a test can drive any host import through
// a real wazero instance with the guest's memory attached:
//
//	m := testbed.NewModule(1)
//	m.Import("env", "getModelVersion", 0, 1)
//	m.WrapImports()
//	bin := m.Encode()
//
// Every parameter and result is an i32.
package testbed

import "fmt"

const (
	magic   = 0x6d736100
	version = 1

	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	funcTypeByte = 0x60
	valTypeI32   = 0x7f

	kindFunc   = 0x00
	kindMemory = 0x02

	opEnd      = 0x0b
	opDrop     = 0x1a
	opLocalGet = 0x20
	opI32Const = 0x41
	opCall     = 0x10
	opI32Add   = 0x6a
)

// Import is a host function the guest imports.
type Import struct {
	Module  string
	Name    string
	Params  int
	Results int
}

// Func is a guest-defined function. Body holds instructions without the
// final end opcode.
type Func struct {
	Export  string
	Body    []byte
	Params  int
	Results int
}

// Segment is an active data segment in memory 0.
type Segment struct {
	Bytes  []byte
	Offset uint32
}

// Module is a guest under construction.
type Module struct {
	Imports []Import
	Funcs   []Func
	Data    []Segment
	Pages   uint32
}

func NewModule(pages uint32) *Module {
	return &Module{Pages: pages}
}

// Import adds a function import and returns its function index.
func (m *Module) Import(module, name string, params, results int) uint32 {
	if len(m.Funcs) > 0 {
		panic("testbed: imports must be added before functions")
	}
	m.Imports = append(m.Imports, Import{Module: module, Name: name, Params: params, Results: results})
	return uint32(len(m.Imports) - 1)
}

// ImportIndex returns the function index of an imported name.
func (m *Module) ImportIndex(name string) uint32 {
	for i, imp := range m.Imports {
		if imp.Name == name {
			return uint32(i)
		}
	}
	panic(fmt.Sprintf("testbed: no import %q", name))
}

// Func adds a function and returns its function index.
func (m *Module) Func(f Func) uint32 {
	m.Funcs = append(m.Funcs, f)
	return uint32(len(m.Imports) + len(m.Funcs) - 1)
}

// WrapImports exports call_<name> for every import, forwarding all
// parameters and returning its results.
func (m *Module) WrapImports() {
	for i, imp := range m.Imports {
		var body []byte
		for p := 0; p < imp.Params; p++ {
			body = append(body, LocalGet(uint32(p))...)
		}
		body = append(body, Call(uint32(i))...)
		m.Func(Func{Export: "call_" + imp.Name, Params: imp.Params, Results: imp.Results, Body: body})
	}
}

// AddData places b at offset when the guest is instantiated.
func (m *Module) AddData(offset uint32, b []byte) {
	m.Data = append(m.Data, Segment{Offset: offset, Bytes: b})
}

// Encode returns the binary module.
func (m *Module) Encode() []byte {
	var out []byte
	out = appendU32LE(out, magic)
	out = appendU32LE(out, version)

	// One type per import, then one per function.
	var types []byte
	types = appendU32(types, uint32(len(m.Imports)+len(m.Funcs)))
	for _, imp := range m.Imports {
		types = appendFuncType(types, imp.Params, imp.Results)
	}
	for _, f := range m.Funcs {
		types = appendFuncType(types, f.Params, f.Results)
	}
	out = appendSection(out, sectionType, types)

	if len(m.Imports) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.Imports)))
		for i, imp := range m.Imports {
			sec = appendName(sec, imp.Module)
			sec = appendName(sec, imp.Name)
			sec = append(sec, kindFunc)
			sec = appendU32(sec, uint32(i))
		}
		out = appendSection(out, sectionImport, sec)
	}

	if len(m.Funcs) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.Funcs)))
		for i := range m.Funcs {
			sec = appendU32(sec, uint32(len(m.Imports)+i))
		}
		out = appendSection(out, sectionFunction, sec)
	}

	var mem []byte
	mem = appendU32(mem, 1)
	mem = append(mem, 0x00)
	mem = appendU32(mem, m.Pages)
	out = appendSection(out, sectionMemory, mem)

	var exports []byte
	count := 1
	for _, f := range m.Funcs {
		if f.Export != "" {
			count++
		}
	}
	exports = appendU32(exports, uint32(count))
	exports = appendName(exports, "memory")
	exports = append(exports, kindMemory)
	exports = appendU32(exports, 0)
	for i, f := range m.Funcs {
		if f.Export == "" {
			continue
		}
		exports = appendName(exports, f.Export)
		exports = append(exports, kindFunc)
		exports = appendU32(exports, uint32(len(m.Imports)+i))
	}
	out = appendSection(out, sectionExport, exports)

	if len(m.Funcs) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.Funcs)))
		for _, f := range m.Funcs {
			body := appendU32(nil, 0) // no locals
			body = append(body, f.Body...)
			body = append(body, opEnd)
			sec = appendU32(sec, uint32(len(body)))
			sec = append(sec, body...)
		}
		out = appendSection(out, sectionCode, sec)
	}

	if len(m.Data) > 0 {
		var sec []byte
		sec = appendU32(sec, uint32(len(m.Data)))
		for _, d := range m.Data {
			sec = append(sec, 0x00)
			sec = append(sec, I32Const(int32(d.Offset))...)
			sec = append(sec, opEnd)
			sec = appendU32(sec, uint32(len(d.Bytes)))
			sec = append(sec, d.Bytes...)
		}
		out = appendSection(out, sectionData, sec)
	}

	return out
}

// Instruction helpers.

func I32Const(v int32) []byte {
	return appendS32([]byte{opI32Const}, v)
}

func Call(idx uint32) []byte {
	return appendU32([]byte{opCall}, idx)
}

func LocalGet(idx uint32) []byte {
	return appendU32([]byte{opLocalGet}, idx)
}

func Drop() []byte {
	return []byte{opDrop}
}

// Seq concatenates instruction sequences.
func Seq(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func appendFuncType(b []byte, params, results int) []byte {
	b = append(b, funcTypeByte)
	b = appendU32(b, uint32(params))
	for i := 0; i < params; i++ {
		b = append(b, valTypeI32)
	}
	b = appendU32(b, uint32(results))
	for i := 0; i < results; i++ {
		b = append(b, valTypeI32)
	}
	return b
}

func appendSection(b []byte, id byte, data []byte) []byte {
	b = append(b, id)
	b = appendU32(b, uint32(len(data)))
	return append(b, data...)
}

func appendName(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

func appendU32LE(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// appendU32 writes v as unsigned LEB128.
func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

// appendS32 writes v as signed LEB128.
func appendS32(b []byte, v int32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}

func I32Add() []byte {
	return []byte{opI32Add}
}
