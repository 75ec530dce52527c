// Package wasm hosts a sandboxed build of the evaluator. Untrusted
// expressions can be reduced inside a WebAssembly instance with its own
// private arena instead of the shared region.
package wasm

import (
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"
)

// Evaluator wraps a WASM evaluator module exposing the arena exports:
// reset, allocTerminal, allocCons, kindOf, symOf, leftOf, rightOf,
// reduce.
type Evaluator struct {
	instance *wasmer.Instance

	reset        wasmer.NativeFunction
	allocTerm    wasmer.NativeFunction
	allocCons    wasmer.NativeFunction
	kindOf       wasmer.NativeFunction
	symOf        wasmer.NativeFunction
	leftOf       wasmer.NativeFunction
	rightOf      wasmer.NativeFunction
	reduceExport wasmer.NativeFunction
}

// NewEvaluator instantiates an evaluator from module bytes.
func NewEvaluator(wasmBytes []byte) (*Evaluator, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	module, err := wasmer.NewModule(store, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("wasm module: %w", err)
	}
	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	if err != nil {
		return nil, fmt.Errorf("wasm instance: %w", err)
	}

	e := &Evaluator{instance: instance}
	for _, exp := range []struct {
		name string
		fn   *wasmer.NativeFunction
	}{
		{"reset", &e.reset},
		{"allocTerminal", &e.allocTerm},
		{"allocCons", &e.allocCons},
		{"kindOf", &e.kindOf},
		{"symOf", &e.symOf},
		{"leftOf", &e.leftOf},
		{"rightOf", &e.rightOf},
		{"reduce", &e.reduceExport},
	} {
		fn, err := instance.Exports.GetFunction(exp.name)
		if err != nil {
			return nil, fmt.Errorf("wasm export %q: %w", exp.name, err)
		}
		*exp.fn = fn
	}
	return e, nil
}

// Reset clears the instance's private arena.
func (e *Evaluator) Reset() error {
	_, err := e.reset()
	return err
}

// AllocTerminal allocates a terminal in the instance's arena.
func (e *Evaluator) AllocTerminal(sym uint32) (uint32, error) {
	return call1(e.allocTerm, int32(sym))
}

// AllocCons allocates an application in the instance's arena.
func (e *Evaluator) AllocCons(l, r uint32) (uint32, error) {
	return call1(e.allocCons, int32(l), int32(r))
}

// KindOf returns a node's kind.
func (e *Evaluator) KindOf(n uint32) (uint32, error) {
	return call1(e.kindOf, int32(n))
}

// SymOf returns a terminal's symbol.
func (e *Evaluator) SymOf(n uint32) (uint32, error) {
	return call1(e.symOf, int32(n))
}

// LeftOf returns a node's left child.
func (e *Evaluator) LeftOf(n uint32) (uint32, error) {
	return call1(e.leftOf, int32(n))
}

// RightOf returns a node's right child.
func (e *Evaluator) RightOf(n uint32) (uint32, error) {
	return call1(e.rightOf, int32(n))
}

// Reduce reduces an expression with the given step bound.
func (e *Evaluator) Reduce(node, maxSteps uint32) (uint32, error) {
	return call1(e.reduceExport, int32(node), int32(maxSteps))
}

func call1(fn wasmer.NativeFunction, args ...interface{}) (uint32, error) {
	out, err := fn(args...)
	if err != nil {
		return 0, err
	}
	v, ok := out.(int32)
	if !ok {
		return 0, fmt.Errorf("wasm call: unexpected result %T", out)
	}
	return uint32(v), nil
}
