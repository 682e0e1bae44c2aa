// Package sandbox runs a caller-chosen analyzer WASM module against
// content bytes under strict metering: a per-execution tick budget, a
// linear-memory ceiling, and a wall-clock backstop, with every
// execution wrapped in a panic barrier so a module trap or host-code
// unwind never escapes into the calling pipeline.
//
// wasmer-go v1.0.4 — the only WASM engine this module's dependency
// stack carries — exposes no per-instruction fuel counter the way
// wasmtime does. The tick budget is therefore enforced in Go host
// code: every host-ABI call costs a fixed number of ticks, the same
// shape as the teacher's host_consume_gas callback. A module that
// spins without ever calling the host ABI is instead bounded by a
// wall-clock timer that closes the store out from under it.
package sandbox

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/wasmerio/wasmer-go/wasmer"
	"go.uber.org/zap"

	"github.com/title-protocol/tee-worker/pkg/primitives"
	"github.com/title-protocol/tee-worker/pkg/workererr"
)

// Limits bounds a single analyzer execution.
type Limits struct {
	FuelTicks          uint64
	MemoryCeilingBytes uint32
	WallClock          time.Duration
}

// DefaultLimits: a 100M-tick fuel budget, a 64 MiB linear-memory
// ceiling, and a 10s wall-clock backstop.
var DefaultLimits = Limits{
	FuelTicks:          100_000_000,
	MemoryCeilingBytes: 64 << 20,
	WallClock:          10 * time.Second,
}

const (
	tickDefault = 1
	tickHash    = 20
	tickHMAC    = 30
)

// Runner executes analyzer modules. It holds no per-execution state
// and is safe for concurrent use: Execute builds a fresh engine,
// store, and instance every call.
type Runner struct {
	logger *zap.Logger
}

func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

// hostState is closed over by every registered host function.
// wasmer-go invokes host callbacks synchronously on the goroutine
// that called into the module, so only killed needs atomic access —
// the wall-clock timer's goroutine writes it concurrently with the
// module's own execution.
type hostState struct {
	content        []byte
	extensionInput []byte
	mem            *wasmer.Memory
	fuelRemaining  uint64
	memoryCeiling  uint32
	killed         int32
}

func (s *hostState) consumeFuel(cost uint64) error {
	if atomic.LoadInt32(&s.killed) != 0 {
		return fmt.Errorf("sandbox: execution terminated by wall-clock backstop")
	}
	if s.fuelRemaining < cost {
		return fmt.Errorf("sandbox: fuel exhausted")
	}
	s.fuelRemaining -= cost
	return nil
}

func (s *hostState) checkMemoryCeiling() error {
	if uint32(len(s.mem.Data())) > s.memoryCeiling {
		return fmt.Errorf("sandbox: linear memory ceiling exceeded")
	}
	return nil
}

// Execute runs wasmBytes' process() export against content, returning
// its structured JSON output. extensionInput is the caller-supplied
// per-analyzer auxiliary JSON, or nil if none was given.
func (r *Runner) Execute(ctx context.Context, wasmBytes, content, extensionInput []byte, limits Limits) (output json.RawMessage, err error) {
	if limits.FuelTicks == 0 {
		limits = DefaultLimits
	}

	defer func() {
		if p := recover(); p != nil {
			err = workererr.New(workererr.ProcessingFailed, fmt.Sprintf("analyzer module panicked: %v", p))
			output = nil
		}
	}()

	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)

	module, modErr := wasmer.NewModule(store, wasmBytes)
	if modErr != nil {
		return nil, workererr.Wrap(modErr, workererr.ProcessingFailed, "compile analyzer module")
	}

	state := &hostState{
		content:        content,
		extensionInput: extensionInput,
		fuelRemaining:  limits.FuelTicks,
		memoryCeiling:  limits.MemoryCeilingBytes,
	}
	imports := registerHost(store, state)

	instance, instErr := wasmer.NewInstance(module, imports)
	if instErr != nil {
		return nil, workererr.Wrap(instErr, workererr.ProcessingFailed, "instantiate analyzer module")
	}
	defer instance.Close()

	mem, memErr := instance.Exports.GetMemory("memory")
	if memErr != nil {
		return nil, workererr.Wrap(memErr, workererr.ProcessingFailed, "analyzer module exports no memory")
	}
	state.mem = mem

	if _, allocErr := instance.Exports.GetFunction("alloc"); allocErr != nil {
		return nil, workererr.Wrap(allocErr, workererr.ProcessingFailed, "analyzer module exports no alloc")
	}
	processFn, procErr := instance.Exports.GetFunction("process")
	if procErr != nil {
		return nil, workererr.Wrap(procErr, workererr.ProcessingFailed, "analyzer module exports no process")
	}

	wallClock := limits.WallClock
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < wallClock {
			wallClock = remaining
		}
	}
	timer := time.AfterFunc(wallClock, func() {
		atomic.StoreInt32(&state.killed, 1)
		store.Close()
	})
	defer timer.Stop()

	raw, callErr := processFn()
	if callErr != nil {
		if atomic.LoadInt32(&state.killed) != 0 {
			return nil, workererr.Wrap(callErr, workererr.Timeout, "analyzer execution exceeded its wall-clock budget")
		}
		return nil, workererr.Wrap(callErr, workererr.ProcessingFailed, "analyzer module trapped")
	}

	ptr, ok := raw.(int32)
	if !ok {
		return nil, workererr.New(workererr.ProcessingFailed, "analyzer process() did not return an i32 pointer")
	}

	return readResult(state.mem, ptr)
}

// readResult decodes process()'s return value: a pointer to a
// little-endian 4-byte length followed by that many UTF-8 JSON bytes.
func readResult(mem *wasmer.Memory, ptr int32) (json.RawMessage, error) {
	data := mem.Data()
	if ptr < 0 || int(ptr)+4 > len(data) {
		return nil, workererr.New(workererr.ProcessingFailed, "analyzer result pointer out of range")
	}
	length := binary.LittleEndian.Uint32(data[ptr : ptr+4])
	start := int(ptr) + 4
	end := start + int(length)
	if length == 0 || end > len(data) {
		return nil, workererr.New(workererr.ProcessingFailed, "analyzer result buffer out of range")
	}

	payload := data[start:end]
	if !utf8.Valid(payload) {
		return nil, workererr.New(workererr.ProcessingFailed, "analyzer result is not valid UTF-8")
	}
	if !json.Valid(payload) {
		return nil, workererr.New(workererr.ProcessingFailed, "analyzer result is not valid JSON")
	}

	out := make(json.RawMessage, len(payload))
	copy(out, payload)
	return out, nil
}

// registerHost builds the five-function "env" import namespace the
// host ABI contract permits. Every function consumes fuel and checks
// the memory ceiling before touching module memory; out-of-range
// module-supplied pointers fail the individual call rather than
// trapping the whole execution (get_extension_input still returns the
// input's true size, the others return 0), matching the contract's
// "any deviation is a runtime failure for that analyzer only" rule —
// trapping is reserved for fuel exhaustion, a memory-ceiling breach,
// and the wall-clock kill.
func registerHost(store *wasmer.Store, state *hostState) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	readModuleBytes := func(ptr, length int32) ([]byte, bool) {
		if ptr < 0 || length < 0 {
			return nil, false
		}
		data := state.mem.Data()
		start, end := int(ptr), int(ptr)+int(length)
		if end > len(data) {
			return nil, false
		}
		out := make([]byte, length)
		copy(out, data[start:end])
		return out, true
	}
	writeModuleBytes := func(ptr int32, data []byte) bool {
		if ptr < 0 {
			return false
		}
		mem := state.mem.Data()
		start, end := int(ptr), int(ptr)+len(data)
		if end > len(mem) {
			return false
		}
		copy(mem[start:end], data)
		return true
	}
	contentSlice := func(offset, length int32) []byte {
		if offset < 0 || int(offset) >= len(state.content) {
			return nil
		}
		end := int(offset) + int(length)
		if end > len(state.content) || end < int(offset) {
			end = len(state.content)
		}
		return state.content[offset:end]
	}

	getContentLength := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := state.consumeFuel(tickDefault); err != nil {
				return nil, err
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(state.content)))}, nil
		},
	)

	readContentChunk := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := state.consumeFuel(tickDefault); err != nil {
				return nil, err
			}
			if err := state.checkMemoryCeiling(); err != nil {
				return nil, err
			}
			offset, length, dst := args[0].I32(), args[1].I32(), args[2].I32()
			chunk := contentSlice(offset, length)
			if chunk == nil || !writeModuleBytes(dst, chunk) {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(chunk)))}, nil
		},
	)

	getExtensionInput := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := state.consumeFuel(tickDefault); err != nil {
				return nil, err
			}
			if err := state.checkMemoryCeiling(); err != nil {
				return nil, err
			}
			if state.extensionInput == nil {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			dst, cap := args[0].I32(), args[1].I32()
			actual := int32(len(state.extensionInput))
			copyLen := cap
			if copyLen > actual {
				copyLen = actual
			}
			if copyLen > 0 && !writeModuleBytes(dst, state.extensionInput[:copyLen]) {
				return []wasmer.Value{wasmer.NewI32(actual)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(actual)}, nil
		},
	)

	hashContent := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32)),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := state.consumeFuel(tickHash); err != nil {
				return nil, err
			}
			if err := state.checkMemoryCeiling(); err != nil {
				return nil, err
			}
			alg, offset, length, dst := args[0].I32(), args[1].I32(), args[2].I32(), args[3].I32()
			data := contentSlice(offset, length)
			if data == nil {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			digest, ok := primitives.Hash(primitives.HashAlg(alg), data)
			if !ok || !writeModuleBytes(dst, digest) {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(digest)))}, nil
		},
	)

	hmacContent := wasmer.NewFunction(store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(
				wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32),
				wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32),
			),
			wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32)),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := state.consumeFuel(tickHMAC); err != nil {
				return nil, err
			}
			if err := state.checkMemoryCeiling(); err != nil {
				return nil, err
			}
			alg := args[0].I32()
			keyPtr, keyLen := args[1].I32(), args[2].I32()
			offset, length, dst := args[3].I32(), args[4].I32(), args[5].I32()

			key, ok := readModuleBytes(keyPtr, keyLen)
			if !ok {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			data := contentSlice(offset, length)
			if data == nil {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			mac, ok := primitives.HMAC(primitives.HashAlg(alg), key, data)
			if !ok || !writeModuleBytes(dst, mac) {
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}
			return []wasmer.Value{wasmer.NewI32(int32(len(mac)))}, nil
		},
	)

	imports.Register("env", map[string]wasmer.IntoExtern{
		"get_content_length":  getContentLength,
		"read_content_chunk":  readContentChunk,
		"get_extension_input": getExtensionInput,
		"hash_content":        hashContent,
		"hmac_content":        hmacContent,
	})
	return imports
}
