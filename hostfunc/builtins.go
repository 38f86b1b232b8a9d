package hostfunc

import (
	"context"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// BuiltinNamespace is the namespace RegisterBuiltins installs into.
const BuiltinNamespace = "env"

// AbortError is raised when a guest calls env.abort. The fields are the raw
// AssemblyScript arguments: message and file name pointers, line and column.
type AbortError struct {
	Message uint32
	File    uint32
	Line    uint32
	Column  uint32
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("guest aborted at %d:%d (message@%d file@%d)", e.Line, e.Column, e.Message, e.File)
}

// RegisterBuiltins installs the "env" namespace into r:
//
//	now_ms() -> i64            wall clock in milliseconds
//	log_i32(i32)               logs a value at info level
//	log_i64(i64)               logs a value at info level
//	abort(i32, i32, i32, i32)  traps the guest with an AbortError
func RegisterBuiltins(r *Registry, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	r.Register(BuiltinNamespace, "now_ms", func() int64 {
		return time.Now().UnixMilli()
	})
	r.Register(BuiltinNamespace, "log_i32", func(_ context.Context, v int32) {
		logger.Info("guest log", zap.Int32("value", v))
	})
	r.Register(BuiltinNamespace, "log_i64", func(_ context.Context, v int64) {
		logger.Info("guest log", zap.Int64("value", v))
	})
	r.Register(BuiltinNamespace, "abort", Func{
		Params: []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32},
		Fn: func(_ context.Context, _ api.Module, stack []uint64) {
			err := &AbortError{
				Message: api.DecodeU32(stack[0]),
				File:    api.DecodeU32(stack[1]),
				Line:    api.DecodeU32(stack[2]),
				Column:  api.DecodeU32(stack[3]),
			}
			logger.Warn("guest abort", zap.Error(err))
			panic(err)
		},
	})
}
