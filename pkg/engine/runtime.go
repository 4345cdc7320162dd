package engine

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/cuemby/wapod/pkg/ocall"
)

// entryFunc is the guest export every program must provide
const entryFunc = "_start"

// taskEntryFunc is the optional guest export spawn dispatches through
const taskEntryFunc = "wapo_task_entry"

// hostCallGas is the fixed gas charged on entry to every host call except
// gas and now_ms, which do not charge it
const hostCallGas = 100

// Runtime is one live instantiation: fresh linear memory, the guest's
// exported entry points, and the host-call bindings into its Env.
type Runtime struct {
	module   *Module
	instance *wasmer.Instance
	memory   *wasmer.Memory
	env      *ocall.Env

	// runMu serializes guest execution; blocking host calls release it
	runMu sync.Mutex
}

// Instantiate produces a runtime for the module with its own memory and
// resource table. The env's RunLock and StartTask hooks are installed
// here; host imports are registered under the versioned namespace the
// module's ABI selects.
func (e *Engine) Instantiate(module *Module, env *ocall.Env, cfg Config) (*Runtime, error) {
	if cfg.ABIVersion > CurrentABIVersion {
		return nil, fmt.Errorf("%w: manifest wants v%d, engine has v%d",
			ErrABIUnsupported, cfg.ABIVersion, CurrentABIVersion)
	}
	maxPages := cfg.MaxMemoryPages
	if maxPages == 0 {
		maxPages = DefaultMaxMemoryPages
	}
	if err := checkMemoryLimits(module.module, maxPages); err != nil {
		return nil, err
	}

	r := &Runtime{module: module, env: env}
	env.RunLock = &r.runMu
	env.MaxGas = cfg.MaxGas
	env.StartTask = r.startTask

	namespace := fmt.Sprintf("wapo.v%d", cfg.ABIVersion)
	imports := wasmer.NewImportObject()
	imports.Register(namespace, r.hostFunctions(module.store))

	module.mu.Lock()
	instance, err := wasmer.NewInstance(module.module, imports)
	module.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}
	r.instance = instance

	memory, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, fmt.Errorf("module exports no memory: %w", err)
	}
	r.memory = memory

	return r, nil
}

// Start runs the guest entry function to completion. The returned error
// is the trap that unwound the guest, if any.
func (r *Runtime) Start() error {
	entry, err := r.instance.Exports.GetFunction(entryFunc)
	if err != nil {
		return fmt.Errorf("module exports no %s: %w", entryFunc, err)
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()
	if _, err := entry(); err != nil {
		return fmt.Errorf("guest trapped: %w", err)
	}
	return nil
}

// startTask backs the spawn host call: it runs the guest task entry on
// its own goroutine, serialized with all other guest execution by runMu.
func (r *Runtime) startTask(taskIdx int32, done func()) ocall.Errno {
	entry, err := r.instance.Exports.GetFunction(taskEntryFunc)
	if err != nil {
		return ocall.ErrnoInvalidArgument
	}

	go func() {
		defer done()
		r.runMu.Lock()
		defer r.runMu.Unlock()
		if _, err := entry(taskIdx); err != nil {
			r.env.Logger.Debug().Err(err).Int32("task", taskIdx).Msg("guest task trapped")
		}
	}()
	return ocall.ErrnoOK
}

// mem returns the current view of linear memory. Fetched per access; the
// backing array moves when the guest grows memory.
func (r *Runtime) mem() []byte {
	return r.memory.Data()
}

// memRead copies a guest region out of linear memory
func (r *Runtime) memRead(ptr, length int32) ([]byte, ocall.Errno) {
	if ptr < 0 || length < 0 {
		return nil, ocall.ErrnoInvalidArgument
	}
	data := r.mem()
	end := int64(ptr) + int64(length)
	if end > int64(len(data)) {
		return nil, ocall.ErrnoInvalidArgument
	}
	out := make([]byte, length)
	copy(out, data[ptr:end])
	return out, ocall.ErrnoOK
}

// memWrite copies host bytes into a guest region
func (r *Runtime) memWrite(ptr int32, payload []byte) ocall.Errno {
	if ptr < 0 {
		return ocall.ErrnoInvalidArgument
	}
	data := r.mem()
	end := int64(ptr) + int64(len(payload))
	if end > int64(len(data)) {
		return ocall.ErrnoInvalidArgument
	}
	copy(data[ptr:end], payload)
	return ocall.ErrnoOK
}

// copyOut implements the shared result convention for variable-size
// payloads: the full length is returned, and at most cap bytes are
// written, so a zero-cap call sizes a follow-up buffer.
func (r *Runtime) copyOut(payload []byte, ptr, capacity int32) ([]wasmer.Value, error) {
	if capacity > 0 {
		n := len(payload)
		if int32(n) > capacity {
			n = int(capacity)
		}
		if errno := r.memWrite(ptr, payload[:n]); errno != ocall.ErrnoOK {
			return errValue(errno), nil
		}
	}
	return okValue(int32(len(payload))), nil
}

func okValue(v int32) []wasmer.Value {
	return []wasmer.Value{wasmer.NewI32(v)}
}

func errValue(errno ocall.Errno) []wasmer.Value {
	return []wasmer.Value{wasmer.NewI32(-int32(errno))}
}

// enter is the host-call prologue: a stopped instance traps at the next
// call boundary, everything else is charged the fixed host-call gas.
func (r *Runtime) enter() error {
	if r.env.Meter.Stopped() {
		return fmt.Errorf("instance stopped")
	}
	if errno := r.env.ChargeGas(hostCallGas); errno != ocall.ErrnoOK {
		return fmt.Errorf("gas quota exhausted")
	}
	return nil
}

func fnType(params, results []wasmer.ValueKind) *wasmer.FunctionType {
	return wasmer.NewFunctionType(
		wasmer.NewValueTypes(params...),
		wasmer.NewValueTypes(results...),
	)
}

var (
	i32      = wasmer.I32
	i64      = wasmer.I64
	sigI32   = []wasmer.ValueKind{i32}
	sigI64   = []wasmer.ValueKind{i64}
	sigEmpty = []wasmer.ValueKind{}
)

// hostFunctions builds the import map of the host-call surface. Each
// function decodes its arguments from linear memory, calls the env, and
// encodes the result back; the guest sees errors as negative returns.
func (r *Runtime) hostFunctions(store *wasmer.Store) map[string]wasmer.IntoExtern {
	fns := map[string]wasmer.IntoExtern{}

	fns["gas"] = wasmer.NewFunction(store, fnType(sigI64, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			gas := uint64(args[0].I64())
			if errno := r.env.ChargeGas(gas); errno != ocall.ErrnoOK {
				// The preemption point for pure compute: unwind here
				return nil, fmt.Errorf("gas quota exhausted")
			}
			return okValue(0), nil
		})

	fns["close"] = wasmer.NewFunction(store, fnType(sigI32, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			if errno := r.env.Close(args[0].I32()); errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return okValue(0), nil
		})

	fns["listen"] = wasmer.NewFunction(store,
		fnType([]wasmer.ValueKind{i32, i32, i32, i32}, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			addrBytes, errno := r.memRead(args[0].I32(), args[1].I32())
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			var cfg *ocall.TLSServerConfig
			if args[3].I32() > 0 {
				cfgBytes, errno := r.memRead(args[2].I32(), args[3].I32())
				if errno != ocall.ErrnoOK {
					return errValue(errno), nil
				}
				cfg = new(ocall.TLSServerConfig)
				if err := cbor.Unmarshal(cfgBytes, cfg); err != nil {
					return errValue(ocall.ErrnoInvalidArgument), nil
				}
			}
			handle, errno := r.env.Listen(string(addrBytes), cfg)
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return okValue(handle), nil
		})

	fns["accept"] = wasmer.NewFunction(store,
		fnType([]wasmer.ValueKind{i32, i32, i32}, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			handle, peer, errno := r.env.Accept(args[0].I32())
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			if args[2].I32() > 0 {
				peerBytes, err := cbor.Marshal(&peer)
				if err != nil || int32(len(peerBytes)) > args[2].I32() {
					r.env.Close(handle)
					return errValue(ocall.ErrnoInvalidArgument), nil
				}
				if errno := r.memWrite(args[1].I32(), peerBytes); errno != ocall.ErrnoOK {
					r.env.Close(handle)
					return errValue(errno), nil
				}
			}
			return okValue(handle), nil
		})

	fns["connect"] = wasmer.NewFunction(store,
		fnType([]wasmer.ValueKind{i32, i32, i32, i32, i32, i32}, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			hostBytes, errno := r.memRead(args[0].I32(), args[1].I32())
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			port := args[2].I32()
			if port <= 0 || port > 0xffff {
				return errValue(ocall.ErrnoInvalidArgument), nil
			}
			useTLS := args[3].I32() != 0
			serverName := ""
			if args[5].I32() > 0 {
				nameBytes, errno := r.memRead(args[4].I32(), args[5].I32())
				if errno != ocall.ErrnoOK {
					return errValue(errno), nil
				}
				serverName = string(nameBytes)
			}
			handle, errno := r.env.Connect(string(hostBytes), uint16(port), useTLS, serverName)
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return okValue(handle), nil
		})

	fns["read"] = wasmer.NewFunction(store,
		fnType([]wasmer.ValueKind{i32, i32, i32}, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			data, errno := r.env.Read(args[0].I32(), args[2].I32())
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			if errno := r.memWrite(args[1].I32(), data); errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return okValue(int32(len(data))), nil
		})

	fns["write"] = wasmer.NewFunction(store,
		fnType([]wasmer.ValueKind{i32, i32, i32}, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			data, errno := r.memRead(args[1].I32(), args[2].I32())
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			n, errno := r.env.Write(args[0].I32(), data)
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return okValue(n), nil
		})

	fns["shutdown"] = wasmer.NewFunction(store, fnType(sigI32, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			if errno := r.env.Shutdown(args[0].I32()); errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return okValue(0), nil
		})

	fns["sleep"] = wasmer.NewFunction(store, fnType(sigI64, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			if errno := r.env.Sleep(args[0].I64()); errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return okValue(0), nil
		})

	fns["now_ms"] = wasmer.NewFunction(store, fnType(sigEmpty, sigI64),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			return []wasmer.Value{wasmer.NewI64(r.env.NowMS())}, nil
		})

	fns["spawn"] = wasmer.NewFunction(store, fnType(sigI32, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			handle, errno := r.env.Spawn(args[0].I32())
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return okValue(handle), nil
		})

	fns["join"] = wasmer.NewFunction(store, fnType(sigI32, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			if errno := r.env.Join(args[0].I32()); errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return okValue(0), nil
		})

	fns["out_send"] = wasmer.NewFunction(store,
		fnType([]wasmer.ValueKind{i32, i32}, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			msg, errno := r.memRead(args[0].I32(), args[1].I32())
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			if errno := r.env.OutgoingSend(msg); errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return okValue(0), nil
		})

	fns["log"] = wasmer.NewFunction(store,
		fnType([]wasmer.ValueKind{i32, i32, i32}, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			msg, errno := r.memRead(args[1].I32(), args[2].I32())
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			r.env.EmitLog(args[0].I32(), string(msg))
			return okValue(0), nil
		})

	fns["query_next"] = wasmer.NewFunction(store, fnType(sigEmpty, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			query, errno := r.env.NextQuery()
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return okValue(r.env.Handles.Alloc(query)), nil
		})

	fns["query_payload"] = wasmer.NewFunction(store,
		fnType([]wasmer.ValueKind{i32, i32, i32}, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			query, errno := r.queryFor(args[0].I32())
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return r.copyOut(query.Payload, args[1].I32(), args[2].I32())
		})

	fns["query_origin"] = wasmer.NewFunction(store,
		fnType([]wasmer.ValueKind{i32, i32}, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			query, errno := r.queryFor(args[0].I32())
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			if query.Origin == nil {
				return okValue(0), nil
			}
			if errno := r.memWrite(args[1].I32(), query.Origin[:]); errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return okValue(1), nil
		})

	fns["query_reply"] = wasmer.NewFunction(store,
		fnType([]wasmer.ValueKind{i32, i32, i32}, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			query, errno := r.queryFor(args[0].I32())
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			reply, errno := r.memRead(args[1].I32(), args[2].I32())
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			if errno := r.env.ReplyQuery(query, reply); errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return okValue(0), nil
		})

	fns["http_next"] = wasmer.NewFunction(store, fnType(sigEmpty, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			handle, errno := r.env.NextHTTP()
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			return okValue(handle), nil
		})

	fns["http_head"] = wasmer.NewFunction(store,
		fnType([]wasmer.ValueKind{i32, i32, i32}, sigI32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := r.enter(); err != nil {
				return nil, err
			}
			res, errno := r.env.Handles.Get(args[0].I32())
			if errno != ocall.ErrnoOK {
				return errValue(errno), nil
			}
			conn, ok := res.(*ocall.HTTPConn)
			if !ok {
				return errValue(ocall.ErrnoBadHandle), nil
			}
			return r.copyOut(conn.Head, args[1].I32(), args[2].I32())
		})

	return fns
}

func (r *Runtime) queryFor(handle int32) (*ocall.Query, ocall.Errno) {
	res, errno := r.env.Handles.Get(handle)
	if errno != ocall.ErrnoOK {
		return nil, errno
	}
	query, ok := res.(*ocall.Query)
	if !ok {
		return nil, ocall.ErrnoBadHandle
	}
	return query, ocall.ErrnoOK
}
