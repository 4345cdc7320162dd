package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/wasmerio/wasmer-go/wasmer"
	"golang.org/x/crypto/blake2b"

	"github.com/cuemby/wapod/pkg/log"
	"github.com/cuemby/wapod/pkg/metrics"
	"github.com/cuemby/wapod/pkg/types"
)

// CurrentABIVersion is the newest host-call ABI this engine provides.
// Manifests demanding a newer version are rejected at deploy time.
const CurrentABIVersion uint32 = 0

// ErrABIUnsupported is returned when a manifest demands a newer ABI
var ErrABIUnsupported = errors.New("unsupported abi version")

// ErrMemoryLimit is returned when a module declares more linear memory
// than the configured cap allows
var ErrMemoryLimit = errors.New("module exceeds memory page limit")

// Config controls one instantiation
type Config struct {
	// MaxMemoryPages caps linear-memory growth (64 KiB pages)
	MaxMemoryPages uint32
	// ABIVersion selects the host-call namespace the module linked against
	ABIVersion uint32
	// MaxGas is forwarded to the instance env, 0 meaning unlimited
	MaxGas uint64
}

// DefaultMaxMemoryPages caps linear memory at 16 MiB
const DefaultMaxMemoryPages = 256

// Engine wraps the bytecode compiler and a compiled-module cache keyed by
// content hash. A module is compiled once per hash for the lifetime of
// the worker; concurrent compiles of the same hash serialize and share
// the result.
type Engine struct {
	inner  *wasmer.Engine
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[types.Bytes32]*Module
}

// Module is one compiled artifact
type Module struct {
	hash   types.Bytes32
	store  *wasmer.Store
	module *wasmer.Module

	// instantiation through one store is serialized
	mu sync.Mutex
}

// Hash returns the content hash the module was compiled from
func (m *Module) Hash() types.Bytes32 {
	return m.hash
}

// New creates an engine with an empty module cache
func New() *Engine {
	return &Engine{
		inner:  wasmer.NewEngine(),
		logger: log.WithComponent("engine"),
		cache:  make(map[types.Bytes32]*Module),
	}
}

// Compile compiles bytecode, memoized by its blake2b-256 content hash
func (e *Engine) Compile(code []byte) (*Module, error) {
	hash := types.Bytes32(blake2b.Sum256(code))

	e.mu.Lock()
	defer e.mu.Unlock()

	if cached, ok := e.cache[hash]; ok {
		metrics.ModuleCacheHits.Inc()
		return cached, nil
	}

	store := wasmer.NewStore(e.inner)
	module, err := wasmer.NewModule(store, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	compiled := &Module{hash: hash, store: store, module: module}
	e.cache[hash] = compiled
	metrics.ModulesCompiled.Inc()

	e.logger.Debug().Str("hash", hash.Hex()).Msg("Compiled module")
	return compiled, nil
}

// CachedModules returns the number of compiled artifacts held
func (e *Engine) CachedModules() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// limitMaxUnbound is the sentinel wasmer reports for "no declared max"
const limitMaxUnbound = ^uint32(0)

// checkMemoryLimits rejects modules whose declared memories could grow
// past the configured page cap.
func checkMemoryLimits(module *wasmer.Module, maxPages uint32) error {
	check := func(memType *wasmer.MemoryType) error {
		if memType == nil {
			return nil
		}
		limits := memType.Limits()
		max := limits.Maximum()
		if max == limitMaxUnbound || max > maxPages {
			return fmt.Errorf("%w: declared max %d pages, cap %d", ErrMemoryLimit, max, maxPages)
		}
		if limits.Minimum() > maxPages {
			return fmt.Errorf("%w: declared min %d pages, cap %d", ErrMemoryLimit, limits.Minimum(), maxPages)
		}
		return nil
	}

	for _, imp := range module.Imports() {
		if err := check(imp.Type().IntoMemoryType()); err != nil {
			return err
		}
	}
	for _, exp := range module.Exports() {
		if err := check(exp.Type().IntoMemoryType()); err != nil {
			return err
		}
	}
	return nil
}
