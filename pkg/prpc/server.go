package prpc

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/wapod/pkg/log"
)

// Method handles one RPC: it decodes its request from payload (in the
// selected encoding) and returns its response record.
type Method func(payload []byte, asJSON bool) (any, error)

// Service is a named-method dispatcher. Method names are strings like
// "Admin.Deploy"; both the binary and JSON transport encodings are
// served by the same handlers.
type Service struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	methods map[string]Method
}

// NewService creates an empty dispatcher
func NewService(name string) *Service {
	return &Service{
		logger:  log.WithComponent("prpc-" + name),
		methods: make(map[string]Method),
	}
}

// Register installs a method handler
func (s *Service) Register(name string, method Method) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = method
}

// Methods lists the registered method names, sorted
func (s *Service) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.methods))
	for name := range s.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// errorBody is the serialized form of a dispatch failure
type errorBody struct {
	Error string `cbor:"1,keyasint" json:"error"`
}

// Dispatch runs a method and returns the HTTP-style status code and the
// encoded response. Failures are encoded in the same transport encoding
// as the request.
func (s *Service) Dispatch(name string, payload []byte, asJSON bool) (int, []byte) {
	s.mu.RLock()
	method, ok := s.methods[name]
	s.mu.RUnlock()

	if !ok {
		return s.fail(&Error{Kind: KindNotFound, Message: "Method Not Found"}, asJSON)
	}

	s.logger.Debug().Str("method", name).Msg("Dispatching request")
	response, err := method(payload, asJSON)
	if err != nil {
		var rpcErr *Error
		if !errors.As(err, &rpcErr) {
			// Unspecified server failures map to AppError
			rpcErr = &Error{Kind: KindAppError, Message: err.Error()}
		}
		s.logger.Error().Str("method", name).Err(err).Msg("Rpc error")
		return s.fail(rpcErr, asJSON)
	}

	var body []byte
	if asJSON {
		body, err = EncodeJSON(response)
	} else {
		body, err = EncodeMessage(response)
	}
	if err != nil {
		s.logger.Error().Str("method", name).Err(err).Msg("Failed to encode response")
		return s.fail(&Error{Kind: KindAppError, Message: "Failed to encode the response"}, asJSON)
	}
	return 200, body
}

func (s *Service) fail(rpcErr *Error, asJSON bool) (int, []byte) {
	record := errorBody{Error: rpcErr.Error()}
	var body []byte
	var err error
	if asJSON {
		body, err = EncodeJSON(&record)
	} else {
		body, err = EncodeMessage(&record)
	}
	if err != nil {
		body = []byte(`{"error": "Failed to encode the error"}`)
	}
	return rpcErr.HTTPStatus(), body
}
