package api

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-chi/chi/v5"

	"github.com/cuemby/wapod/pkg/blobs"
	"github.com/cuemby/wapod/pkg/instance"
	"github.com/cuemby/wapod/pkg/prpc"
	"github.com/cuemby/wapod/pkg/service"
	"github.com/cuemby/wapod/pkg/types"
)

// RequestHead is the serialized head of a streaming vm connection
type RequestHead struct {
	Method  string              `cbor:"1,keyasint" json:"method"`
	Path    string              `cbor:"2,keyasint" json:"path"`
	Query   string              `cbor:"3,keyasint" json:"query"`
	Headers map[string][]string `cbor:"4,keyasint" json:"headers"`
}

// readBody reads at most limit bytes, mapping overruns to 413
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	if r.Body == nil {
		return nil, true
	}
	reader := http.MaxBytesReader(w, r.Body, limit)
	data, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Entity too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "Read body failed", http.StatusServiceUnavailable)
		}
		return nil, false
	}
	return data, true
}

// handlePushQuery delivers a body to an instance and relays its reply
func (a *App) handlePushQuery(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddressParam(r)
	if err != nil {
		http.Error(w, "Invalid address", http.StatusBadRequest)
		return
	}

	var origin *types.AccountID
	if raw := chi.URLParam(r, "origin"); raw != "" {
		account, err := types.ParseAccountID(raw)
		if err != nil {
			http.Error(w, "Failed to decode the origin", http.StatusBadRequest)
			return
		}
		origin = &account
	}

	payload, ok := readBody(w, r, a.cfg.Admin.QueryPayloadLimit)
	if !ok {
		return
	}

	replyTx := make(chan []byte, 1)
	cmd := instance.PushQuery{
		Origin:  origin,
		Payload: payload,
		ReplyTx: replyTx,
		Cancel:  r.Context().Done(),
	}
	if err := a.service.Send(address, cmd); err != nil {
		writeSendError(w, err)
		return
	}

	select {
	case reply := <-replyTx:
		w.Write(reply)
	case <-r.Context().Done():
		http.Error(w, "Failed to receive query reply from the VM", http.StatusInternalServerError)
	}
}

// handleConnectVM opens a streaming duplex channel into the instance
func (a *App) handleConnectVM(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddressParam(r)
	if err != nil {
		http.Error(w, "Invalid address", http.StatusBadRequest)
		return
	}
	if a.service.SenderFor(address) == nil {
		http.Error(w, "", http.StatusNotFound)
		return
	}

	head, err := cbor.Marshal(&RequestHead{
		Method:  r.Method,
		Path:    "/" + chi.URLParam(r, "*"),
		Query:   r.URL.RawQuery,
		Headers: r.Header,
	})
	if err != nil {
		http.Error(w, "Failed to encode request head", http.StatusInternalServerError)
		return
	}

	hostConn, guestConn := net.Pipe()
	defer hostConn.Close()

	cmd := instance.HTTPConnect{Head: head, GuestConn: guestConn}
	if err := a.service.Send(address, cmd); err != nil {
		guestConn.Close()
		writeSendError(w, err)
		return
	}

	// Feed the request body to the guest. The half-close below applies only
	// to connections with CloseWrite; net.Pipe has none, so the guest sees
	// no EOF after the body and the stream ends when either side closes.
	go func() {
		if r.Body != nil {
			io.Copy(hostConn, r.Body)
		}
		if cw, ok := hostConn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}()

	// Stream the guest's bytes out as they arrive
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := hostConn.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// handleStop stops the instance and waits for its exit
func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	address, err := parseAddressParam(r)
	if err != nil {
		http.Error(w, "Invalid address", http.StatusBadRequest)
		return
	}

	a.logger.Info().Str("instance", address.ShortID()).Msg("Stopping VM")
	if err := a.service.Stop(address); err != nil {
		http.Error(w, "Instance not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInfo reports running and deployed counts
func (a *App) handleInfo(w http.ResponseWriter, r *http.Request) {
	info := a.service.Info()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"running":%d,"deployed":%d}`, info.Running, info.Deployed)
}

// handleObjectPut stores a blob under its declared hash
func (a *App) handleObjectPut(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(chi.URLParam(r, "hash"), "0x")
	hash, err := hex.DecodeString(raw)
	if err != nil {
		http.Error(w, "Invalid hash", http.StatusBadRequest)
		return
	}

	alg := types.HashAlgorithm(r.URL.Query().Get("type"))
	if alg == "" {
		alg = types.HashBlake2b256
	}

	body := http.MaxBytesReader(w, r.Body, a.cfg.Admin.ObjectSizeLimit)
	if err := a.store.Put(hash, body, alg); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to put object")
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, blobs.ErrTooLarge), errors.As(err, &tooLarge):
			http.Error(w, "Entity too large", http.StatusRequestEntityTooLarge)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleObjectGet serves a blob by its hex id
func (a *App) handleObjectGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := hex.DecodeString(id); err != nil {
		http.Error(w, "Object not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, filepath.Join(a.store.Dir(), id))
}

// prpcHandler adapts a dispatcher onto the /prpc/{method} route
func (a *App) prpcHandler(svc *prpc.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := chi.URLParam(r, "method")

		var payload []byte
		if r.Method == http.MethodPost {
			var ok bool
			payload, ok = readBody(w, r, a.cfg.Admin.ObjectSizeLimit)
			if !ok {
				return
			}
		}

		asJSON := r.URL.Query().Has("json") ||
			strings.Contains(r.Header.Get("Content-Type"), "application/json") ||
			r.Method == http.MethodGet

		code, body := svc.Dispatch(method, payload, asJSON)
		if asJSON {
			w.Header().Set("Content-Type", "application/json")
		} else {
			w.Header().Set("Content-Type", "application/octet-stream")
		}
		w.WriteHeader(code)
		w.Write(body)
	}
}

func writeSendError(w http.ResponseWriter, err error) {
	var sendErr *service.SendError
	if errors.As(err, &sendErr) {
		http.Error(w, sendErr.Reason, sendErr.Code)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
