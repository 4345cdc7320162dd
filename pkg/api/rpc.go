package api

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/wapod/pkg/blobs"
	"github.com/cuemby/wapod/pkg/engine"
	"github.com/cuemby/wapod/pkg/events"
	"github.com/cuemby/wapod/pkg/instance"
	"github.com/cuemby/wapod/pkg/prpc"
	"github.com/cuemby/wapod/pkg/service"
	"github.com/cuemby/wapod/pkg/types"
	"github.com/cuemby/wapod/pkg/worker"
)

// queryReplyTimeout bounds how long a prpc query waits for the guest
const queryReplyTimeout = 60 * time.Second

// newAdminService registers the Admin RPC surface
func newAdminService(a *App) *prpc.Service {
	svc := prpc.NewService("admin")

	svc.Register("Admin.Init", func(payload []byte, asJSON bool) (any, error) {
		req, err := prpc.DecodeRequest[prpc.InitRequest](payload, asJSON)
		if err != nil {
			return nil, err
		}
		session, err := a.worker.Init(req.Salt)
		if err != nil {
			if errors.Is(err, worker.ErrSaltTooLong) {
				return nil, prpc.BadRequest("Salt too long")
			}
			return nil, err
		}
		a.emit(events.EventWorkerInit, "worker session initialized", map[string]string{
			"session": session.Hex(),
		})
		return &prpc.InitResponse{
			Session:   session,
			PublicKey: a.worker.Public(),
		}, nil
	})

	svc.Register("Admin.Deploy", func(payload []byte, asJSON bool) (any, error) {
		req, err := prpc.DecodeRequest[prpc.DeployRequest](payload, asJSON)
		if err != nil {
			return nil, err
		}
		inst, err := a.service.Deploy(&req.Manifest, true)
		if err != nil {
			switch {
			case errors.Is(err, service.ErrResourceExhausted):
				return nil, prpc.BadRequest("%s", err)
			case errors.Is(err, service.ErrCodeNotFound):
				return nil, prpc.NotFound("%s", err)
			case errors.Is(err, engine.ErrABIUnsupported),
				errors.Is(err, engine.ErrMemoryLimit):
				return nil, prpc.BadRequest("%s", err)
			}
			return nil, err
		}
		return &prpc.DeployResponse{
			Address: inst.Address(),
			Session: inst.Session(),
		}, nil
	})

	svc.Register("Admin.Start", func(payload []byte, asJSON bool) (any, error) {
		address, err := decodeAddress(payload, asJSON)
		if err != nil {
			return nil, err
		}
		if err := a.service.StartInstance(address); err != nil {
			return nil, mapSendError(err)
		}
		return &prpc.Empty{}, nil
	})

	svc.Register("Admin.Stop", func(payload []byte, asJSON bool) (any, error) {
		address, err := decodeAddress(payload, asJSON)
		if err != nil {
			return nil, err
		}
		// Stopping an already-stopped instance is success
		if err := a.service.Stop(address); err != nil {
			var sendErr *service.SendError
			if errors.As(err, &sendErr) && sendErr.Code == 404 {
				return &prpc.Empty{}, nil
			}
			return nil, err
		}
		return &prpc.Empty{}, nil
	})

	svc.Register("Admin.Remove", func(payload []byte, asJSON bool) (any, error) {
		address, err := decodeAddress(payload, asJSON)
		if err != nil {
			return nil, err
		}
		a.service.Remove(address)
		return &prpc.Empty{}, nil
	})

	svc.Register("Admin.Metrics", func(payload []byte, asJSON bool) (any, error) {
		req, err := prpc.DecodeRequest[prpc.MetricsRequest](payload, asJSON)
		if err != nil {
			return nil, err
		}
		var addresses []types.Address
		for _, raw := range req.Addresses {
			address, err := types.ParseAddress(raw)
			if err != nil {
				return nil, prpc.BadRequest("invalid address %q", raw)
			}
			addresses = append(addresses, address)
		}
		signed, err := a.worker.SignMetrics(a.service.Metrics(addresses...), req.Nonce)
		if err != nil {
			if errors.Is(err, worker.ErrNotInitialized) {
				return nil, prpc.BadRequest("%s", err)
			}
			return nil, err
		}
		return &prpc.MetricsResponse{Signed: *signed}, nil
	})

	svc.Register("Admin.PutObject", func(payload []byte, asJSON bool) (any, error) {
		req, err := prpc.DecodeRequest[prpc.PutObjectRequest](payload, asJSON)
		if err != nil {
			return nil, err
		}
		if err := a.store.Put(req.Hash, bytes.NewReader(req.Body), req.Algorithm); err != nil {
			if errors.Is(err, blobs.ErrHashMismatch) || errors.Is(err, blobs.ErrTooLarge) {
				return nil, prpc.BadRequest("%s", err)
			}
			return nil, err
		}
		a.emit(events.EventObjectStored, "object stored", map[string]string{
			"hash": fmt.Sprintf("%x", req.Hash),
		})
		return &prpc.Empty{}, nil
	})

	svc.Register("Admin.ObjectExists", func(payload []byte, asJSON bool) (any, error) {
		req, err := prpc.DecodeRequest[prpc.ObjectRequest](payload, asJSON)
		if err != nil {
			return nil, err
		}
		return &prpc.ObjectExistsResponse{Exists: a.store.Exists(req.Hash)}, nil
	})

	svc.Register("Admin.RemoveObject", func(payload []byte, asJSON bool) (any, error) {
		req, err := prpc.DecodeRequest[prpc.ObjectRequest](payload, asJSON)
		if err != nil {
			return nil, err
		}
		if err := a.store.Remove(req.Hash); err != nil {
			return nil, err
		}
		a.emit(events.EventObjectRemoved, "object removed", map[string]string{
			"hash": fmt.Sprintf("%x", req.Hash),
		})
		return &prpc.Empty{}, nil
	})

	svc.Register("Admin.Exit", func(payload []byte, asJSON bool) (any, error) {
		a.requestExit(0)
		return &prpc.Empty{}, nil
	})

	svc.Register("Admin.Info", func(payload []byte, asJSON bool) (any, error) {
		return a.infoResponse(), nil
	})

	return svc
}

// newUserService registers the User RPC surface
func newUserService(a *App) *prpc.Service {
	svc := prpc.NewService("user")

	svc.Register("User.Query", func(payload []byte, asJSON bool) (any, error) {
		req, err := prpc.DecodeRequest[prpc.QueryRequest](payload, asJSON)
		if err != nil {
			return nil, err
		}
		address, err := types.ParseAddress(req.Address)
		if err != nil {
			return nil, prpc.BadRequest("invalid address")
		}
		var origin *types.AccountID
		if req.Origin != "" {
			account, err := types.ParseAccountID(req.Origin)
			if err != nil {
				return nil, prpc.BadRequest("failed to decode the origin")
			}
			origin = &account
		}

		replyTx := make(chan []byte, 1)
		cancel := make(chan struct{})
		defer close(cancel)
		err = a.service.Send(address, instance.PushQuery{
			Origin:  origin,
			Payload: req.Payload,
			ReplyTx: replyTx,
			Cancel:  cancel,
		})
		if err != nil {
			return nil, mapSendError(err)
		}
		select {
		case reply := <-replyTx:
			return &prpc.QueryResponse{Payload: reply}, nil
		case <-time.After(queryReplyTimeout):
			return nil, prpc.ContractQueryError("timed out waiting for the query reply")
		}
	})

	svc.Register("User.Info", func(payload []byte, asJSON bool) (any, error) {
		return a.infoResponse(), nil
	})

	return svc
}

func (a *App) infoResponse() *prpc.InfoResponse {
	info := a.service.Info()
	return &prpc.InfoResponse{
		Running:     info.Running,
		Deployed:    info.Deployed,
		Session:     a.worker.Session(),
		Initialized: a.worker.Initialized(),
	}
}

func decodeAddress(payload []byte, asJSON bool) (types.Address, error) {
	req, err := prpc.DecodeRequest[prpc.AddressRequest](payload, asJSON)
	if err != nil {
		return types.Address{}, err
	}
	address, err := types.ParseAddress(req.Address)
	if err != nil {
		return types.Address{}, prpc.BadRequest("invalid address")
	}
	return address, nil
}

func mapSendError(err error) error {
	var sendErr *service.SendError
	if errors.As(err, &sendErr) {
		if sendErr.Code == 404 {
			return prpc.NotFound("%s", sendErr.Reason)
		}
		return prpc.AppError("%s", sendErr.Reason)
	}
	return err
}
