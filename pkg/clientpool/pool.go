// Package clientpool maintains a fixed set of persistent solana-go RPC
// client handles against the primary endpoint. Rotating through reused
// handles spreads requests over their keep-alive connections and avoids
// head-of-line blocking on a single socket.
//
// Methods with a native high-level binding are served directly through a
// pooled handle; any other method, or any error from the pooled call,
// transparently falls back to the request dispatcher. Pool-specific
// failures are never surfaced to the caller.
package clientpool

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/buyve/rpcgate/pkg/dispatch"
)

// DefaultSize is the number of pooled client handles.
const DefaultSize = 8

// errNoBinding marks methods without a native high-level binding.
var errNoBinding = errors.New("no native binding for method")

// Backend handles requests the pool cannot serve natively.
type Backend interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

// Pool is a round-robin set of persistent RPC client handles.
type Pool struct {
	endpoint string
	clients  []*rpc.Client
	index    atomic.Uint64
	fallback Backend
	logger   *zap.Logger
}

// New preallocates size client handles against endpoint. Requests that
// miss the native bindings are routed to fallback.
func New(endpoint string, size int, fallback Backend, logger *zap.Logger) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	clients := make([]*rpc.Client, size)
	for i := range clients {
		clients[i] = rpc.New(endpoint)
	}
	return &Pool{
		endpoint: endpoint,
		clients:  clients,
		fallback: fallback,
		logger:   logger,
	}
}

// Get returns the next pooled client handle in rotation.
func (p *Pool) Get() *rpc.Client {
	i := p.index.Add(1) - 1
	return p.clients[i%uint64(len(p.clients))]
}

// Size returns the number of pooled handles.
func (p *Pool) Size() int {
	return len(p.clients)
}

// Endpoint returns the endpoint the pooled handles are bound to.
func (p *Pool) Endpoint() string {
	return p.endpoint
}

// Serve handles req through a pooled client when the method has a native
// binding, falling back to the dispatcher otherwise or on any error from
// the pooled call.
func (p *Pool) Serve(ctx context.Context, req dispatch.Request) (*dispatch.Response, error) {
	result, err := p.native(ctx, req)
	if err != nil {
		if !errors.Is(err, errNoBinding) {
			p.logger.Debug("pooled call failed, using dispatcher",
				zap.String("method", req.Method),
				zap.Error(err))
		}
		return p.fallback.Dispatch(ctx, req)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return p.fallback.Dispatch(ctx, req)
	}
	return &dispatch.Response{
		JSONRPC:  dispatch.JSONRPCVersion,
		ID:       req.ID,
		Result:   raw,
		Endpoint: p.endpoint,
	}, nil
}

// native serves req through a pooled handle when a high-level binding
// exists for the method.
func (p *Pool) native(ctx context.Context, req dispatch.Request) (interface{}, error) {
	client := p.Get()

	switch req.Method {
	case "getSlot":
		return client.GetSlot(ctx, commitmentFromParams(req.Params))

	case "getBlockHeight":
		return client.GetBlockHeight(ctx, commitmentFromParams(req.Params))

	case "getHealth":
		return client.GetHealth(ctx)

	case "getVersion":
		return client.GetVersion(ctx)

	case "getBalance":
		account, err := accountFromParams(req.Params)
		if err != nil {
			return nil, err
		}
		return client.GetBalance(ctx, account, commitmentFromParams(req.Params))

	default:
		return nil, errNoBinding
	}
}

// commitmentFromParams extracts a commitment option from a JSON-RPC
// params array, defaulting to finalized.
func commitmentFromParams(params json.RawMessage) rpc.CommitmentType {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil {
		return rpc.CommitmentFinalized
	}
	var opts struct {
		Commitment string `json:"commitment"`
	}
	for _, arg := range args {
		if err := json.Unmarshal(arg, &opts); err == nil && opts.Commitment != "" {
			return rpc.CommitmentType(opts.Commitment)
		}
	}
	return rpc.CommitmentFinalized
}

// accountFromParams extracts the leading pubkey argument.
func accountFromParams(params json.RawMessage) (solana.PublicKey, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(params, &args); err != nil || len(args) == 0 {
		return solana.PublicKey{}, errors.New("missing account parameter")
	}
	var account string
	if err := json.Unmarshal(args[0], &account); err != nil {
		return solana.PublicKey{}, errors.New("invalid account parameter")
	}
	return solana.PublicKeyFromBase58(account)
}
