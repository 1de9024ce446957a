// Package chain holds the per-network balance adapters and the error
// taxonomy they share.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"walletsync/pkg/models"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrTimeout            = errors.New("request timed out")
)

// RPCError is a well-formed error response from a node.
type RPCError struct {
	Network models.Network
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s rpc error %d: %s", e.Network, e.Code, e.Message)
}

// Adapter fetches balances for one network.
type Adapter interface {
	Network() models.Network
	ValidateAddress(address string) error
	// Canonical returns the one spelling of a valid address that wallet ids
	// are derived from.
	Canonical(address string) string
	FetchBalances(ctx context.Context, address string) ([]models.RawBalance, error)
	// Probe checks connectivity and returns a chain identifier.
	Probe(ctx context.Context) (string, error)
}

// Classify maps a client error onto the adapter error set. Errors already
// in the set pass through unchanged.
func Classify(network models.Network, err error) error {
	if err == nil {
		return nil
	}

	var rpcErr *RPCError
	if errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, ErrTimeout) || errors.As(err, &rpcErr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", network, ErrTimeout)
	}

	var solErr *jsonrpc.RPCError
	if errors.As(err, &solErr) {
		return &RPCError{Network: network, Code: solErr.Code, Message: solErr.Message}
	}

	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Errorf("%s: http %d: %w", network, httpErr.StatusCode, ErrNetworkUnavailable)
	}

	var gethErr gethrpc.Error
	if errors.As(err, &gethErr) {
		return &RPCError{Network: network, Code: gethErr.ErrorCode(), Message: gethErr.Error()}
	}

	return fmt.Errorf("%s: %w: %w", network, err, ErrNetworkUnavailable)
}

// classifyCtx treats any failure after the caller's deadline as a timeout,
// whatever the client library wrapped it in.
func classifyCtx(ctx context.Context, network models.Network, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", network, ErrTimeout)
	}
	return Classify(network, err)
}

// Registry maps networks to adapters.
type Registry struct {
	adapters map[models.Network]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Network]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Network()] = a
}

func (r *Registry) Get(n models.Network) (Adapter, bool) {
	a, ok := r.adapters[n]
	return a, ok
}

// Networks returns the registered networks in name order.
func (r *Registry) Networks() []models.Network {
	out := make([]models.Network, 0, len(r.adapters))
	for n := range r.adapters {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
