package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrUnknownChain is returned when a receipt is requested for a chain ID the
// client pool was not dialed for.
var ErrUnknownChain = errors.New("unknown chain id")

// ClientPool holds one ethclient per configured chain.  Clients are dialed
// once at startup and shared read-only across all verifier workers.
type ClientPool struct {
	clients map[uint64]*ethclient.Client
}

// Dial connects to the RPC endpoint of every chain in the registry.  Startup
// fails if any endpoint is unreachable; a half-configured verifier would
// silently fail every payment on the missing chain.
func Dial(ctx context.Context, reg *Registry) (*ClientPool, error) {
	pool := &ClientPool{clients: make(map[uint64]*ethclient.Client)}
	for _, id := range reg.ChainIDs() {
		cc, _ := reg.Chain(id)
		cl, err := ethclient.DialContext(ctx, cc.RPCURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("chain %d (%s): dial %s: %w", id, cc.Name, cc.RPCURL, err)
		}
		pool.clients[id] = cl
	}
	return pool, nil
}

// TransactionReceipt fetches the receipt for a transaction hash.  A nil
// receipt with nil error means the node has not indexed the transaction yet;
// callers poll until a receipt appears or their retry budget runs out.
func (p *ClientPool) TransactionReceipt(ctx context.Context, chainID uint64, hash common.Hash) (*types.Receipt, error) {
	cl, ok := p.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	rcpt, err := cl.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rcpt, nil
}

// BlockNumber returns the current head block of a chain.  Used to decide
// whether a receipt has enough confirmations behind it.
func (p *ClientPool) BlockNumber(ctx context.Context, chainID uint64) (uint64, error) {
	cl, ok := p.clients[chainID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	return cl.BlockNumber(ctx)
}

// Close releases every underlying RPC connection.
func (p *ClientPool) Close() {
	for _, cl := range p.clients {
		cl.Close()
	}
}
