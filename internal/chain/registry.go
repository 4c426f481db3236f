// Package chain holds the static chain/token registry and the RPC client
// used by the transaction verifier.  The registry is loaded once at startup
// and never mutated afterwards, so it is safe for unsynchronized concurrent
// reads from request handlers and verifier workers.
package chain

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veranohaus/booking/internal/model"
)

// TokenConfig describes one stablecoin deployment on one chain.
type TokenConfig struct {
	Address  common.Address // token contract address
	Decimals int32          // base-unit exponent, e.g. 6 for USDC
}

// ChainConfig describes one supported chain.
type ChainConfig struct {
	Name          string
	RPCURL        string
	Confirmations uint64 // blocks behind head before a receipt counts as final
	Tokens        map[model.PaymentToken]TokenConfig
}

// Registry maps chain IDs to their configuration plus the single treasury
// address all payments must be sent to.  Construct it with Load or, in
// tests, with New.
type Registry struct {
	chains   map[uint64]ChainConfig
	treasury common.Address
}

// New builds a registry from an in-memory chain map.  Intended for tests
// and for callers that assemble configuration themselves.
func New(chains map[uint64]ChainConfig, treasury common.Address) *Registry {
	return &Registry{chains: chains, treasury: treasury}
}

// chainFile mirrors the JSON layout of the registry file.  Keys of the top
// level object are decimal chain IDs.
type chainFile map[string]struct {
	Name          string `json:"name"`
	RPCURL        string `json:"rpc_url"`
	Confirmations uint64 `json:"confirmations"`
	Tokens        map[string]struct {
		Address  string `json:"address"`
		Decimals int32  `json:"decimals"`
	} `json:"tokens"`
}

// Load reads the registry from a JSON file.  It validates addresses and
// token symbols eagerly so a malformed file fails startup instead of a
// payment.
func Load(path, treasury string) (*Registry, error) {
	if !common.IsHexAddress(treasury) {
		return nil, fmt.Errorf("chain registry: invalid treasury address %q", treasury)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chain registry: read %s: %w", path, err)
	}
	var file chainFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("chain registry: parse %s: %w", path, err)
	}
	chains := make(map[uint64]ChainConfig, len(file))
	for idStr, cc := range file {
		var id uint64
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil || id == 0 {
			return nil, fmt.Errorf("chain registry: invalid chain id %q", idStr)
		}
		if cc.RPCURL == "" {
			return nil, fmt.Errorf("chain registry: chain %d has no rpc_url", id)
		}
		tokens := make(map[model.PaymentToken]TokenConfig, len(cc.Tokens))
		for sym, tc := range cc.Tokens {
			token, ok := model.ParseToken(sym)
			if !ok {
				return nil, fmt.Errorf("chain registry: chain %d: unknown token %q", id, sym)
			}
			if !common.IsHexAddress(tc.Address) {
				return nil, fmt.Errorf("chain registry: chain %d: invalid %s address %q", id, sym, tc.Address)
			}
			if tc.Decimals <= 0 {
				return nil, fmt.Errorf("chain registry: chain %d: %s decimals must be positive", id, sym)
			}
			tokens[token] = TokenConfig{
				Address:  common.HexToAddress(tc.Address),
				Decimals: tc.Decimals,
			}
		}
		confirmations := cc.Confirmations
		if confirmations == 0 {
			confirmations = 1
		}
		chains[id] = ChainConfig{
			Name:          cc.Name,
			RPCURL:        cc.RPCURL,
			Confirmations: confirmations,
			Tokens:        tokens,
		}
	}
	return &Registry{chains: chains, treasury: common.HexToAddress(treasury)}, nil
}

// Chain returns the configuration for a chain ID.
func (r *Registry) Chain(id uint64) (ChainConfig, bool) {
	cc, ok := r.chains[id]
	return cc, ok
}

// Token returns the token configuration for a (chain, token) pair.  The
// second return value distinguishes an unknown chain from a chain that does
// not carry the requested token.
func (r *Registry) Token(chainID uint64, token model.PaymentToken) (TokenConfig, bool, bool) {
	cc, chainOK := r.chains[chainID]
	if !chainOK {
		return TokenConfig{}, false, false
	}
	tc, tokenOK := cc.Tokens[token]
	return tc, true, tokenOK
}

// Treasury returns the destination address all payments must be sent to.
func (r *Registry) Treasury() common.Address { return r.treasury }

// ChainIDs returns the configured chain IDs.  Used when dialing RPC clients
// at startup.
func (r *Registry) ChainIDs() []uint64 {
	ids := make([]uint64, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	return ids
}
