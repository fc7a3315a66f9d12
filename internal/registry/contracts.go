package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zerosnacks/fuse-v1/internal/contract"
)

// Network is one allow-listed deployment of the Fuse contracts.
type Network struct {
	ChainID       int64          `json:"chain_id"`
	Name          string         `json:"name"`
	Slug          string         `json:"slug"`
	PoolDirectory common.Address `json:"pool_directory"`
	DefaultRPCURL string         `json:"default_rpc_url"`
}

// Canonical FusePoolDirectory deployments. The local network is a mainnet
// fork and reuses mainnet addresses.
var networksByChainID = map[int64]Network{
	1: {
		ChainID:       1,
		Name:          "Ethereum Mainnet",
		Slug:          "mainnet",
		PoolDirectory: common.HexToAddress("0x835482FE0532f169024d5E9410199369aAD5C77E"),
	},
	42161: {
		ChainID:       42161,
		Name:          "Arbitrum One",
		Slug:          "arbitrum",
		PoolDirectory: common.HexToAddress("0xC7125E3A2925877C7371d579D29dAe4729Ac9033"),
	},
	31337: {
		ChainID:       31337,
		Name:          "Local Mainnet Fork",
		Slug:          "local",
		PoolDirectory: common.HexToAddress("0x835482FE0532f169024d5E9410199369aAD5C77E"),
	},
}

var networkAliases = map[string]int64{
	"mainnet":  1,
	"ethereum": 1,
	"eth":      1,
	"arbitrum": 42161,
	"arb":      42161,
	"local":    31337,
	"hardhat":  31337,
	"anvil":    31337,
}

// UnsupportedNetworkError is returned for chain ids outside the allow-list.
type UnsupportedNetworkError struct {
	ChainID int64
}

func (e *UnsupportedNetworkError) Error() string {
	return fmt.Sprintf("unsupported chain id: %d", e.ChainID)
}

// LookupNetwork returns the network for chainID.
func LookupNetwork(chainID int64) (Network, error) {
	n, ok := networksByChainID[chainID]
	if !ok {
		return Network{}, &UnsupportedNetworkError{ChainID: chainID}
	}
	n.DefaultRPCURL, _ = DefaultRPCURL(chainID)
	return n, nil
}

// Networks lists supported networks ordered by chain id.
func Networks() []Network {
	out := make([]Network, 0, len(networksByChainID))
	for chainID := range networksByChainID {
		n, _ := LookupNetwork(chainID)
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// ParseNetwork accepts a decimal chain id or a network slug. Numeric ids are
// not checked against the allow-list here; Resolve rejects them.
func ParseNetwork(input string) (int64, error) {
	norm := strings.ToLower(strings.TrimSpace(input))
	if norm == "" {
		return 0, fmt.Errorf("network is required")
	}
	if chainID, ok := networkAliases[norm]; ok {
		return chainID, nil
	}
	chainID, err := strconv.ParseInt(norm, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown network %q", input)
	}
	if chainID <= 0 {
		return 0, fmt.Errorf("chain id must be positive, got %d", chainID)
	}
	return chainID, nil
}

// Contracts is the resolved contract set for one network.
type Contracts struct {
	Network       Network
	ABIs          ABIs
	PoolDirectory *contract.Handle
}

// Resolve returns the ABIs and pool directory handle for chainID bound to the
// binder's connection.
func Resolve(chainID int64, binder *contract.Binder) (Contracts, error) {
	network, err := LookupNetwork(chainID)
	if err != nil {
		return Contracts{}, err
	}
	abis, err := ParsedABIs()
	if err != nil {
		return Contracts{}, fmt.Errorf("parse contract abis: %w", err)
	}
	return Contracts{
		Network:       network,
		ABIs:          abis,
		PoolDirectory: binder.Bind("FusePoolDirectory", network.PoolDirectory, abis.FusePoolDirectory),
	}, nil
}
