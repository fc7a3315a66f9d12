// Package fuse reads Fuse lending-protocol state: the pool directory,
// comptrollers and their markets.
package fuse

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/zerosnacks/fuse-v1/internal/contract"
	"github.com/zerosnacks/fuse-v1/internal/registry"
)

// Logger is the structured logger the client reports through.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}

type Config struct {
	ChainID int64
	Caller  ethereum.ContractCaller
	// Recorder observes every contract call. Optional.
	Recorder contract.Recorder
	Logger   Logger
	// MaxConcurrency bounds in-flight dependent calls of one aggregation.
	// Zero means unbounded.
	MaxConcurrency int
}

type Client struct {
	network        registry.Network
	abis           registry.ABIs
	binder         *contract.Binder
	directory      *contract.Handle
	log            Logger
	maxConcurrency int
	now            func() time.Time
}

// New validates the network and resolves its contracts. It fails with
// *UnsupportedNetworkError for chain ids outside the allow-list.
func New(cfg Config) (*Client, error) {
	if cfg.Caller == nil {
		return nil, errors.New("fuse: nil contract caller")
	}
	if cfg.MaxConcurrency < 0 {
		return nil, errors.New("fuse: max concurrency must not be negative")
	}
	binder := contract.NewBinder(cfg.Caller, cfg.Recorder)
	contracts, err := registry.Resolve(cfg.ChainID, binder)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = nopLogger{}
	}
	return &Client{
		network:        contracts.Network,
		abis:           contracts.ABIs,
		binder:         binder,
		directory:      contracts.PoolDirectory,
		log:            log,
		maxConcurrency: cfg.MaxConcurrency,
		now:            time.Now,
	}, nil
}

func (c *Client) Network() registry.Network { return c.network }

// Comptroller returns a fresh handle for the comptroller at address.
func (c *Client) Comptroller(address common.Address) *contract.Handle {
	return c.binder.Bind("Comptroller", address, c.abis.Comptroller)
}

// CErc20Delegate returns a fresh handle for the market at address.
func (c *Client) CErc20Delegate(address common.Address) *contract.Handle {
	return c.binder.Bind("CErc20Delegate", address, c.abis.CErc20Delegate)
}

func (c *Client) AllMarketsByComptroller(ctx context.Context, comptroller common.Address) ([]common.Address, error) {
	return c.comptrollerAddresses(ctx, comptroller, "getAllMarkets")
}

func (c *Client) AllBorrowersByComptroller(ctx context.Context, comptroller common.Address) ([]common.Address, error) {
	return c.comptrollerAddresses(ctx, comptroller, "getAllBorrowers")
}

func (c *Client) WhitelistByComptroller(ctx context.Context, comptroller common.Address) ([]common.Address, error) {
	return c.comptrollerAddresses(ctx, comptroller, "getWhitelist")
}

func (c *Client) RewardsDistributorsByComptroller(ctx context.Context, comptroller common.Address) ([]common.Address, error) {
	return c.comptrollerAddresses(ctx, comptroller, "getRewardsDistributors")
}

func (c *Client) comptrollerAddresses(ctx context.Context, comptroller common.Address, method string) ([]common.Address, error) {
	var out []common.Address
	if err := c.Comptroller(comptroller).Call(ctx, &out, method); err != nil {
		return nil, err
	}
	if out == nil {
		out = []common.Address{}
	}
	return out, nil
}

func (c *Client) ComptrollerImplementation(ctx context.Context, comptroller common.Address) (common.Address, error) {
	var out common.Address
	if err := c.Comptroller(comptroller).Call(ctx, &out, "comptrollerImplementation"); err != nil {
		return common.Address{}, err
	}
	return out, nil
}

func (c *Client) BorrowGuardianPaused(ctx context.Context, comptroller, market common.Address) (bool, error) {
	var out bool
	if err := c.Comptroller(comptroller).Call(ctx, &out, "borrowGuardianPaused", market); err != nil {
		return false, err
	}
	return out, nil
}

func (c *Client) MarketName(ctx context.Context, market common.Address) (string, error) {
	var out string
	if err := c.CErc20Delegate(market).Call(ctx, &out, "name"); err != nil {
		return "", err
	}
	return out, nil
}

// AllPools returns every pool in the directory, public or not.
func (c *Client) AllPools(ctx context.Context) ([]FusePool, error) {
	var out []FusePool
	if err := c.directory.Call(ctx, &out, "getAllPools"); err != nil {
		return nil, err
	}
	if out == nil {
		out = []FusePool{}
	}
	return out, nil
}

func (c *Client) PublicPools(ctx context.Context) (PoolList, error) {
	return c.poolList(ctx, "getPublicPools")
}

// PublicPoolsByVerification returns public pools whose admin is whitelisted.
func (c *Client) PublicPoolsByVerification(ctx context.Context) (PoolList, error) {
	return c.poolList(ctx, "getPublicPoolsByVerification", true)
}

func (c *Client) PoolsByAccount(ctx context.Context, account common.Address) (PoolList, error) {
	return c.poolList(ctx, "getPoolsByAccount", account)
}

func (c *Client) poolList(ctx context.Context, method string, args ...any) (PoolList, error) {
	var out PoolList
	if err := c.directory.Call(ctx, &out, method, args...); err != nil {
		return PoolList{}, err
	}
	if out.Indexes == nil {
		out.Indexes = []*big.Int{}
	}
	if out.Pools == nil {
		out.Pools = []FusePool{}
	}
	return out, nil
}
