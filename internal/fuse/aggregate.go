package fuse

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// fanOut runs fn for every position in [0, n) concurrently and joins them.
// Any failure cancels the rest and fails the whole fan-out; results are only
// returned when every call succeeded.
func fanOut[T any](ctx context.Context, limit int, operation string, n int, key func(int) string, fn func(context.Context, int) (T, error)) ([]T, error) {
	results := make([]T, n)
	if n == 0 {
		return results, nil
	}
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			v, err := fn(gctx, i)
			if err != nil {
				return &FanOutError{Operation: operation, Index: i, Key: key(i), Cause: err}
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ComptrollersOfPublicPoolsByVerification maps each verified pool's position
// to its comptroller and the comptroller's implementation.
func (c *Client) ComptrollersOfPublicPoolsByVerification(ctx context.Context) (*OrderedMap[int, ComptrollerImplementation], error) {
	list, err := c.PublicPoolsByVerification(ctx)
	if err != nil {
		return nil, err
	}
	return c.comptrollersOf(ctx, "comptrollers of verified pools", list.Pools)
}

// ComptrollersOfAllPools is ComptrollersOfPublicPoolsByVerification over the
// full directory.
func (c *Client) ComptrollersOfAllPools(ctx context.Context) (*OrderedMap[int, ComptrollerImplementation], error) {
	pools, err := c.AllPools(ctx)
	if err != nil {
		return nil, err
	}
	return c.comptrollersOf(ctx, "comptrollers of all pools", pools)
}

func (c *Client) comptrollersOf(ctx context.Context, operation string, pools []FusePool) (*OrderedMap[int, ComptrollerImplementation], error) {
	c.log.Debug("fan-out", "operation", operation, "calls", len(pools))
	impls, err := fanOut(ctx, c.maxConcurrency, operation, len(pools),
		func(i int) string { return pools[i].Comptroller.Hex() },
		func(ctx context.Context, i int) (common.Address, error) {
			return c.ComptrollerImplementation(ctx, pools[i].Comptroller)
		})
	if err != nil {
		return nil, err
	}
	out := NewOrderedMap[int, ComptrollerImplementation](len(pools))
	for i, pool := range pools {
		if err := out.Set(i, ComptrollerImplementation{Comptroller: pool.Comptroller, Implementation: impls[i]}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type marketResult struct {
	borrowable bool
	name       string
}

// BorrowableAssetsByComptroller maps every market of comptroller whose
// borrowing is not paused to its token name, in market discovery order.
func (c *Client) BorrowableAssetsByComptroller(ctx context.Context, comptroller common.Address) (*OrderedMap[common.Address, string], error) {
	markets, err := c.AllMarketsByComptroller(ctx, comptroller)
	if err != nil {
		return nil, err
	}
	c.log.Debug("fan-out", "operation", "borrowable assets", "comptroller", comptroller.Hex(), "calls", len(markets))
	results, err := fanOut(ctx, c.maxConcurrency, "borrowable assets of "+comptroller.Hex(), len(markets),
		func(i int) string { return markets[i].Hex() },
		func(ctx context.Context, i int) (marketResult, error) {
			paused, err := c.BorrowGuardianPaused(ctx, comptroller, markets[i])
			if err != nil {
				return marketResult{}, err
			}
			if paused {
				return marketResult{}, nil
			}
			name, err := c.MarketName(ctx, markets[i])
			if err != nil {
				return marketResult{}, err
			}
			return marketResult{borrowable: true, name: name}, nil
		})
	if err != nil {
		return nil, err
	}
	out := NewOrderedMap[common.Address, string](len(markets))
	for i, res := range results {
		if !res.borrowable {
			continue
		}
		if err := out.Set(markets[i], res.name); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// BorrowableAssetsByIndex resolves the verified pool at position index and
// returns its borrowable assets.
func (c *Client) BorrowableAssetsByIndex(ctx context.Context, index int) (BorrowableAssets, error) {
	list, err := c.PublicPoolsByVerification(ctx)
	if err != nil {
		return BorrowableAssets{}, err
	}
	if index < 0 || index >= len(list.Pools) {
		return BorrowableAssets{}, fmt.Errorf("%w: index %d, %d verified pools", ErrPoolIndexOutOfRange, index, len(list.Pools))
	}
	pool := list.Pools[index]
	assets, err := c.BorrowableAssetsByComptroller(ctx, pool.Comptroller)
	if err != nil {
		return BorrowableAssets{}, err
	}
	var directoryIndex *big.Int
	if index < len(list.Indexes) {
		directoryIndex = list.Indexes[index]
	}
	return BorrowableAssets{
		Index:          index,
		DirectoryIndex: directoryIndex,
		Name:           pool.Name,
		Comptroller:    pool.Comptroller,
		Assets:         assets,
	}, nil
}
