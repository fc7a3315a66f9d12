package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	clierr "github.com/zerosnacks/fuse-v1/internal/errors"
	"github.com/zerosnacks/fuse-v1/internal/fuse"
	"github.com/zerosnacks/fuse-v1/internal/registry"
)

const (
	directoryTTL   = 5 * time.Minute
	comptrollerTTL = 60 * time.Second
	assetsTTL      = 30 * time.Second
)

func (s *runtimeState) newNetworksCommand() *cobra.Command {
	root := &cobra.Command{Use: "networks", Short: "Supported networks"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List supported networks with their pool directory and default RPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), registry.Networks(), nil, cacheMetaBypass())
		},
	}
	root.AddCommand(list)
	return root
}

func (s *runtimeState) newPoolsCommand() *cobra.Command {
	root := &cobra.Command{Use: "pools", Short: "Pool directory queries"}

	directoryCommand := func(use, short string, ttl time.Duration, call func(context.Context, *fuse.Client) (any, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				path := trimRootPath(cmd.CommandPath())
				return s.runCachedCommand(path, s.cacheEntry(path, nil), ttl, func(ctx context.Context) (any, []string, error) {
					client, err := s.fuseClient(ctx)
					if err != nil {
						return nil, nil, err
					}
					data, err := call(ctx, client)
					return data, nil, err
				})
			},
		}
	}

	root.AddCommand(directoryCommand("list", "All pools registered in the directory", directoryTTL, func(ctx context.Context, c *fuse.Client) (any, error) {
		return c.AllPools(ctx)
	}))
	root.AddCommand(directoryCommand("public", "Public pools with their directory indexes", directoryTTL, func(ctx context.Context, c *fuse.Client) (any, error) {
		return c.PublicPools(ctx)
	}))
	root.AddCommand(directoryCommand("verified", "Public pools with a whitelisted admin", directoryTTL, func(ctx context.Context, c *fuse.Client) (any, error) {
		return c.PublicPoolsByVerification(ctx)
	}))

	var account string
	byAccount := &cobra.Command{
		Use:   "by-account",
		Short: "Pools an account has entered",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddress("account", account)
			if err != nil {
				return err
			}
			path := trimRootPath(cmd.CommandPath())
			entry := s.cacheEntry(path, map[string]any{"account": addr.Hex()})
			return s.runCachedCommand(path, entry, comptrollerTTL, func(ctx context.Context) (any, []string, error) {
				client, err := s.fuseClient(ctx)
				if err != nil {
					return nil, nil, err
				}
				data, err := client.PoolsByAccount(ctx, addr)
				return data, nil, err
			})
		},
	}
	byAccount.Flags().StringVar(&account, "account", "", "Account address")
	_ = byAccount.MarkFlagRequired("account")
	root.AddCommand(byAccount)

	return root
}

func (s *runtimeState) newComptrollerCommand() *cobra.Command {
	root := &cobra.Command{Use: "comptroller", Short: "Single comptroller queries"}

	type addressLookup func(*fuse.Client, context.Context, common.Address) ([]common.Address, error)
	lists := []struct {
		use    string
		short  string
		lookup addressLookup
	}{
		{"markets", "Markets listed by the comptroller", (*fuse.Client).AllMarketsByComptroller},
		{"borrowers", "Accounts with open borrows", (*fuse.Client).AllBorrowersByComptroller},
		{"whitelist", "Supplier whitelist", (*fuse.Client).WhitelistByComptroller},
		{"rewards-distributors", "Rewards distributors attached to the pool", (*fuse.Client).RewardsDistributorsByComptroller},
	}
	for _, l := range lists {
		lookup := l.lookup
		root.AddCommand(s.comptrollerQuery(l.use, l.short, comptrollerTTL, func(ctx context.Context, c *fuse.Client, comptroller common.Address) (any, error) {
			return lookup(c, ctx, comptroller)
		}))
	}

	root.AddCommand(s.comptrollerQuery("implementation", "Implementation behind the comptroller proxy", directoryTTL, func(ctx context.Context, c *fuse.Client, comptroller common.Address) (any, error) {
		impl, err := c.ComptrollerImplementation(ctx, comptroller)
		if err != nil {
			return nil, err
		}
		return fuse.ComptrollerImplementation{Comptroller: comptroller, Implementation: impl}, nil
	}))
	return root
}

func (s *runtimeState) comptrollerQuery(use, short string, ttl time.Duration, call func(context.Context, *fuse.Client, common.Address) (any, error)) *cobra.Command {
	var comptrollerArg string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			comptroller, err := parseAddress("comptroller", comptrollerArg)
			if err != nil {
				return err
			}
			path := trimRootPath(cmd.CommandPath())
			entry := s.cacheEntry(path, map[string]any{"comptroller": comptroller.Hex()})
			return s.runCachedCommand(path, entry, ttl, func(ctx context.Context) (any, []string, error) {
				client, err := s.fuseClient(ctx)
				if err != nil {
					return nil, nil, err
				}
				data, err := call(ctx, client, comptroller)
				return data, nil, err
			})
		},
	}
	cmd.Flags().StringVar(&comptrollerArg, "comptroller", "", "Comptroller address")
	_ = cmd.MarkFlagRequired("comptroller")
	return cmd
}

func (s *runtimeState) newComptrollersCommand() *cobra.Command {
	root := &cobra.Command{Use: "comptrollers", Short: "Comptroller implementations across pools"}

	composite := func(use, short string, call func(*fuse.Client, context.Context) (*fuse.OrderedMap[int, fuse.ComptrollerImplementation], error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, args []string) error {
				path := trimRootPath(cmd.CommandPath())
				return s.runCachedCommand(path, s.cacheEntry(path, nil), directoryTTL, func(ctx context.Context) (any, []string, error) {
					client, err := s.fuseClient(ctx)
					if err != nil {
						return nil, nil, err
					}
					data, err := call(client, ctx)
					if err != nil {
						return nil, nil, err
					}
					var warnings []string
					if data.Len() == 0 {
						warnings = append(warnings, "no pools discovered")
					}
					return data, warnings, nil
				})
			},
		}
	}

	root.AddCommand(composite("verified", "Implementation of every verified pool's comptroller, keyed by position", (*fuse.Client).ComptrollersOfPublicPoolsByVerification))
	root.AddCommand(composite("all", "Implementation of every pool's comptroller, keyed by position", (*fuse.Client).ComptrollersOfAllPools))
	return root
}

func (s *runtimeState) newAssetsCommand() *cobra.Command {
	root := &cobra.Command{Use: "assets", Short: "Market queries"}

	var comptrollerArg string
	var poolIndex int
	borrowable := &cobra.Command{
		Use:   "borrowable",
		Short: "Markets whose borrowing is not paused, by comptroller or verified pool position",
		RunE: func(cmd *cobra.Command, args []string) error {
			byComptroller := cmd.Flags().Changed("comptroller")
			byIndex := cmd.Flags().Changed("pool-index")
			if byComptroller == byIndex {
				return clierr.New(clierr.CodeUsage, "pass exactly one of --comptroller or --pool-index")
			}
			path := trimRootPath(cmd.CommandPath())

			if byIndex {
				if poolIndex < 0 {
					return clierr.New(clierr.CodeUsage, "--pool-index must not be negative")
				}
				entry := s.cacheEntry(path, map[string]any{"pool_index": poolIndex})
				return s.runCachedCommand(path, entry, assetsTTL, func(ctx context.Context) (any, []string, error) {
					client, err := s.fuseClient(ctx)
					if err != nil {
						return nil, nil, err
					}
					data, err := client.BorrowableAssetsByIndex(ctx, poolIndex)
					if err != nil {
						return nil, nil, err
					}
					return data, borrowableWarnings(data.Assets), nil
				})
			}

			comptroller, err := parseAddress("comptroller", comptrollerArg)
			if err != nil {
				return err
			}
			entry := s.cacheEntry(path, map[string]any{"comptroller": comptroller.Hex()})
			return s.runCachedCommand(path, entry, assetsTTL, func(ctx context.Context) (any, []string, error) {
				client, err := s.fuseClient(ctx)
				if err != nil {
					return nil, nil, err
				}
				data, err := client.BorrowableAssetsByComptroller(ctx, comptroller)
				if err != nil {
					return nil, nil, err
				}
				return data, borrowableWarnings(data), nil
			})
		},
	}
	borrowable.Flags().StringVar(&comptrollerArg, "comptroller", "", "Comptroller address")
	borrowable.Flags().IntVar(&poolIndex, "pool-index", 0, "Position in the verified pool list")
	root.AddCommand(borrowable)
	return root
}

func borrowableWarnings(assets *fuse.OrderedMap[common.Address, string]) []string {
	if assets.Len() == 0 {
		return []string{"no borrowable markets"}
	}
	return nil
}

func parseAddress(flag, value string) (common.Address, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("--%s is required", flag))
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("--%s must be a hex address, got %q", flag, value))
	}
	return common.HexToAddress(v), nil
}
