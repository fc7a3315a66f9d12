package app

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	clierr "github.com/zerosnacks/fuse-v1/internal/errors"
	"github.com/zerosnacks/fuse-v1/internal/reports"
)

func (s *runtimeState) newAdminCommand() *cobra.Command {
	root := &cobra.Command{Use: "admin", Short: "Operator commands (require --allow-admin)"}

	var poolIndex int
	pause := &cobra.Command{
		Use:   "pause-borrowable",
		Short: "Report every borrowable market of a verified pool as the set to pause",
		Long: "Resolves the verified pool at --pool-index, logs the markets whose borrowing is not paused " +
			"and stores the result as a report. No transaction is sent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if poolIndex < 0 {
				return clierr.New(clierr.CodeUsage, "--pool-index must not be negative")
			}
			path := trimRootPath(cmd.CommandPath())
			s.resetCommandDiagnostics()

			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			client, err := s.fuseClient(ctx)
			if err != nil {
				return err
			}
			report, err := client.PauseAllBorrowableByIndex(ctx, poolIndex)
			s.captureCommandDiagnostics(nil, s.rpcStatus(0))
			if err != nil {
				return err
			}

			store, err := s.openReports()
			if err != nil {
				return err
			}
			report.ReportID = reports.NewReportID()
			saved, err := store.Save(ctx, report)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "save pause report", err)
			}
			s.log.Info("pause report saved", "report_id", saved.ReportID, "assets", len(saved.Assets))

			var warnings []string
			if len(saved.Assets) == 0 {
				warnings = append(warnings, "no borrowable markets")
			}
			return s.emitSuccess(path, saved, warnings, cacheMetaBypass())
		},
	}
	pause.Flags().IntVar(&poolIndex, "pool-index", 0, "Position in the verified pool list")
	_ = pause.MarkFlagRequired("pool-index")
	root.AddCommand(pause)
	root.AddCommand(s.newReportsCommand())
	return root
}

func (s *runtimeState) newReportsCommand() *cobra.Command {
	root := &cobra.Command{Use: "reports", Short: "Stored pause reports"}

	var limit int
	var allNetworks bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List pause reports, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.openReports()
			if err != nil {
				return err
			}
			filter := reports.Filter{ChainID: s.settings.ChainID, Limit: limit}
			if allNetworks {
				filter.ChainID = 0
			}
			items, err := store.List(context.Background(), filter)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list pause reports", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, cacheMetaBypass())
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum reports to return")
	list.Flags().BoolVar(&allNetworks, "all-networks", false, "Include reports from every network")

	get := &cobra.Command{
		Use:   "get <report-id>",
		Short: "Show one pause report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return clierr.New(clierr.CodeUsage, "report id is required")
			}
			store, err := s.openReports()
			if err != nil {
				return err
			}
			report, err := store.Get(context.Background(), id)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), report, nil, cacheMetaBypass())
		},
	}

	root.AddCommand(list)
	root.AddCommand(get)
	return root
}

func (s *runtimeState) newCacheCommand() *cobra.Command {
	root := &cobra.Command{Use: "cache", Short: "Response cache maintenance"}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Entry counts per network",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.openCache()
			if err != nil {
				return err
			}
			items, err := store.Stats(context.Background())
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "read cache stats", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items, nil, cacheMetaBypass())
		},
	}

	var allNetworks bool
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete cached responses for the selected network",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.openCache()
			if err != nil {
				return err
			}
			chainID := s.settings.ChainID
			if allNetworks {
				chainID = 0
			}
			removed, err := store.Purge(context.Background(), chainID)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "purge cache", err)
			}
			data := map[string]any{"chain_id": chainID, "removed": removed}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass())
		},
	}
	purge.Flags().BoolVar(&allNetworks, "all-networks", false, "Purge every network")

	root.AddCommand(stats)
	root.AddCommand(purge)
	return root
}
