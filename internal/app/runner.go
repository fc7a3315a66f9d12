package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/zerosnacks/fuse-v1/internal/cache"
	"github.com/zerosnacks/fuse-v1/internal/config"
	"github.com/zerosnacks/fuse-v1/internal/contract"
	clierr "github.com/zerosnacks/fuse-v1/internal/errors"
	"github.com/zerosnacks/fuse-v1/internal/fuse"
	"github.com/zerosnacks/fuse-v1/internal/logging"
	"github.com/zerosnacks/fuse-v1/internal/model"
	"github.com/zerosnacks/fuse-v1/internal/out"
	"github.com/zerosnacks/fuse-v1/internal/policy"
	"github.com/zerosnacks/fuse-v1/internal/registry"
	"github.com/zerosnacks/fuse-v1/internal/reports"
	"github.com/zerosnacks/fuse-v1/internal/rpcx"
	"github.com/zerosnacks/fuse-v1/internal/schema"
	"github.com/zerosnacks/fuse-v1/internal/telemetry"
	"github.com/zerosnacks/fuse-v1/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings
	root     *cobra.Command
	log      *logging.Logger

	cache   *cache.Store
	reports *reports.Store
	rpc     *rpcx.Client
	client  *fuse.Client

	metricsRegistry *prometheus.Registry
	metrics         *telemetry.Metrics
	shutdownTracing func(context.Context) error

	lastCommand  string
	lastWarnings []string
	lastRPC      *model.RPCStatus
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, log: logging.Nop()}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	if err != nil {
		state.log.Debug("command failed", "command", state.lastCommand, "error", err.Error())
		state.renderError("", err, state.lastWarnings, state.lastRPC)
	}
	state.close()
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.metricsRegistry != nil && s.settings.MetricsFile != "" {
		if err := telemetry.WriteTextfile(s.settings.MetricsFile, s.metricsRegistry); err != nil {
			s.log.Warn("write metrics file", "path", s.settings.MetricsFile, "error", err.Error())
		}
	}
	if s.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.shutdownTracing(ctx); err != nil {
			s.log.Warn("flush traces", "error", err.Error())
		}
		cancel()
	}
	s.rpc.Close()
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.reports != nil {
		_ = s.reports.Close()
	}
	s.log.Sync()
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Agent-first reader for Fuse lending pools",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}
			if err := policy.CheckAdminAllowed(settings.AllowAdmin, settings.EnableCommands, path); err != nil {
				return err
			}

			log, err := logging.New(s.runner.stderr, settings.LogLevel)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
			}
			s.log = log.With("command", path, "chain_id", settings.ChainID)

			s.metricsRegistry = prometheus.NewRegistry()
			s.metrics = telemetry.NewMetrics(s.metricsRegistry)
			if settings.Trace && s.shutdownTracing == nil {
				shutdown, err := telemetry.InitTracing(s.runner.stderr, version.CLIName, version.CLIVersion)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "start tracing", err)
				}
				s.shutdownTracing = shutdown
			}

			if requiresNetwork(path) {
				if _, err := registry.LookupNetwork(settings.ChainID); err != nil {
					return err
				}
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	flags := cmd.PersistentFlags()
	flags.StringVar(&s.flags.Network, "network", "", "Network name or chain id (mainnet, arbitrum, local)")
	flags.StringVar(&s.flags.RPCURL, "rpc-url", "", "JSON-RPC endpoint (defaults per network)")
	flags.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	flags.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	flags.StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	flags.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	flags.StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	flags.BoolVar(&s.flags.AllowAdmin, "allow-admin", false, "Allow admin commands")
	flags.StringVar(&s.flags.Timeout, "timeout", "", "Overall command timeout")
	flags.StringVar(&s.flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	flags.BoolVar(&s.flags.NoStale, "no-stale", false, "Reject stale cache entries")
	flags.BoolVar(&s.flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	flags.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	flags.StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.IntVar(&s.flags.MaxConcurrency, "max-concurrency", -1, "Maximum in-flight calls per aggregation (0 = unbounded)")
	flags.Float64Var(&s.flags.RateLimit, "rate-limit", -1, "Maximum RPC calls per second (0 = unlimited)")
	flags.StringVar(&s.flags.MetricsFile, "metrics-file", "", "Write Prometheus call metrics to this file on exit")
	flags.BoolVar(&s.flags.Trace, "trace", false, "Export call spans to stderr")

	cmd.AddCommand(s.newNetworksCommand())
	cmd.AddCommand(s.newPoolsCommand())
	cmd.AddCommand(s.newComptrollerCommand())
	cmd.AddCommand(s.newComptrollersCommand())
	cmd.AddCommand(s.newAssetsCommand())
	cmd.AddCommand(s.newAdminCommand())
	cmd.AddCommand(s.newCacheCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Describe commands and flags as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			described, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), described, nil, cacheMetaBypass())
		},
	}
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

// fuseClient dials the RPC endpoint and builds the aggregator on first use so
// cache hits never open a connection.
func (s *runtimeState) fuseClient(ctx context.Context) (*fuse.Client, error) {
	if s.client != nil {
		return s.client, nil
	}
	url, err := s.rpcURL()
	if err != nil {
		return nil, err
	}
	rpcClient, err := rpcx.Dial(ctx, rpcx.Options{
		URL:       url,
		Timeout:   s.settings.Timeout,
		RateLimit: s.settings.RateLimit,
		Burst:     s.settings.RateBurst,
	})
	if err != nil {
		return nil, err
	}
	var recorder contract.Recorder
	if s.metrics != nil {
		recorder = s.metrics
	}
	client, err := fuse.New(fuse.Config{
		ChainID:        s.settings.ChainID,
		Caller:         rpcClient,
		Recorder:       recorder,
		Logger:         s.log,
		MaxConcurrency: s.settings.MaxConcurrency,
	})
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	s.rpc = rpcClient
	s.client = client
	s.log.Debug("rpc connected", "url", url)
	return client, nil
}

func (s *runtimeState) rpcURL() (string, error) {
	url, err := registry.ResolveRPCURL(s.settings.RPCURL, s.settings.ChainID)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	return url, nil
}

func (s *runtimeState) openReports() (*reports.Store, error) {
	if s.reports != nil {
		return s.reports, nil
	}
	store, err := reports.OpenStore(s.settings.ReportStorePath, s.settings.ReportLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open report store", err)
	}
	s.reports = store
	return store, nil
}

func (s *runtimeState) openCache() (*cache.Store, error) {
	if s.cache != nil {
		return s.cache, nil
	}
	store, err := cache.Open(s.settings.CachePath, s.settings.CacheLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open cache", err)
	}
	s.cache = store
	return store, nil
}

type fetchFn func(ctx context.Context) (data any, warnings []string, err error)

// cacheEntry keys a cached response by command path, network, endpoint and
// request arguments.
func (s *runtimeState) cacheEntry(commandPath string, req map[string]any) cache.Entry {
	url, _ := s.rpcURL()
	return cache.Entry{
		Key:     cacheKey(commandPath, s.settings.ChainID, url, req),
		ChainID: s.settings.ChainID,
		Command: commandPath,
	}
}

func (s *runtimeState) runCachedCommand(commandPath string, entry cache.Entry, ttl time.Duration, fetch fetchFn) error {
	s.resetCommandDiagnostics()
	cacheStatus := cacheMetaMiss()
	warnings := []string{}
	var staleData json.RawMessage
	staleAvailable := false
	staleObservedAge := time.Duration(0)
	staleObservedAt := time.Time{}
	staleCacheStatus := cacheMetaMiss()

	if s.settings.CacheEnabled && s.cache != nil {
		cached, err := s.cache.Get(context.Background(), entry.Key, s.settings.MaxStale)
		if err != nil {
			s.log.Warn("cache read failed", "error", err.Error())
		}
		if err == nil && cached.Hit && json.Valid(cached.Value) {
			entryStatus := model.CacheStatus{Status: "hit", AgeMS: cached.Age.Milliseconds(), Stale: cached.Stale}
			if !cached.Stale {
				s.captureCommandDiagnostics(warnings, nil)
				return s.emitSuccess(commandPath, json.RawMessage(cached.Value), warnings, entryStatus)
			}
			staleData = json.RawMessage(cached.Value)
			staleAvailable = true
			staleObservedAge = cached.Age
			staleObservedAt = time.Now()
			staleCacheStatus = entryStatus
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
	defer cancel()
	start := time.Now()
	data, fetchWarnings, err := fetch(ctx)
	rpcStatus := s.rpcStatus(time.Since(start))
	warnings = append(warnings, fetchWarnings...)
	s.captureCommandDiagnostics(warnings, rpcStatus)
	if err != nil {
		err = normalizeRunError(err)
		if staleAvailable {
			if !staleFallbackAllowed(err) {
				return err
			}
			currentStaleAge := staleObservedAge
			if !staleObservedAt.IsZero() {
				currentStaleAge += time.Since(staleObservedAt)
			}
			staleCacheStatus.AgeMS = currentStaleAge.Milliseconds()
			if s.settings.NoStale {
				return clierr.Wrap(clierr.CodeStale, "fresh rpc fetch failed and stale fallback is disabled (--no-stale)", err)
			}
			if staleExceedsBudget(currentStaleAge, ttl, s.settings.MaxStale) {
				return clierr.Wrap(clierr.CodeStale, "fresh rpc fetch failed and cached data exceeded stale budget", err)
			}
			s.log.Warn("serving stale data", "error", err.Error(), "age_ms", currentStaleAge.Milliseconds())
			warnings = append(warnings, "rpc fetch failed; serving stale data within max-stale budget")
			s.captureCommandDiagnostics(warnings, rpcStatus)
			return s.emitSuccess(commandPath, staleData, warnings, staleCacheStatus)
		}
		return err
	}

	if s.settings.CacheEnabled && s.cache != nil {
		if payload, err := json.Marshal(data); err == nil {
			if err := s.cache.Set(context.Background(), entry, payload, ttl); err != nil {
				s.log.Warn("cache write failed", "error", err.Error())
			} else {
				cacheStatus = model.CacheStatus{Status: "write", AgeMS: 0, Stale: false}
			}
		}
	}

	s.captureCommandDiagnostics(warnings, rpcStatus)
	return s.emitSuccess(commandPath, data, warnings, cacheStatus)
}

func (s *runtimeState) rpcStatus(elapsed time.Duration) *model.RPCStatus {
	if s.rpc == nil {
		return nil
	}
	return &model.RPCStatus{Calls: s.rpc.Calls(), LatencyMS: elapsed.Milliseconds()}
}

func (s *runtimeState) networkInfo() *model.NetworkInfo {
	network, err := registry.LookupNetwork(s.settings.ChainID)
	if err != nil {
		return nil
	}
	return &model.NetworkInfo{ChainID: network.ChainID, Slug: network.Slug}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Network:   s.networkInfo(),
			RPC:       s.lastRPC,
			Cache:     cacheStatus,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error, warnings []string, rpcStatus *model.RPCStatus) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := clierr.CodeInternal.Type()
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
		typ = cErr.Code.Type()
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Network:   s.networkInfo(),
			RPC:       rpcStatus,
			Cache:     cacheMetaBypass(),
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func cacheKey(commandPath string, chainID int64, rpcURL string, req map[string]any) string {
	buf, _ := json.Marshal(req)
	prefix := fmt.Sprintf("%s|%d|%s|", commandPath, chainID, rpcURL)
	sum := sha256.Sum256(append([]byte(prefix), buf...))
	return hex.EncodeToString(sum[:])
}

func newRequestID() string {
	return uuid.NewString()
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass", AgeMS: 0, Stale: false}
}

func cacheMetaMiss() model.CacheStatus {
	return model.CacheStatus{Status: "miss", AgeMS: 0, Stale: false}
}

// normalizeRunError maps domain errors onto coded CLI errors. Domain types
// are matched before any coded error they wrap so an aggregation failure
// keeps its own code.
func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if cErr, ok := err.(*clierr.Error); ok {
		return cErr
	}

	var fanOut *fuse.FanOutError
	if errors.As(err, &fanOut) {
		return clierr.Wrap(clierr.CodeFanOut, fanOut.Operation+" failed", err)
	}
	var unsupported *registry.UnsupportedNetworkError
	if errors.As(err, &unsupported) {
		return clierr.Wrap(clierr.CodeUnsupported, "unsupported network", err)
	}
	if errors.Is(err, fuse.ErrPoolIndexOutOfRange) {
		return clierr.Wrap(clierr.CodeUsage, "invalid pool index", err)
	}
	if errors.Is(err, reports.ErrNotFound) {
		return clierr.Wrap(clierr.CodeUsage, "unknown report", err)
	}
	var callErr *contract.CallError
	if errors.As(err, &callErr) {
		code := clierr.CodeUnavailable
		if inner, ok := clierr.As(callErr.Cause); ok {
			code = inner.Code
		}
		return clierr.Wrap(code, "contract call failed", err)
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func staleExceedsBudget(age, ttl, maxStale time.Duration) bool {
	if age <= ttl {
		return false
	}
	if maxStale < 0 {
		return false
	}
	return age > ttl+maxStale
}

// staleFallbackAllowed reports whether err is a transport failure that a
// cached answer can stand in for. A contract call error qualifies only through
// the coded cause rpcx attached to it; reverts and decode failures carry none.
func staleFallbackAllowed(err error) bool {
	var callErr *contract.CallError
	if errors.As(err, &callErr) {
		err = callErr.Cause
	}
	for err != nil {
		cErr, ok := clierr.As(err)
		if !ok {
			return false
		}
		if cErr.Code == clierr.CodeUnavailable || cErr.Code == clierr.CodeRateLimited {
			return true
		}
		err = cErr.Cause
	}
	return false
}

func shouldOpenCache(commandPath string) bool {
	switch firstSegment(commandPath) {
	case "pools", "comptroller", "comptrollers", "assets":
		return true
	default:
		return false
	}
}

// requiresNetwork reports whether commandPath reads chain state and so needs a
// supported network up front.
func requiresNetwork(commandPath string) bool {
	return shouldOpenCache(commandPath) || normalizeCommandPath(commandPath) == "admin pause-borrowable"
}

func firstSegment(commandPath string) string {
	parts := strings.Fields(normalizeCommandPath(commandPath))
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func normalizeCommandPath(commandPath string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(commandPath))), " ")
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastRPC = nil
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, rpcStatus *model.RPCStatus) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	s.lastRPC = rpcStatus
}
