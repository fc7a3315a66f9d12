package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/zerosnacks/fuse-v1/internal/contract"
	"github.com/zerosnacks/fuse-v1/internal/contract/contracttest"
	clierr "github.com/zerosnacks/fuse-v1/internal/errors"
	"github.com/zerosnacks/fuse-v1/internal/fuse"
	"github.com/zerosnacks/fuse-v1/internal/registry"
	"github.com/zerosnacks/fuse-v1/internal/reports"
)

func isolateRunnerEnv(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(tmp, "cache"))
	for _, key := range []string{"CHAIN_ID", "ETH_RPC_URL", "FUSE_CHAIN_ID", "FUSE_ETH_RPC_URL", "FUSE_NETWORK", "FUSE_OUTPUT", "FUSE_LOG_LEVEL", "FUSE_CACHE_PATH", "FUSE_METRICS_FILE"} {
		t.Setenv(key, "")
	}
	return tmp
}

func runCLI(t *testing.T, args ...string) (int, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	code := r.Run(args)
	return code, &stdout, &stderr
}

func chainArgs(srv *httptest.Server, args ...string) []string {
	return append(args, "--network", "local", "--rpc-url", srv.URL)
}

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("fuse assets borrowable"); got != "assets borrowable" {
		t.Fatalf("unexpected trim result: %s", got)
	}
}

func TestRunnerNetworksList(t *testing.T) {
	isolateRunnerEnv(t)
	code, stdout, stderr := runCLI(t, "networks", "list", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var out []map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout.String())
	}
	if len(out) != 3 {
		t.Fatalf("expected three networks, got %d", len(out))
	}
}

func TestRunnerComptrollersVerifiedKeepsDiscoveryOrder(t *testing.T) {
	isolateRunnerEnv(t)
	srv := newChainServer(t, verifiedChain(t))

	code, stdout, stderr := runCLI(t, chainArgs(srv, "comptrollers", "verified", "--results-only")...)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var out map[string]fuse.ComptrollerImplementation
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse output json: %v output=%s", err, stdout.String())
	}
	if out["0"].Implementation != implementA || out["1"].Implementation != implementB {
		t.Fatalf("unexpected implementations: %+v", out)
	}
	if strings.Index(stdout.String(), `"0"`) > strings.Index(stdout.String(), `"1"`) {
		t.Fatalf("expected discovery order in output: %s", stdout.String())
	}
}

func TestRunnerServesSecondCallFromCache(t *testing.T) {
	isolateRunnerEnv(t)
	caller := verifiedChain(t)
	srv := newChainServer(t, caller)

	code, _, stderr := runCLI(t, chainArgs(srv, "pools", "verified")...)
	if code != 0 {
		t.Fatalf("first run: expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	calls := caller.Calls()

	code, stdout, stderr := runCLI(t, chainArgs(srv, "pools", "verified")...)
	if code != 0 {
		t.Fatalf("second run: expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	if caller.Calls() != calls {
		t.Fatalf("expected cache hit without rpc traffic, calls %d -> %d", calls, caller.Calls())
	}
	var env struct {
		Data fuse.PoolList `json:"data"`
		Meta struct {
			Cache struct {
				Status string `json:"status"`
			} `json:"cache"`
			Network struct {
				ChainID int64 `json:"chain_id"`
			} `json:"network"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v output=%s", err, stdout.String())
	}
	if env.Meta.Cache.Status != "hit" || env.Meta.Network.ChainID != 31337 {
		t.Fatalf("unexpected meta: %+v", env.Meta)
	}
	if len(env.Data.Pools) != 2 || env.Data.Pools[1].Comptroller != comptrollerB {
		t.Fatalf("unexpected cached data: %+v", env.Data)
	}

	code, _, _ = runCLI(t, chainArgs(srv, "pools", "verified", "--no-cache")...)
	if code != 0 || caller.Calls() == calls {
		t.Fatalf("expected --no-cache to hit the node, code=%d calls=%d", code, caller.Calls())
	}
}

func TestRunnerBorrowableByIndexSkipsPausedMarkets(t *testing.T) {
	isolateRunnerEnv(t)
	srv := newChainServer(t, verifiedChain(t))

	code, stdout, stderr := runCLI(t, chainArgs(srv, "assets", "borrowable", "--pool-index", "0", "--results-only")...)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var out struct {
		Name           string            `json:"name"`
		DirectoryIndex json.Number       `json:"directory_index"`
		Assets         map[string]string `json:"assets"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode output: %v output=%s", err, stdout.String())
	}
	if out.Name != "Pool A" || out.DirectoryIndex.String() != "6" {
		t.Fatalf("unexpected pool: %+v", out)
	}
	if len(out.Assets) != 2 {
		t.Fatalf("expected two borrowable markets, got %+v", out.Assets)
	}
	if _, ok := out.Assets[testMarket(1).Hex()]; ok {
		t.Fatalf("paused market must be omitted: %+v", out.Assets)
	}
}

func TestRunnerBorrowableByComptrollerEmptyWarns(t *testing.T) {
	isolateRunnerEnv(t)
	srv := newChainServer(t, verifiedChain(t))

	code, stdout, stderr := runCLI(t, chainArgs(srv, "assets", "borrowable", "--comptroller", comptrollerB.Hex())...)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var env struct {
		Data     map[string]string `json:"data"`
		Warnings []string          `json:"warnings"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if len(env.Data) != 0 || !containsWarning(env.Warnings, "no borrowable markets") {
		t.Fatalf("unexpected empty result: %+v", env)
	}
}

func TestRunnerFanOutFailureExitCode(t *testing.T) {
	isolateRunnerEnv(t)
	abis := testABIs(t)
	caller := verifiedChain(t).
		On(comptrollerB, abis.Comptroller, "comptrollerImplementation", contracttest.Fail(errors.New("boom")))
	srv := newChainServer(t, caller)

	code, stdout, stderr := runCLI(t, chainArgs(srv, "comptrollers", "verified")...)
	if code != int(clierr.CodeFanOut) {
		t.Fatalf("expected exit %d, got %d stderr=%s", clierr.CodeFanOut, code, stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("no partial result may be written, got %s", stdout.String())
	}
	var env map[string]any
	if err := json.Unmarshal(stderr.Bytes(), &env); err != nil {
		t.Fatalf("decode error envelope: %v output=%s", err, stderr.String())
	}
	errBody, _ := env["error"].(map[string]any)
	if errBody["type"] != "fan_out_failed" {
		t.Fatalf("unexpected error body: %+v", errBody)
	}
}

func TestRunnerUnsupportedNetwork(t *testing.T) {
	isolateRunnerEnv(t)
	code, _, stderr := runCLI(t, "pools", "list", "--network", "10")
	if code != int(clierr.CodeUnsupported) {
		t.Fatalf("expected exit %d, got %d stderr=%s", clierr.CodeUnsupported, code, stderr.String())
	}
}

func TestRunnerUnavailableRPC(t *testing.T) {
	isolateRunnerEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	code, _, stderr := runCLI(t, chainArgs(srv, "pools", "list")...)
	if code != int(clierr.CodeUnavailable) {
		t.Fatalf("expected exit %d, got %d stderr=%s", clierr.CodeUnavailable, code, stderr.String())
	}
}

func TestRunnerUsageErrors(t *testing.T) {
	isolateRunnerEnv(t)
	cases := [][]string{
		{"assets", "borrowable"},
		{"assets", "borrowable", "--comptroller", comptrollerA.Hex(), "--pool-index", "0"},
		{"comptroller", "markets", "--comptroller", "not-an-address"},
		{"pools", "by-account"},
		{"pools", "list", "--json", "--plain"},
	}
	for _, args := range cases {
		code, _, stderr := runCLI(t, args...)
		if code != int(clierr.CodeUsage) {
			t.Fatalf("%v: expected usage exit, got %d stderr=%s", args, code, stderr.String())
		}
	}
}

func TestRunnerPoolIndexOutOfRange(t *testing.T) {
	isolateRunnerEnv(t)
	srv := newChainServer(t, verifiedChain(t))
	code, _, stderr := runCLI(t, chainArgs(srv, "assets", "borrowable", "--pool-index", "9")...)
	if code != int(clierr.CodeUsage) {
		t.Fatalf("expected usage exit, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerAdminRequiresOptIn(t *testing.T) {
	isolateRunnerEnv(t)
	srv := newChainServer(t, verifiedChain(t))
	code, _, stderr := runCLI(t, chainArgs(srv, "admin", "pause-borrowable", "--pool-index", "0")...)
	if code != int(clierr.CodeBlocked) {
		t.Fatalf("expected blocked exit, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerAdminPauseStoresReport(t *testing.T) {
	isolateRunnerEnv(t)
	srv := newChainServer(t, verifiedChain(t))

	code, stdout, stderr := runCLI(t, chainArgs(srv, "admin", "pause-borrowable", "--pool-index", "0", "--allow-admin", "--results-only")...)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var report fuse.PauseReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v output=%s", err, stdout.String())
	}
	if report.ReportID == "" || report.Status != fuse.PauseStatusReported || len(report.Assets) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if !strings.Contains(stderr.String(), "pausing all borrowable assets") {
		t.Fatalf("expected warn log on stderr, got %s", stderr.String())
	}

	code, stdout, stderr = runCLI(t, "admin", "reports", "get", report.ReportID, "--allow-admin", "--network", "local", "--results-only")
	if code != 0 {
		t.Fatalf("reports get: expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var got fuse.PauseReport
	if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("decode stored report: %v", err)
	}
	if got.ReportID != report.ReportID || got.PoolName != "Pool A" {
		t.Fatalf("unexpected stored report: %+v", got)
	}

	code, stdout, _ = runCLI(t, "admin", "reports", "list", "--allow-admin", "--network", "local", "--results-only")
	if code != 0 {
		t.Fatalf("reports list: expected exit 0, got %d", code)
	}
	var listed []fuse.PauseReport
	if err := json.Unmarshal(stdout.Bytes(), &listed); err != nil || len(listed) != 1 {
		t.Fatalf("expected one listed report, got %d err=%v", len(listed), err)
	}

	code, stdout, _ = runCLI(t, "admin", "reports", "list", "--allow-admin", "--network", "mainnet", "--results-only")
	if code != 0 || strings.TrimSpace(stdout.String()) != "[]" {
		t.Fatalf("expected no mainnet reports, code=%d output=%s", code, stdout.String())
	}
}

func TestRunnerMissingReport(t *testing.T) {
	isolateRunnerEnv(t)
	code, _, stderr := runCLI(t, "admin", "reports", "get", "rpt_missing", "--allow-admin")
	if code != int(clierr.CodeUsage) {
		t.Fatalf("expected usage exit, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerWritesMetricsFile(t *testing.T) {
	tmp := isolateRunnerEnv(t)
	srv := newChainServer(t, verifiedChain(t))
	path := filepath.Join(tmp, "fuse.prom")

	code, _, stderr := runCLI(t, chainArgs(srv, "comptroller", "markets", "--comptroller", comptrollerA.Hex(), "--metrics-file", path)...)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read metrics file: %v", err)
	}
	if !strings.Contains(string(buf), `fuse_contract_calls_total{contract="Comptroller",method="getAllMarkets",result="ok"} 1`) {
		t.Fatalf("unexpected metrics:\n%s", buf)
	}
}

func TestRunnerCachePurge(t *testing.T) {
	isolateRunnerEnv(t)
	srv := newChainServer(t, verifiedChain(t))
	if code, _, stderr := runCLI(t, chainArgs(srv, "pools", "list")...); code != 0 {
		t.Fatalf("seed cache: exit %d stderr=%s", code, stderr.String())
	}

	code, stdout, stderr := runCLI(t, "cache", "purge", "--network", "local", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var out struct {
		Removed int64 `json:"removed"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode purge output: %v", err)
	}
	if out.Removed != 1 {
		t.Fatalf("expected one purged entry, got %d", out.Removed)
	}
}

func TestRunnerErrorEnvelopeIgnoresResultsOnly(t *testing.T) {
	isolateRunnerEnv(t)
	code, _, stderr := runCLI(t, "networks", "list", "--enable-commands", "pools list", "--results-only")
	if code != int(clierr.CodeBlocked) {
		t.Fatalf("expected exit 16, got %d stderr=%s", code, stderr.String())
	}
	var env map[string]any
	if err := json.Unmarshal(stderr.Bytes(), &env); err != nil {
		t.Fatalf("failed to parse error envelope: %v output=%s", err, stderr.String())
	}
	if env["success"] != false {
		t.Fatalf("expected success=false, got %v", env["success"])
	}
}

func TestNormalizeRunError(t *testing.T) {
	callErr := &contract.CallError{Contract: "Comptroller", Method: "getAllMarkets", Cause: errors.New("execution reverted")}
	transportErr := &contract.CallError{Contract: "Comptroller", Method: "getAllMarkets", Cause: clierr.New(clierr.CodeRateLimited, "rpc rate limited request")}
	cases := []struct {
		name string
		err  error
		want clierr.Code
	}{
		{"fan-out over transport failure", &fuse.FanOutError{Operation: "borrowable", Cause: transportErr}, clierr.CodeFanOut},
		{"unsupported network", &registry.UnsupportedNetworkError{ChainID: 10}, clierr.CodeUnsupported},
		{"index out of range", errors.Join(fuse.ErrPoolIndexOutOfRange), clierr.CodeUsage},
		{"missing report", reports.ErrNotFound, clierr.CodeUsage},
		{"revert", callErr, clierr.CodeUnavailable},
		{"rate limited call", transportErr, clierr.CodeRateLimited},
		{"unknown flag", errors.New("unknown flag: --bogus"), clierr.CodeUsage},
		{"other", errors.New("boom"), clierr.CodeInternal},
	}
	for _, tc := range cases {
		got := clierr.ExitCode(normalizeRunError(tc.err))
		if got != int(tc.want) {
			t.Fatalf("%s: expected code %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestCacheKeySeparatesNetworkAndEndpoint(t *testing.T) {
	req := map[string]any{"comptroller": common.Address{}.Hex()}
	base := cacheKey("comptroller markets", 1, "https://a.example", req)
	if base == cacheKey("comptroller markets", 42161, "https://a.example", req) {
		t.Fatal("expected chain id to change the key")
	}
	if base == cacheKey("comptroller markets", 1, "https://b.example", req) {
		t.Fatal("expected rpc url to change the key")
	}
	if base != cacheKey("comptroller markets", 1, "https://a.example", req) {
		t.Fatal("expected deterministic key")
	}
}

func TestRunnerSchemaDescribesAdminCommands(t *testing.T) {
	isolateRunnerEnv(t)
	code, stdout, stderr := runCLI(t, "schema", "admin", "pause-borrowable", "--results-only")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var out struct {
		Path  string `json:"path"`
		Admin bool   `json:"admin"`
		Flags []struct {
			Name     string `json:"name"`
			Required bool   `json:"required"`
		} `json:"flags"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode schema: %v output=%s", err, stdout.String())
	}
	if out.Path != "admin pause-borrowable" || !out.Admin {
		t.Fatalf("unexpected schema: %+v", out)
	}
	if len(out.Flags) != 1 || out.Flags[0].Name != "pool-index" || !out.Flags[0].Required {
		t.Fatalf("unexpected flags: %+v", out.Flags)
	}
}
