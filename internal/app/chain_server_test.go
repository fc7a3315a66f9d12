package app

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/zerosnacks/fuse-v1/internal/contract/contracttest"
	"github.com/zerosnacks/fuse-v1/internal/fuse"
	"github.com/zerosnacks/fuse-v1/internal/registry"
)

var (
	directoryAddr = common.HexToAddress("0x835482FE0532f169024d5E9410199369aAD5C77E")
	comptrollerA  = common.HexToAddress("0x00000000000000000000000000000000000c0a01")
	comptrollerB  = common.HexToAddress("0x00000000000000000000000000000000000c0b02")
	implementA    = common.HexToAddress("0x00000000000000000000000000000000001a0a01")
	implementB    = common.HexToAddress("0x00000000000000000000000000000000001b0b02")
	poolCreator   = common.HexToAddress("0x00000000000000000000000000000000000cafe0")
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type callArgs struct {
	To    *common.Address `json:"to"`
	Input hexutil.Bytes   `json:"input"`
	Data  hexutil.Bytes   `json:"data"`
}

// newChainServer serves eth_call from caller over JSON-RPC. Responder errors
// become execution-reverted node errors.
func newChainServer(t *testing.T, caller *contracttest.Caller) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Method != "eth_call" || len(req.Params) == 0 {
			writeRPCError(w, req.ID, -32601, "unsupported method "+req.Method)
			return
		}
		var args callArgs
		if err := json.Unmarshal(req.Params[0], &args); err != nil {
			writeRPCError(w, req.ID, -32602, err.Error())
			return
		}
		data := args.Input
		if len(data) == 0 {
			data = args.Data
		}
		out, err := caller.CallContract(r.Context(), ethereum.CallMsg{To: args.To, Data: data}, nil)
		if err != nil {
			writeRPCError(w, req.ID, 3, "execution reverted: "+err.Error())
			return
		}
		writeRPCResult(w, req.ID, hexutil.Encode(out))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeRPCResult(w http.ResponseWriter, id json.RawMessage, result string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%q}`, rawIDOrDefault(id), result)
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":%d,"message":%q}}`, rawIDOrDefault(id), code, message)
}

func rawIDOrDefault(id json.RawMessage) string {
	if len(id) == 0 {
		return "1"
	}
	return string(id)
}

func testABIs(t *testing.T) registry.ABIs {
	t.Helper()
	abis, err := registry.ParsedABIs()
	if err != nil {
		t.Fatalf("parse abis: %v", err)
	}
	return abis
}

func testPool(name string, comptroller common.Address) fuse.FusePool {
	return fuse.FusePool{
		Name:            name,
		Creator:         poolCreator,
		Comptroller:     comptroller,
		BlockPosted:     big.NewInt(12_000_000),
		TimestampPosted: big.NewInt(1_620_000_000),
	}
}

func testMarket(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0xa000 + i)))
}

// verifiedChain is two verified pools: A with three markets (the second
// paused) and B with none.
func verifiedChain(t *testing.T) *contracttest.Caller {
	t.Helper()
	abis := testABIs(t)
	pools := []fuse.FusePool{testPool("Pool A", comptrollerA), testPool("Pool B", comptrollerB)}
	indexes := []*big.Int{big.NewInt(6), big.NewInt(7)}
	markets := []common.Address{testMarket(0), testMarket(1), testMarket(2)}

	caller := contracttest.NewCaller().
		On(directoryAddr, abis.FusePoolDirectory, "getPublicPoolsByVerification", contracttest.Return(indexes, pools)).
		On(directoryAddr, abis.FusePoolDirectory, "getAllPools", contracttest.Return(pools)).
		On(comptrollerA, abis.Comptroller, "comptrollerImplementation", contracttest.Return(implementA)).
		On(comptrollerB, abis.Comptroller, "comptrollerImplementation", contracttest.Return(implementB)).
		On(comptrollerA, abis.Comptroller, "getAllMarkets", contracttest.Return(markets)).
		On(comptrollerB, abis.Comptroller, "getAllMarkets", contracttest.Return([]common.Address{})).
		On(comptrollerA, abis.Comptroller, "borrowGuardianPaused", func(args []any) ([]any, error) {
			return []any{args[0].(common.Address) == testMarket(1)}, nil
		})
	for i, m := range markets {
		caller.On(m, abis.CErc20Delegate, "name", contracttest.Return(fmt.Sprintf("Pool 6 Token %d", i)))
	}
	return caller
}
