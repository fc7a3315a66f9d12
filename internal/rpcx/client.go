// Package rpcx opens the JSON-RPC connection contract calls go through and
// maps transport failures onto CLI error codes.
package rpcx

import (
	"context"
	"errors"
	"math/big"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	clierr "github.com/zerosnacks/fuse-v1/internal/errors"
)

type Options struct {
	URL     string
	Timeout time.Duration
	// RateLimit caps calls per second. Zero disables limiting.
	RateLimit float64
	Burst     int
}

// Client is an ethereum.ContractCaller over one JSON-RPC endpoint.
type Client struct {
	eth     *ethclient.Client
	limiter *rate.Limiter
	calls   atomic.Int64
}

var _ ethereum.ContractCaller = (*Client)(nil)

func Dial(ctx context.Context, opts Options) (*Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	raw, err := rpc.DialOptions(ctx, opts.URL, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	c := &Client{eth: ethclient.NewClient(raw)}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c, nil
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, clierr.Wrap(clierr.CodeRateLimited, "wait for rpc rate limit", err)
		}
	}
	c.calls.Add(1)
	out, err := c.eth.CallContract(ctx, msg, blockNumber)
	if err != nil {
		return nil, mapRPCError(err)
	}
	return out, nil
}

// Calls returns how many eth_call requests were sent.
func (c *Client) Calls() int64 {
	return c.calls.Load()
}

func (c *Client) Close() {
	if c == nil || c.eth == nil {
		return
	}
	c.eth.Close()
}

// mapRPCError classifies transport failures. JSON-RPC errors from the node,
// such as reverts, are returned unchanged.
func mapRPCError(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return err
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return clierr.Wrap(clierr.CodeRateLimited, "rpc rate limited request", err)
		default:
			return clierr.Wrap(clierr.CodeUnavailable, "rpc returned http "+httpErr.Status, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return clierr.Wrap(clierr.CodeUnavailable, "rpc timeout", err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return clierr.Wrap(clierr.CodeUnavailable, "rpc timeout", err)
	}
	return clierr.Wrap(clierr.CodeUnavailable, "rpc request failed", err)
}
