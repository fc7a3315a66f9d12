// Package contracttest provides an in-memory ethereum.ContractCaller that
// dispatches eth_call requests by (address, method selector).
package contracttest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Responder produces the output values of one call from its decoded inputs.
type Responder func(args []any) ([]any, error)

// Return responds with fixed output values.
func Return(values ...any) Responder {
	return func([]any) ([]any, error) { return values, nil }
}

// Fail responds with err as a transport-level failure.
func Fail(err error) Responder {
	return func([]any) ([]any, error) { return nil, err }
}

type route struct {
	address  common.Address
	selector [4]byte
}

type entry struct {
	method  abi.Method
	respond Responder
}

type Caller struct {
	mu     sync.Mutex
	routes map[route]entry
	counts map[string]int
	total  int
}

func NewCaller() *Caller {
	return &Caller{
		routes: map[route]entry{},
		counts: map[string]int{},
	}
}

// On registers respond for calls of method on the contract at address.
func (c *Caller) On(address common.Address, parsed *abi.ABI, method string, respond Responder) *Caller {
	m, ok := parsed.Methods[method]
	if !ok {
		panic(fmt.Sprintf("contracttest: unknown method %q", method))
	}
	var sel [4]byte
	copy(sel[:], m.ID)
	c.mu.Lock()
	c.routes[route{address: address, selector: sel}] = entry{method: m, respond: respond}
	c.mu.Unlock()
	return c
}

// Calls returns the total number of calls received.
func (c *Caller) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// CallsTo returns how many times method was called on address.
func (c *Caller) CallsTo(address common.Address, method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[countKey(address, method)]
}

func (c *Caller) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if msg.To == nil || len(msg.Data) < 4 {
		return nil, fmt.Errorf("contracttest: malformed call")
	}
	var sel [4]byte
	copy(sel[:], msg.Data[:4])

	c.mu.Lock()
	e, ok := c.routes[route{address: *msg.To, selector: sel}]
	c.total++
	if ok {
		c.counts[countKey(*msg.To, e.method.Name)]++
	}
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("contracttest: no responder for %s selector %x", msg.To.Hex(), sel)
	}

	args, err := e.method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("contracttest: decode %s inputs: %w", e.method.Name, err)
	}
	values, err := e.respond(args)
	if err != nil {
		return nil, err
	}
	return e.method.Outputs.Pack(values...)
}

func countKey(address common.Address, method string) string {
	return address.Hex() + "/" + method
}
