// Package contract binds (address, ABI) pairs to a read-only JSON-RPC
// connection and performs decoded eth_call requests against them.
package contract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/zerosnacks/fuse-v1/internal/contract"

// ErrEmptyReturn is reported when a call returns no data, which is what a
// node answers for an address without code.
var ErrEmptyReturn = errors.New("empty return data")

// Recorder observes every contract call made through a Binder.
type Recorder interface {
	ObserveCall(contract, method string, elapsed time.Duration, err error)
}

// CallError describes a failed remote view call: the request could not be
// encoded, the transport failed, the call reverted or the reply did not decode.
type CallError struct {
	Contract string
	Address  common.Address
	Method   string
	Cause    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s.%s at %s: %v", e.Contract, e.Method, e.Address.Hex(), e.Cause)
}

func (e *CallError) Unwrap() error { return e.Cause }

// Binder creates handles that share one connection.
type Binder struct {
	caller   ethereum.ContractCaller
	recorder Recorder
	tracer   trace.Tracer
}

func NewBinder(caller ethereum.ContractCaller, recorder Recorder) *Binder {
	return &Binder{
		caller:   caller,
		recorder: recorder,
		tracer:   otel.Tracer(tracerName),
	}
}

// Bind returns a handle for the contract at address. Handles are cheap and
// hold no state beyond the triple they were built from.
func (b *Binder) Bind(name string, address common.Address, parsed *abi.ABI) *Handle {
	return &Handle{Name: name, Address: address, abi: parsed, binder: b}
}

// Handle is an (address, ABI, connection) triple.
type Handle struct {
	Name    string
	Address common.Address

	abi    *abi.ABI
	binder *Binder
}

// Call invokes a view method at the latest block and decodes the result into
// out, which must be a pointer matching the method outputs.
func (h *Handle) Call(ctx context.Context, out any, method string, args ...any) (err error) {
	ctx, span := h.binder.tracer.Start(ctx, h.Name+"."+method, trace.WithAttributes(
		attribute.String("contract.name", h.Name),
		attribute.String("contract.address", h.Address.Hex()),
		attribute.String("contract.method", method),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "call failed")
		}
		span.End()
		if h.binder.recorder != nil {
			h.binder.recorder.ObserveCall(h.Name, method, time.Since(start), err)
		}
	}()

	data, err := h.abi.Pack(method, args...)
	if err != nil {
		return h.fail(method, fmt.Errorf("pack calldata: %w", err))
	}
	to := h.Address
	raw, err := h.binder.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return h.fail(method, err)
	}
	if len(raw) == 0 {
		return h.fail(method, ErrEmptyReturn)
	}
	if err := h.abi.UnpackIntoInterface(out, method, raw); err != nil {
		return h.fail(method, fmt.Errorf("decode %s output: %w", method, err))
	}
	return nil
}

func (h *Handle) fail(method string, cause error) error {
	return &CallError{Contract: h.Name, Address: h.Address, Method: method, Cause: cause}
}
