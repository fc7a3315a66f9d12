package fuse

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// FusePool is one entry of the pool directory. Field order mirrors the
// on-chain tuple.
type FusePool struct {
	Name            string         `json:"name"`
	Creator         common.Address `json:"creator"`
	Comptroller     common.Address `json:"comptroller"`
	BlockPosted     *big.Int       `json:"block_posted"`
	TimestampPosted *big.Int       `json:"timestamp_posted"`
}

// PoolList pairs directory indexes with their pool descriptions.
type PoolList struct {
	Indexes []*big.Int `json:"indexes"`
	Pools   []FusePool `json:"pools"`
}

// ComptrollerImplementation is a comptroller proxy with its implementation.
type ComptrollerImplementation struct {
	Comptroller    common.Address `json:"comptroller"`
	Implementation common.Address `json:"implementation"`
}

// BorrowableAssets is the borrowable market set of one verified pool.
type BorrowableAssets struct {
	Index          int                                 `json:"index"`
	DirectoryIndex *big.Int                            `json:"directory_index"`
	Name           string                              `json:"name"`
	Comptroller    common.Address                      `json:"comptroller"`
	Assets         *OrderedMap[common.Address, string] `json:"assets"`
}

// Asset is a market address with its token name.
type Asset struct {
	Market common.Address `json:"market"`
	Name   string         `json:"name"`
}

type PauseStatus string

const (
	// PauseStatusReported means the borrowable set was reported and no
	// transaction was submitted.
	PauseStatusReported PauseStatus = "reported"
)

// PauseReport is the outcome of the pause-borrowable administrative action.
type PauseReport struct {
	ReportID       string         `json:"report_id"`
	ChainID        int64          `json:"chain_id"`
	Network        string         `json:"network"`
	PoolIndex      int            `json:"pool_index"`
	DirectoryIndex string         `json:"directory_index,omitempty"`
	PoolName       string         `json:"pool_name"`
	Comptroller    common.Address `json:"comptroller"`
	Assets         []Asset        `json:"assets"`
	Status         PauseStatus    `json:"status"`
	CreatedAt      string         `json:"created_at"`
}
