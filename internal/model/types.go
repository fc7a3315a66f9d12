package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string       `json:"request_id"`
	Timestamp time.Time    `json:"timestamp"`
	Command   string       `json:"command"`
	Network   *NetworkInfo `json:"network,omitempty"`
	RPC       *RPCStatus   `json:"rpc,omitempty"`
	Cache     CacheStatus  `json:"cache"`
}

type NetworkInfo struct {
	ChainID int64  `json:"chain_id"`
	Slug    string `json:"slug"`
}

// RPCStatus describes the node traffic a command generated.
type RPCStatus struct {
	Calls     int64 `json:"calls"`
	LatencyMS int64 `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}
