package indexer

import "encoding/json"

type rpcReq struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResp struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// ===== alchemy_getTokenBalances =====
type tokenBalance struct {
	ContractAddress string  `json:"contractAddress"`
	TokenBalance    *string `json:"tokenBalance"`
	Error           any     `json:"error,omitempty"`
}

type tokenBalancesResult struct {
	Address       string         `json:"address"`
	TokenBalances []tokenBalance `json:"tokenBalances"`
	PageKey       string         `json:"pageKey,omitempty"`
}
