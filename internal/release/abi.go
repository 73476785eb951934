package release

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const firepitJSON = `[{"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"tokens","type":"address[]"}],"outputs":[]}]`

const erc20JSON = `[
{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	firepitABI = mustABI(firepitJSON)
	erc20ABI   = mustABI(erc20JSON)
)

func mustABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}
