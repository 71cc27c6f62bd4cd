package eth

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const erc20ABIJSON = `[
	{"type":"function","name":"transfer","stateMutability":"nonpayable",
	 "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view",
	 "inputs":[{"name":"owner","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

var (
	erc20Once sync.Once
	erc20Err  error
	erc20ABI  abi.ABI
)

func loadERC20ABI() (abi.ABI, error) {
	erc20Once.Do(func() {
		erc20ABI, erc20Err = abi.JSON(strings.NewReader(erc20ABIJSON))
		if erc20Err != nil {
			erc20Err = fmt.Errorf("eth: parse erc20 ABI: %w", erc20Err)
		}
	})
	return erc20ABI, erc20Err
}

// PackERC20Transfer encodes transfer(to, value).
func PackERC20Transfer(to common.Address, value *big.Int) ([]byte, error) {
	a, err := loadERC20ABI()
	if err != nil {
		return nil, err
	}
	return a.Pack("transfer", to, value)
}

func PackERC20BalanceOf(owner common.Address) ([]byte, error) {
	a, err := loadERC20ABI()
	if err != nil {
		return nil, err
	}
	return a.Pack("balanceOf", owner)
}

func UnpackERC20BalanceOf(out []byte) (*big.Int, error) {
	a, err := loadERC20ABI()
	if err != nil {
		return nil, err
	}
	vals, err := a.Unpack("balanceOf", out)
	if err != nil {
		return nil, fmt.Errorf("eth: unpack balanceOf: %w", err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("eth: unpack balanceOf: got %d values", len(vals))
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("eth: unpack balanceOf: unexpected type %T", vals[0])
	}
	return bal, nil
}
