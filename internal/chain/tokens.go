package chain

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Token is an ERC20 valued as part of a wallet's holdings.
type Token struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int32  `yaml:"decimals"`
}

// LoadTokens reads a YAML token list:
//
//	tokens:
//	  - symbol: USDC
//	    address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
//	    decimals: 6
func LoadTokens(path string) ([]Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token list %s: %w", path, err)
	}
	var file struct {
		Tokens []Token `yaml:"tokens"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode token list %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Tokens))
	for i := range file.Tokens {
		tok := &file.Tokens[i]
		tok.Symbol = strings.ToUpper(strings.TrimSpace(tok.Symbol))
		if tok.Symbol == "" {
			return nil, fmt.Errorf("token %d: symbol required", i)
		}
		if !common.IsHexAddress(tok.Address) {
			return nil, fmt.Errorf("token %s: %w: %q", tok.Symbol, ErrInvalidAddress, tok.Address)
		}
		if tok.Decimals < 0 || tok.Decimals > 36 {
			return nil, fmt.Errorf("token %s: decimals out of range: %d", tok.Symbol, tok.Decimals)
		}
		key := strings.ToLower(tok.Address)
		if seen[key] {
			return nil, fmt.Errorf("token %s: duplicate address %s", tok.Symbol, tok.Address)
		}
		seen[key] = true
	}
	return file.Tokens, nil
}
