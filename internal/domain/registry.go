package domain

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var registrySeed []byte

type registryEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Symbol   string `yaml:"symbol"`
	Category string `yaml:"category"`
	Price    string `yaml:"price"`
	Balance  string `yaml:"balance"`
	Yield    string `yaml:"yield"`
}

type registryFile struct {
	Tokens []registryEntry `yaml:"tokens"`
}

// Registry is the read-only list of tradable token definitions.
type Registry struct {
	tokens []Token
	byID   map[string]int
}

// DefaultRegistry parses the embedded token list.
func DefaultRegistry() (*Registry, error) {
	return ParseRegistry(registrySeed)
}

// ParseRegistry builds a registry from a YAML document.
func ParseRegistry(raw []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse token registry: %w", err)
	}

	reg := &Registry{byID: make(map[string]int, len(file.Tokens))}
	for i, entry := range file.Tokens {
		token, err := entry.toToken()
		if err != nil {
			return nil, fmt.Errorf("token registry entry %d: %w", i, err)
		}
		if _, dup := reg.byID[token.ID]; dup {
			return nil, fmt.Errorf("token registry entry %d: duplicate id %q", i, token.ID)
		}
		reg.byID[token.ID] = len(reg.tokens)
		reg.tokens = append(reg.tokens, token)
	}
	return reg, nil
}

func (e registryEntry) toToken() (Token, error) {
	id := strings.TrimSpace(e.ID)
	if id == "" {
		return Token{}, fmt.Errorf("missing id")
	}
	category, err := ParseCategory(e.Category)
	if err != nil {
		return Token{}, err
	}
	price, err := decimal.NewFromString(strings.TrimSpace(e.Price))
	if err != nil {
		return Token{}, fmt.Errorf("invalid price for %s: %w", id, err)
	}
	if price.IsNegative() {
		return Token{}, fmt.Errorf("negative price for %s", id)
	}
	balance := decimal.Zero
	if strings.TrimSpace(e.Balance) != "" {
		balance, err = decimal.NewFromString(strings.TrimSpace(e.Balance))
		if err != nil {
			return Token{}, fmt.Errorf("invalid balance for %s: %w", id, err)
		}
	}
	if balance.IsNegative() {
		return Token{}, fmt.Errorf("negative balance for %s", id)
	}

	name := strings.TrimSpace(e.Name)
	if name == "" {
		name = id
	}
	symbol := strings.TrimSpace(e.Symbol)
	if symbol == "" {
		symbol = id
	}
	return Token{
		ID:       id,
		Name:     name,
		Symbol:   symbol,
		Category: category,
		Price:    price,
		Balance:  balance,
		Yield:    strings.TrimSpace(e.Yield),
	}, nil
}

// Lookup returns a copy of the definition for id.
func (r *Registry) Lookup(id string) (Token, bool) {
	idx, ok := r.byID[strings.TrimSpace(id)]
	if !ok {
		return Token{}, false
	}
	return r.tokens[idx].Clone(), true
}

// All returns copies of every definition in listing order.
func (r *Registry) All() []Token {
	out := make([]Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, t.Clone())
	}
	return out
}

// DisplayName resolves a token id to its listed name.
func (r *Registry) DisplayName(id string) (string, bool) {
	token, ok := r.Lookup(id)
	if !ok {
		return "", false
	}
	return token.Name, true
}
