// Package ledger is the token collaborator of the farm: an in-memory book of
// balances, allowances and supplies, plus custody vaults through which the
// farm and the staking module move tokens. Every vault operation is recorded
// in a Journal so that a failed unit of work can be compensated.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/farm-engine/internal/fixedpoint"
)

var (
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrInsufficientReserve   = errors.New("ledger: insufficient reserve")
	ErrNonTransferable       = errors.New("ledger: token is non-transferable")
	ErrMaxSupplyExceeded     = errors.New("ledger: max supply exceeded")
	ErrUnknownToken          = errors.New("ledger: unknown token")
	ErrTokenExists           = errors.New("ledger: token already registered")
)

// Ledger is the view a component has of the token book: transfers in and
// out of its own custody account, plus mint and burn.
type Ledger interface {
	TransferIn(token, from string, amount decimal.Decimal) error
	TransferOut(token, to string, amount decimal.Decimal) error
	Mint(token, to string, amount decimal.Decimal) error
	Burn(token, from string, amount decimal.Decimal) error
	BalanceOf(token, account string) decimal.Decimal
}

// TokenSpec describes a registered token. A zero MaxSupply means unbounded.
type TokenSpec struct {
	Symbol       string          `json:"symbol" yaml:"symbol"`
	Transferable bool            `json:"transferable" yaml:"transferable"`
	MaxSupply    decimal.Decimal `json:"max_supply" yaml:"max_supply"`
}

type token struct {
	spec       TokenSpec
	supply     decimal.Decimal
	balances   map[string]decimal.Decimal
	allowances map[string]map[string]decimal.Decimal // owner -> spender -> amount
}

// Book holds every token's balances. It is safe for concurrent use.
type Book struct {
	mu     sync.RWMutex
	tokens map[string]*token
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{tokens: make(map[string]*token)}
}

// Register adds a token. Registering an existing symbol fails.
func (b *Book) Register(spec TokenSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.tokens[spec.Symbol]; ok {
		return fmt.Errorf("%w: %s", ErrTokenExists, spec.Symbol)
	}
	b.tokens[spec.Symbol] = &token{
		spec:       spec,
		supply:     decimal.Zero,
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[string]map[string]decimal.Decimal),
	}
	return nil
}

// EnsureRegistered registers a plain transferable token if the symbol is new.
func (b *Book) EnsureRegistered(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.tokens[symbol]; ok {
		return
	}
	b.tokens[symbol] = &token{
		spec:       TokenSpec{Symbol: symbol, Transferable: true, MaxSupply: decimal.Zero},
		supply:     decimal.Zero,
		balances:   make(map[string]decimal.Decimal),
		allowances: make(map[string]map[string]decimal.Decimal),
	}
}

// Tokens lists registered tokens sorted by symbol.
func (b *Book) Tokens() []TokenSpec {
	b.mu.RLock()
	defer b.mu.RUnlock()

	specs := make([]TokenSpec, 0, len(b.tokens))
	for _, t := range b.tokens {
		specs = append(specs, t.spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Symbol < specs[j].Symbol })
	return specs
}

// BalanceOf returns account's balance, zero for unknown tokens or accounts.
func (b *Book) BalanceOf(symbol, account string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.tokens[symbol]
	if !ok {
		return decimal.Zero
	}
	return t.balance(account)
}

// Balances returns every non-zero balance held by account.
func (b *Book) Balances(account string) map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]decimal.Decimal)
	for sym, t := range b.tokens {
		if bal := t.balance(account); !bal.IsZero() {
			out[sym] = bal
		}
	}
	return out
}

// TotalSupply returns the minted supply of a token.
func (b *Book) TotalSupply(symbol string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.tokens[symbol]
	if !ok {
		return decimal.Zero
	}
	return t.supply
}

// Allowance returns how much spender may pull from owner.
func (b *Book) Allowance(symbol, owner, spender string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.tokens[symbol]
	if !ok {
		return decimal.Zero
	}
	return t.allowance(owner, spender)
}

// Approve sets the amount spender may pull from owner.
func (b *Book) Approve(symbol, owner, spender string, amount decimal.Decimal) error {
	if err := fixedpoint.ValidateAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t, err := b.lookup(symbol)
	if err != nil {
		return err
	}
	t.setAllowance(owner, spender, amount)
	return nil
}

// Transfer moves tokens between accounts without an allowance.
func (b *Book) Transfer(symbol, from, to string, amount decimal.Decimal) error {
	if err := fixedpoint.ValidateAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t, err := b.lookup(symbol)
	if err != nil {
		return err
	}
	if !t.spec.Transferable {
		return fmt.Errorf("%w: %s", ErrNonTransferable, symbol)
	}
	return t.move(from, to, amount)
}

// TransferFrom moves tokens from owner to to on behalf of spender, consuming
// allowance.
func (b *Book) TransferFrom(symbol, spender, owner, to string, amount decimal.Decimal) error {
	if err := fixedpoint.ValidateAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t, err := b.lookup(symbol)
	if err != nil {
		return err
	}
	if !t.spec.Transferable {
		return fmt.Errorf("%w: %s", ErrNonTransferable, symbol)
	}
	allowed := t.allowance(owner, spender)
	if allowed.LessThan(amount) {
		return fmt.Errorf("%w: %s allowance %s, need %s", ErrInsufficientAllowance, owner, allowed, amount)
	}
	if err := t.move(owner, to, amount); err != nil {
		return err
	}
	t.setAllowance(owner, spender, allowed.Sub(amount))
	return nil
}

// Mint creates tokens for to, respecting the max supply.
func (b *Book) Mint(symbol, to string, amount decimal.Decimal) error {
	if err := fixedpoint.ValidateAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t, err := b.lookup(symbol)
	if err != nil {
		return err
	}
	next := t.supply.Add(amount)
	if t.spec.MaxSupply.IsPositive() && next.GreaterThan(t.spec.MaxSupply) {
		return fmt.Errorf("%w: %s supply %s + %s > %s", ErrMaxSupplyExceeded, symbol, t.supply, amount, t.spec.MaxSupply)
	}
	t.supply = next
	t.balances[to] = t.balance(to).Add(amount)
	return nil
}

// Burn destroys tokens held by from.
func (b *Book) Burn(symbol, from string, amount decimal.Decimal) error {
	if err := fixedpoint.ValidateAmount(amount); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	t, err := b.lookup(symbol)
	if err != nil {
		return err
	}
	bal := t.balance(from)
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s %s, need %s", ErrInsufficientBalance, from, bal, symbol, amount)
	}
	t.balances[from] = bal.Sub(amount)
	t.supply = t.supply.Sub(amount)
	return nil
}

func (b *Book) lookup(symbol string) (*token, error) {
	t, ok := b.tokens[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, symbol)
	}
	return t, nil
}

// force applies a compensating change without any checks.
func (b *Book) force(fn func(map[string]*token)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.tokens)
}

func (t *token) balance(account string) decimal.Decimal {
	if bal, ok := t.balances[account]; ok {
		return bal
	}
	return decimal.Zero
}

func (t *token) allowance(owner, spender string) decimal.Decimal {
	if m, ok := t.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return a
		}
	}
	return decimal.Zero
}

func (t *token) setAllowance(owner, spender string, amount decimal.Decimal) {
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[string]decimal.Decimal)
		t.allowances[owner] = m
	}
	m[spender] = amount
}

func (t *token) move(from, to string, amount decimal.Decimal) error {
	bal := t.balance(from)
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s %s, need %s", ErrInsufficientBalance, from, bal, t.spec.Symbol, amount)
	}
	t.balances[from] = bal.Sub(amount)
	t.balances[to] = t.balance(to).Add(amount)
	return nil
}
