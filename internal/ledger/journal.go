package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Op is the kind of a journaled ledger operation.
type Op string

const (
	OpTransferIn  Op = "transfer_in"
	OpTransferOut Op = "transfer_out"
	OpMint        Op = "mint"
	OpBurn        Op = "burn"
)

// Entry is one executed ledger operation.
type Entry struct {
	Op      Op              `json:"op"`
	Token   string          `json:"token"`
	Account string          `json:"account"`
	Custody string          `json:"custody"`
	Amount  decimal.Decimal `json:"amount"`
}

// Journal records the operations executed through its vaults so they can be
// compensated, newest first, when the surrounding unit of work fails.
type Journal struct {
	book    *Book
	entries []Entry
}

// NewJournal starts an empty journal over book.
func NewJournal(book *Book) *Journal {
	return &Journal{book: book}
}

// Vault returns a Ledger whose custody account is custody.
func (j *Journal) Vault(custody string) *Vault {
	return &Vault{journal: j, custody: custody}
}

// Entries returns the executed operations in order.
func (j *Journal) Entries() []Entry {
	return append([]Entry(nil), j.entries...)
}

// Revert undoes every recorded operation in reverse order and empties the
// journal.
func (j *Journal) Revert() {
	for i := len(j.entries) - 1; i >= 0; i-- {
		e := j.entries[i]
		j.book.force(func(tokens map[string]*token) {
			t := tokens[e.Token]
			switch e.Op {
			case OpTransferIn:
				t.balances[e.Custody] = t.balance(e.Custody).Sub(e.Amount)
				t.balances[e.Account] = t.balance(e.Account).Add(e.Amount)
				t.setAllowance(e.Account, e.Custody, t.allowance(e.Account, e.Custody).Add(e.Amount))
			case OpTransferOut:
				t.balances[e.Account] = t.balance(e.Account).Sub(e.Amount)
				t.balances[e.Custody] = t.balance(e.Custody).Add(e.Amount)
			case OpMint:
				t.balances[e.Account] = t.balance(e.Account).Sub(e.Amount)
				t.supply = t.supply.Sub(e.Amount)
			case OpBurn:
				t.balances[e.Account] = t.balance(e.Account).Add(e.Amount)
				t.supply = t.supply.Add(e.Amount)
			}
		})
	}
	j.entries = nil
}

func (j *Journal) record(op Op, symbol, account, custody string, amount decimal.Decimal) {
	j.entries = append(j.entries, Entry{Op: op, Token: symbol, Account: account, Custody: custody, Amount: amount})
}

// Vault is a component's custody account on the book. Zero amounts are
// no-ops.
type Vault struct {
	journal *Journal
	custody string
}

// Custody returns the vault's account name.
func (v *Vault) Custody() string { return v.custody }

// TransferIn pulls amount from from into custody, consuming the allowance
// from granted to the custody account.
func (v *Vault) TransferIn(symbol, from string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if err := v.journal.book.TransferFrom(symbol, v.custody, from, v.custody, amount); err != nil {
		return err
	}
	v.journal.record(OpTransferIn, symbol, from, v.custody, amount)
	return nil
}

// TransferOut pays amount out of custody.
func (v *Vault) TransferOut(symbol, to string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if err := v.journal.book.Transfer(symbol, v.custody, to, amount); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return fmt.Errorf("%w: %s reserve %s, owed %s", ErrInsufficientReserve, v.custody,
				v.journal.book.BalanceOf(symbol, v.custody), amount)
		}
		return err
	}
	v.journal.record(OpTransferOut, symbol, to, v.custody, amount)
	return nil
}

// Mint creates amount for to.
func (v *Vault) Mint(symbol, to string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if err := v.journal.book.Mint(symbol, to, amount); err != nil {
		return err
	}
	v.journal.record(OpMint, symbol, to, v.custody, amount)
	return nil
}

// Burn destroys amount held by from.
func (v *Vault) Burn(symbol, from string, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	if err := v.journal.book.Burn(symbol, from, amount); err != nil {
		return err
	}
	v.journal.record(OpBurn, symbol, from, v.custody, amount)
	return nil
}

// BalanceOf reads the book.
func (v *Vault) BalanceOf(symbol, account string) decimal.Decimal {
	return v.journal.book.BalanceOf(symbol, account)
}

var _ Ledger = (*Vault)(nil)
