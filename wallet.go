package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

var ErrInsufficientFunds = errors.New("wallet: insufficient funds")

type walletKey struct {
	owner string
	asset AssetID
}

// Wallets is an in-process settlement rail: it holds external balances of
// depositors and of the custody account and implements Transferer.
type Wallets struct {
	custody string

	mu       sync.Mutex
	balances map[walletKey]*uint256.Int
	receiver func(ctx context.Context, from string, asset AssetID, amount *uint256.Int) error
}

func NewWallets(custody string) *Wallets {
	return &Wallets{
		custody:  custody,
		balances: map[walletKey]*uint256.Int{},
	}
}

// OnReceive installs the hook consulted when value is sent to the custody
// account outside of TransferIn.
func (w *Wallets) OnReceive(fn func(ctx context.Context, from string, asset AssetID, amount *uint256.Int) error) {
	w.mu.Lock()
	w.receiver = fn
	w.mu.Unlock()
}

func (w *Wallets) Mint(owner string, asset AssetID, amount *uint256.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := walletKey{owner, asset}
	sum, overflow := new(uint256.Int).AddOverflow(w.balanceOf(key), amount)
	if overflow {
		return fmt.Errorf("mint: %w", ErrOverflow)
	}

	w.balances[key] = sum
	return nil
}

func (w *Wallets) BalanceOf(owner string, asset AssetID) *uint256.Int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.balanceOf(walletKey{owner, asset}).Clone()
}

func (w *Wallets) Custody() string {
	return w.custody
}

// Send is a plain transfer between wallets. Sends to the custody account go
// through the receive hook, which may refuse them.
func (w *Wallets) Send(ctx context.Context, from, to string, asset AssetID, amount *uint256.Int) error {
	if to == w.custody {
		w.mu.Lock()
		receiver := w.receiver
		w.mu.Unlock()

		if receiver != nil {
			if err := receiver(ctx, from, asset, amount); err != nil {
				return err
			}
		}
	}

	return w.move(from, to, asset, amount)
}

func (w *Wallets) TransferIn(_ context.Context, owner string, asset AssetID, amount *uint256.Int) error {
	return w.move(owner, w.custody, asset, amount)
}

func (w *Wallets) TransferOut(_ context.Context, owner string, asset AssetID, amount *uint256.Int) error {
	return w.move(w.custody, owner, asset, amount)
}

func (w *Wallets) move(from, to string, asset AssetID, amount *uint256.Int) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	src := walletKey{from, asset}
	dst := walletKey{to, asset}

	have := w.balanceOf(src)
	if have.Lt(amount) {
		return fmt.Errorf("%s has %s of %s, needs %s: %w", from, dec(have), asset, dec(amount), ErrInsufficientFunds)
	}

	sum, overflow := new(uint256.Int).AddOverflow(w.balanceOf(dst), amount)
	if overflow {
		return fmt.Errorf("move to %s: %w", to, ErrOverflow)
	}

	w.balances[src] = new(uint256.Int).Sub(have, amount)
	w.balances[dst] = sum
	return nil
}

func (w *Wallets) balanceOf(key walletKey) *uint256.Int {
	if b, ok := w.balances[key]; ok {
		return b
	}

	return new(uint256.Int)
}
