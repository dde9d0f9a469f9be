package custody

import (
	"context"

	"github.com/holiman/uint256"
)

// Transferer moves value between a depositor and the custody account. Each
// call either moves the full amount or reports an error and moves nothing.
// Implementations may call back into the Bank before returning.
type Transferer interface {
	// TransferIn pulls amount of asset from owner into custody.
	TransferIn(ctx context.Context, owner string, asset AssetID, amount *uint256.Int) error
	// TransferOut pushes amount of asset from custody to owner.
	TransferOut(ctx context.Context, owner string, asset AssetID, amount *uint256.Int) error
}
