package custody

import (
	"strings"

	"github.com/google/uuid"
)

// AssetID identifies a custodied asset.
type AssetID = uuid.UUID

// NativeAsset is the reserved id of the chain's base currency.
var NativeAsset = uuid.Nil

// ParseAssetID accepts a UUID, or "" / "native" for the native asset.
func ParseAssetID(s string) (AssetID, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "native") {
		return NativeAsset, nil
	}

	return uuid.Parse(s)
}

type Asset struct {
	ID        AssetID `json:"id"`
	Active    bool    `json:"active"`
	OracleRef string  `json:"oracle"`
	Decimals  uint8   `json:"decimals"`
}

// Registry keeps every asset ever registered. Removed assets stay in the
// registry with Active unset.
type Registry struct {
	assets map[AssetID]*Asset
	order  []AssetID
}

func NewRegistry() *Registry {
	return &Registry{assets: map[AssetID]*Asset{}}
}

// Lookup returns a copy of the asset record, active or not.
func (r *Registry) Lookup(id AssetID) (Asset, bool) {
	a, ok := r.assets[id]
	if !ok {
		return Asset{}, false
	}

	return *a, true
}

// Active returns the asset only if it currently accepts deposits.
func (r *Registry) Active(id AssetID) (Asset, bool) {
	a, ok := r.Lookup(id)
	if !ok || !a.Active {
		return Asset{}, false
	}

	return a, true
}

// Put activates the asset with the given oracle and decimals.
func (r *Registry) Put(id AssetID, oracleRef string, decimals uint8) {
	a, ok := r.assets[id]
	if !ok {
		a = &Asset{ID: id}
		r.assets[id] = a
	}

	if !a.Active {
		r.order = append(r.order, id)
	}

	a.Active = true
	a.OracleRef = oracleRef
	a.Decimals = decimals
}

func (r *Registry) Deactivate(id AssetID) {
	a, ok := r.assets[id]
	if !ok || !a.Active {
		return
	}

	a.Active = false
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) SetOracle(id AssetID, oracleRef string) {
	if a, ok := r.assets[id]; ok {
		a.OracleRef = oracleRef
	}
}

// Supported lists active assets in activation order.
func (r *Registry) Supported() []Asset {
	list := make([]Asset, 0, len(r.order))
	for _, id := range r.order {
		list = append(list, *r.assets[id])
	}

	return list
}
