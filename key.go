package custody

import (
	"github.com/pandodao/mtg/mtgpack"
)

func buildIndexKey(prefix []byte, values ...any) []byte {
	enc := mtgpack.NewEncoder()
	if err := enc.EncodeValues(values...); err != nil {
		panic(err)
	}

	key := make([]byte, 0, len(prefix)+len(enc.Bytes()))
	key = append(key, prefix...)
	return append(key, enc.Bytes()...)
}

func decodeIndexKey(key, prefix []byte, values ...any) error {
	dec := mtgpack.NewDecoder(key[len(prefix):])
	return dec.DecodeValues(values...)
}
