package wire

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so the same envelope always produces the same bytes.
// Times are encoded as RFC 3339 strings with nanoseconds.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any. Unknown fields are ignored.
var decMode cbor.DecMode

func init() {
	var err error
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is an encoded CBOR value whose decoding is deferred until the method is known.
type RawMessage = cbor.RawMessage

// Marshal encodes a body value.
func Marshal(v any) (RawMessage, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes a body value. An empty body leaves v untouched.
func Unmarshal(data RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return decMode.Unmarshal(data, v)
}
