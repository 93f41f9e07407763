package ipc

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/baaaht/mqbus/pkg/types"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Sort: cbor.SortCoreDeterministic}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  8,
		MaxArrayElements: 65536,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// EncodeEnvelope serializes an envelope into a frame body
func EncodeEnvelope(env *types.Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to encode envelope", err)
	}
	return data, nil
}

// DecodeEnvelope parses and validates a frame body
func DecodeEnvelope(data []byte) (*types.Envelope, error) {
	var env types.Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidEncoding, "failed to decode envelope", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
