package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
)

// Envelope codes prefixed to every encoded value.
const (
	CodeUpdate byte = 0x01
	CodeInfo   byte = 0x02
)

// MaxDecodedSize bounds the decompressed size of an envelope. Snappy
// allocates the length declared in the block header up front, so it is
// checked before decompressing.
const MaxDecodedSize = 128 << 20

// maxDecodedElements bounds array lengths accepted by the decoder. Model
// tensors routinely exceed the library default.
const maxDecodedElements = MaxDecodedSize / 9

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		ShortestFloat: cbor.ShortestFloatNone,
		NaNConvert:    cbor.NaNConvertNone,
		InfConvert:    cbor.InfConvertNone,
	}.EncMode()
	if err != nil {
		panic(fmt.Errorf("could not create cbor encoder: %w", err))
	}

	decMode, err = cbor.DecOptions{
		MaxArrayElements: maxDecodedElements,
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Errorf("could not create cbor decoder: %w", err))
	}
}

// Marshal encodes v with the deterministic CBOR mode used on the wire.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR produced by Marshal.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

type encodedUpdate struct {
	Info    UpdateInfo   `cbor:"1,keyasint"`
	Weights ModelWeights `cbor:"2,keyasint"`
}

// EncodeUpdate serializes a model update. The result is snappy-compressed
// CBOR behind a one byte envelope code. Floats are encoded at full precision
// so DecodeUpdate returns exactly the weights that were encoded.
func EncodeUpdate(info UpdateInfo, weights ModelWeights) ([]byte, error) {
	if err := weights.Validate(); err != nil {
		return nil, fmt.Errorf("could not encode update: %w", err)
	}

	return encodeEnvelope(CodeUpdate, &encodedUpdate{Info: info, Weights: weights})
}

// DecodeUpdate is the inverse of EncodeUpdate. Any malformed input yields an
// error wrapping ErrCorruptUpdate.
func DecodeUpdate(data []byte) (UpdateInfo, ModelWeights, error) {
	var msg encodedUpdate
	if err := decodeEnvelope(data, CodeUpdate, &msg); err != nil {
		return UpdateInfo{}, nil, err
	}

	if err := msg.Weights.Validate(); err != nil {
		return UpdateInfo{}, nil, fmt.Errorf("%w: %w", ErrCorruptUpdate, err)
	}

	return msg.Info, msg.Weights, nil
}

// EncodeInfo serializes the update header on its own.
func EncodeInfo(info UpdateInfo) ([]byte, error) {
	return encodeEnvelope(CodeInfo, &info)
}

// DecodeInfo is the inverse of EncodeInfo.
func DecodeInfo(data []byte) (UpdateInfo, error) {
	var info UpdateInfo
	if err := decodeEnvelope(data, CodeInfo, &info); err != nil {
		return UpdateInfo{}, err
	}
	return info, nil
}

func encodeEnvelope(code byte, v any) ([]byte, error) {
	body, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not encode cbor payload with envelope code %d: %w", code, err)
	}

	data := make([]byte, 0, len(body)+1)
	data = append(data, code)
	data = append(data, body...)

	return snappy.Encode(nil, data), nil
}

func decodeEnvelope(compressed []byte, expected byte, v any) error {
	n, err := snappy.DecodedLen(compressed)
	if err != nil {
		return fmt.Errorf("%w: could not decompress: %w", ErrCorruptUpdate, err)
	}
	if n > MaxDecodedSize {
		return fmt.Errorf("%w: declared size %d exceeds %d", ErrCorruptUpdate, n, MaxDecodedSize)
	}

	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("%w: could not decompress: %w", ErrCorruptUpdate, err)
	}

	if len(data) == 0 {
		return fmt.Errorf("%w: empty envelope", ErrCorruptUpdate)
	}

	code := data[0]
	if code != expected {
		return fmt.Errorf("%w: unexpected envelope code %d, want %d", ErrCorruptUpdate, code, expected)
	}

	if err := decMode.Unmarshal(data[1:], v); err != nil {
		return fmt.Errorf("%w: could not decode cbor payload with envelope code %d: %w", ErrCorruptUpdate, code, err)
	}

	return nil
}
