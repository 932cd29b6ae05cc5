package protocol

import (
	"math"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"
)

func testWeights() ModelWeights {
	w := ModelWeights{NewTensor(2, 3), NewTensor(3)}
	for i := range w[0].Data {
		w[0].Data[i] = float64(i) * 0.1
	}
	w[1].Data = []float64{math.Pi, -math.MaxFloat64, math.SmallestNonzeroFloat64}
	return w
}

func TestEncodeDecodeUpdate(t *testing.T) {
	info := UpdateInfo{Kind: KindModel, Sender: 7, Epoch: 12, Algorithm: "average"}
	weights := testWeights()

	data, err := EncodeUpdate(info, weights)
	require.NoError(t, err)

	decodedInfo, decodedWeights, err := DecodeUpdate(data)
	require.NoError(t, err)
	require.Equal(t, info, decodedInfo)
	require.Equal(t, weights, decodedWeights)
}

func TestEncodeDecodeEmptyWeights(t *testing.T) {
	info := UpdateInfo{Kind: KindModel, Sender: 1}

	data, err := EncodeUpdate(info, ModelWeights{})
	require.NoError(t, err)

	decodedInfo, decodedWeights, err := DecodeUpdate(data)
	require.NoError(t, err)
	require.Equal(t, info, decodedInfo)
	require.Empty(t, decodedWeights)
}

func TestEncodeDecodeInfo(t *testing.T) {
	info := UpdateInfo{Kind: KindModel, Sender: 3, Epoch: 5, Algorithm: "median"}

	data, err := EncodeInfo(info)
	require.NoError(t, err)

	decoded, err := DecodeInfo(data)
	require.NoError(t, err)
	require.Equal(t, info, decoded)

	// An info blob is not an update and vice versa.
	_, _, err = DecodeUpdate(data)
	require.ErrorIs(t, err, ErrCorruptUpdate)
}

func TestEncodeRejectsInconsistentTensor(t *testing.T) {
	_, err := EncodeUpdate(UpdateInfo{}, ModelWeights{{Shape: []int{2, 2}, Data: []float64{1}}})
	require.Error(t, err)
}

func TestDecodeCorruptUpdate(t *testing.T) {
	valid, err := EncodeUpdate(UpdateInfo{Kind: KindModel}, testWeights())
	require.NoError(t, err)

	raw, err := snappy.Decode(nil, valid)
	require.NoError(t, err)

	badShape, err := cbor.Marshal(&encodedUpdate{
		Weights: ModelWeights{{Shape: []int{4}, Data: []float64{1, 2}}},
	})
	require.NoError(t, err)

	testCases := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"not snappy", []byte{0xff, 0xff, 0xff, 0xff}},
		{"empty envelope", snappy.Encode(nil, []byte{})},
		{"wrong code", snappy.Encode(nil, append([]byte{0x7f}, raw[1:]...))},
		{"truncated cbor", snappy.Encode(nil, raw[:len(raw)/2])},
		{"shape mismatch", snappy.Encode(nil, append([]byte{CodeUpdate}, badShape...))},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := DecodeUpdate(tc.data)
			require.ErrorIs(t, err, ErrCorruptUpdate)
		})
	}
}

func TestDecodeRejectsOversizedEnvelope(t *testing.T) {
	// Block header declaring a 1 GiB decoded length followed by one byte.
	data := []byte{0x80, 0x80, 0x80, 0x80, 0x04, 0x00, 0x01}

	n, err := snappy.DecodedLen(data)
	require.NoError(t, err)
	require.Greater(t, n, MaxDecodedSize)

	_, _, err = DecodeUpdate(data)
	require.ErrorIs(t, err, ErrCorruptUpdate)
	require.ErrorContains(t, err, "exceeds")

	_, err = DecodeInfo(data)
	require.ErrorIs(t, err, ErrCorruptUpdate)
	require.ErrorContains(t, err, "exceeds")
}

func TestWeightsClone(t *testing.T) {
	w := testWeights()
	c := w.Clone()
	require.Equal(t, w, c)

	c[0].Data[0] = 42
	c[0].Shape[0] = 9
	require.NotEqual(t, 42.0, w[0].Data[0])
	require.Equal(t, 2, w[0].Shape[0])

	require.True(t, w.SameStructure(w.Clone()))
	require.False(t, w.SameStructure(ModelWeights{NewTensor(3, 2), NewTensor(3)}))
	require.False(t, w.SameStructure(w[:1]))
}

func TestNonce(t *testing.T) {
	a := NewNonce()
	b := NewNonce()
	require.NotEqual(t, a, b)
	require.False(t, a.IsZero())
	require.True(t, Nonce{}.IsZero())
	require.Len(t, a.String(), 36)
}

func TestParsePeerID(t *testing.T) {
	p, err := ParsePeerID("42")
	require.NoError(t, err)
	require.Equal(t, PeerID(42), p)
	require.Equal(t, "42", p.String())

	_, err = ParsePeerID("-1")
	require.Error(t, err)
}
