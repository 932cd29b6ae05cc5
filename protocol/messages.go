package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
)

// PeerID identifies a participant. It is stable and unique within a run.
type PeerID uint32

func (p PeerID) String() string {
	return strconv.FormatUint(uint64(p), 10)
}

// ParsePeerID parses the decimal representation produced by String.
func ParsePeerID(s string) (PeerID, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid peer id %q: %w", s, err)
	}
	return PeerID(v), nil
}

// Nonce identifies one logical send. Retries of the same send reuse it.
type Nonce [16]byte

// NewNonce returns a fresh random nonce.
func NewNonce() Nonce {
	return Nonce(uuid.New())
}

func (n Nonce) String() string {
	return uuid.UUID(n).String()
}

func (n Nonce) IsZero() bool {
	return n == Nonce{}
}

// Tensor is a dense float64 array with an explicit shape. Data is stored in
// row-major order and its length equals the product of Shape.
type Tensor struct {
	Shape []int     `cbor:"1,keyasint" json:"shape"`
	Data  []float64 `cbor:"2,keyasint" json:"data"`
}

// NewTensor allocates a zero tensor of the given shape.
func NewTensor(shape ...int) Tensor {
	t := Tensor{Shape: append([]int(nil), shape...)}
	t.Data = make([]float64, t.Size())
	return t
}

// Size is the number of elements implied by the shape.
func (t Tensor) Size() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Clone returns a deep copy.
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// SameShape reports whether both tensors have identical shapes.
func (t Tensor) SameShape(o Tensor) bool {
	if len(t.Shape) != len(o.Shape) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != o.Shape[i] {
			return false
		}
	}
	return true
}

// ModelWeights is the ordered list of parameter tensors of a model.
// Weights are owned values: receivers Clone before keeping them.
type ModelWeights []Tensor

func (w ModelWeights) Clone() ModelWeights {
	if w == nil {
		return nil
	}
	out := make(ModelWeights, len(w))
	for i := range w {
		out[i] = w[i].Clone()
	}
	return out
}

// SameStructure reports whether o has exactly the same tensor shapes as w.
func (w ModelWeights) SameStructure(o ModelWeights) bool {
	if len(w) != len(o) {
		return false
	}
	for i := range w {
		if !w[i].SameShape(o[i]) {
			return false
		}
	}
	return true
}

// Validate checks that every tensor's data length matches its shape.
func (w ModelWeights) Validate() error {
	for i, t := range w {
		if len(t.Data) != t.Size() {
			return fmt.Errorf("tensor %d: shape %v implies %d elements, got %d", i, t.Shape, t.Size(), len(t.Data))
		}
	}
	return nil
}

// NumParams is the total number of scalar parameters.
func (w ModelWeights) NumParams() int {
	n := 0
	for _, t := range w {
		n += len(t.Data)
	}
	return n
}

// UpdateKind tags the content of an encoded update.
type UpdateKind uint8

const (
	KindModel UpdateKind = iota + 1
)

func (k UpdateKind) String() string {
	switch k {
	case KindModel:
		return "model"
	default:
		return "unknown(" + strconv.Itoa(int(k)) + ")"
	}
}

// UpdateInfo is the small header sent as the transfer info blob alongside
// each encoded model payload.
type UpdateInfo struct {
	Kind      UpdateKind `cbor:"1,keyasint" json:"kind"`
	Sender    PeerID     `cbor:"2,keyasint" json:"sender"`
	Epoch     Epoch      `cbor:"3,keyasint" json:"epoch"`
	Algorithm string     `cbor:"4,keyasint" json:"algorithm"`
}

// ModelUpdate is a peer's published model for an epoch.
type ModelUpdate struct {
	Sender  PeerID
	Epoch   Epoch
	Weights ModelWeights
	Nonce   Nonce
}

// DecodeMessage deserializes a JSON message, e.g. a status API response.
func DecodeMessage[T any](reader io.Reader) (*T, error) {
	var msg T
	err := json.NewDecoder(reader).Decode(&msg)
	return &msg, err
}

// SerializeMessage serializes a message to JSON for the status API.
func SerializeMessage[T any](msg *T) ([]byte, error) {
	return json.Marshal(msg)
}
