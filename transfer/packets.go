package transfer

import (
	"errors"
	"fmt"

	"github.com/ThomasWerthenbach/Repple/protocol"
)

const (
	codeWriteRequest byte = 0x10
	codeData         byte = 0x11
	codeAck          byte = 0x12
	codeError        byte = 0x13
)

// headerReserve is the datagram space kept free for the packet envelope when
// sizing data blocks.
const headerReserve = 128

var errUnknownPacket = errors.New("unknown packet code")

// WriteRequest announces a transfer.
type WriteRequest struct {
	Nonce    protocol.Nonce `cbor:"1,keyasint"`
	Info     []byte         `cbor:"2,keyasint"`
	Size     int            `cbor:"3,keyasint"`
	Blocks   int            `cbor:"4,keyasint"`
	Checksum []byte         `cbor:"5,keyasint"`
}

// Data carries one block of the payload.
type Data struct {
	Nonce protocol.Nonce `cbor:"1,keyasint"`
	Index int            `cbor:"2,keyasint"`
	Block []byte         `cbor:"3,keyasint"`
}

// Ack reports the index of the next block the receiver expects and the
// window it wants the sender to use.
type Ack struct {
	Nonce  protocol.Nonce `cbor:"1,keyasint"`
	Next   int            `cbor:"2,keyasint"`
	Window int            `cbor:"3,keyasint"`
}

// Error aborts a transfer from the receiving side.
type Error struct {
	Nonce   protocol.Nonce `cbor:"1,keyasint"`
	Message string         `cbor:"2,keyasint"`
}

func encodePacket(v any) ([]byte, error) {
	var code byte
	switch v.(type) {
	case *WriteRequest:
		code = codeWriteRequest
	case *Data:
		code = codeData
	case *Ack:
		code = codeAck
	case *Error:
		code = codeError
	default:
		return nil, fmt.Errorf("%w: %T", errUnknownPacket, v)
	}

	body, err := protocol.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not encode packet %T: %w", v, err)
	}

	return append([]byte{code}, body...), nil
}

func decodePacket(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, errors.New("empty packet")
	}

	var v any
	switch data[0] {
	case codeWriteRequest:
		v = &WriteRequest{}
	case codeData:
		v = &Data{}
	case codeAck:
		v = &Ack{}
	case codeError:
		v = &Error{}
	default:
		return nil, fmt.Errorf("%w: %d", errUnknownPacket, data[0])
	}

	if err := protocol.Unmarshal(data[1:], v); err != nil {
		return nil, fmt.Errorf("could not decode packet with code %d: %w", data[0], err)
	}
	return v, nil
}

func splitBlocks(payload []byte, blockSize int) [][]byte {
	blocks := make([][]byte, 0, (len(payload)+blockSize-1)/blockSize)
	for start := 0; start < len(payload); start += blockSize {
		end := min(start+blockSize, len(payload))
		blocks = append(blocks, payload[start:end])
	}
	return blocks
}
