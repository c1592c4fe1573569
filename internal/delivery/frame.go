package delivery

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// FrameKind distinguishes direct-channel payloads.
type FrameKind string

const (
	FrameChat   FrameKind = "chat"
	FrameSecret FrameKind = "secret"
)

// Frame is the direct-channel wire form of an encrypted message.
type Frame struct {
	Kind      FrameKind `cbor:"kind"`
	ID        string    `cbor:"id"`
	Sender    string    `cbor:"sender"`
	Timestamp int64     `cbor:"timestamp"`
	Data      string    `cbor:"data"`
	IV        string    `cbor:"iv"`
}

var errBadFrame = errors.New("malformed frame")

// Core Deterministic Encoding: the same frame always encodes to the same
// bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("delivery: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("delivery: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeFrame(f Frame) ([]byte, error) {
	return encMode.Marshal(f)
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	if f.ID == "" || f.Sender == "" || (f.Kind != FrameChat && f.Kind != FrameSecret) {
		return Frame{}, errBadFrame
	}
	return f, nil
}
