package usbmux

import (
	"bytes"
	"errors"
	"fmt"

	plist "howett.net/plist"
)

// usbmuxd result codes sent in the Number field of Result messages.
const (
	ResultOK                = 0
	ResultBadCommand        = 1
	ResultBadDevice         = 2
	ResultConnectionRefused = 3
)

// ErrDeviceNotConnected is returned by Connect when usbmuxd does not know the device,
// usually because it was unplugged between attach and connect.
var ErrDeviceNotConnected = errors.New("device is not connected")

// ErrPortNotAvailable is returned by Connect when the device refused the port.
var ErrPortNotAvailable = errors.New("port not available on device")

// ErrMalformedRequest is returned when usbmuxd rejected the request itself.
var ErrMalformedRequest = errors.New("usbmuxd rejected the request as malformed")

// MuxError carries a result code outside the known set.
type MuxError struct {
	Number uint32
}

func (e MuxError) Error() string {
	return fmt.Sprintf("unknown usbmuxd result code:%d", e.Number)
}

// MuxResponse is a generic response message sent by usbmuxd,
// it contains a Number response code.
type MuxResponse struct {
	MessageType string
	Number      uint32
}

// MuxResponsefromBytes parses a MuxResponse struct from bytes
func MuxResponsefromBytes(plistBytes []byte) MuxResponse {
	decoder := plist.NewDecoder(bytes.NewReader(plistBytes))
	var response MuxResponse
	_ = decoder.Decode(&response)
	return response
}

// IsSuccessFull returns true when the response indicates success
func (response MuxResponse) IsSuccessFull() bool {
	return response.Number == ResultOK
}

// Err maps the result code to one of the typed errors, nil on success.
func (response MuxResponse) Err() error {
	switch response.Number {
	case ResultOK:
		return nil
	case ResultBadCommand:
		return ErrMalformedRequest
	case ResultBadDevice:
		return ErrDeviceNotConnected
	case ResultConnectionRefused:
		return ErrPortNotAvailable
	default:
		return MuxError{Number: response.Number}
	}
}
