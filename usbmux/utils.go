package usbmux

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"strings"

	plist "howett.net/plist"
)

// ToPlist converts a given struct to a Plist using the
// github.com/DHowett/go-plist library. Make sure your struct is exported.
// It returns a string containing the plist.
func ToPlist(data interface{}) string {
	return string(ToPlistBytes(data))
}

// ToPlistBytes converts a given struct to a Plist using the
// github.com/DHowett/go-plist library. Make sure your struct is exported.
// It returns a byte slice containing the plist.
func ToPlistBytes(data interface{}) []byte {
	bytes, err := plist.Marshal(data, plist.XMLFormat)
	if err != nil {
		// this should not happen
		panic(fmt.Sprintf("Failed converting to plist %v error:%v", data, err))
	}
	return bytes
}

// ParsePlist tries to parse the given bytes, which should be a Plist, into a map[string]interface.
// It returns the map or an error if the decoding step fails.
func ParsePlist(data []byte) (map[string]interface{}, error) {
	var result map[string]interface{}
	_, err := plist.Unmarshal(data, &result)
	return result, err
}

// Ntohs is a re-implementation of the C function ntohs.
// it means networkorder to host order and basically swaps
// the endianness of the given int.
// It returns port converted to little endian.
func Ntohs(port uint16) uint16 {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, port)
	return binary.LittleEndian.Uint16(buf)
}

// GetSocketTypeAndAddress splits a "scheme://address" socket spec.
// Bare paths are treated as unix sockets.
func GetSocketTypeAndAddress(socketAddress string) (string, string) {
	chunks := strings.SplitN(socketAddress, "://", 2)
	if len(chunks) != 2 {
		return "unix", socketAddress
	}
	return chunks[0], chunks[1]
}

// GetUsbmuxdSocket this is the default socket address for the platform to connect to.
func GetUsbmuxdSocket() string {
	socketOverride := os.Getenv("USBMUXD_SOCKET_ADDRESS")
	if socketOverride != "" {
		if strings.Contains(socketOverride, ":") && !strings.Contains(socketOverride, "://") {
			return "tcp://" + socketOverride
		}
		return socketOverride
	}
	switch runtime.GOOS {
	case "windows":
		return "tcp://127.0.0.1:27015"
	default:
		return "unix:///var/run/usbmuxd"
	}
}
