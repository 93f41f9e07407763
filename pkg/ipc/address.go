package ipc

import (
	"fmt"
	"strings"

	"github.com/baaaht/mqbus/pkg/types"
)

const (
	schemeIPC = "ipc://"
	schemeTCP = "tcp://"
)

// Address is a parsed endpoint URL
type Address struct {
	Network string // "unix" or "tcp"
	Host    string // socket path or host:port
}

// ParseAddress parses "ipc:///path/to.sock" or "tcp://host:port"
func ParseAddress(s string) (Address, error) {
	switch {
	case strings.HasPrefix(s, schemeIPC):
		path := strings.TrimPrefix(s, schemeIPC)
		if path == "" {
			return Address{}, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("empty socket path in %q", s))
		}
		return Address{Network: "unix", Host: path}, nil
	case strings.HasPrefix(s, schemeTCP):
		host := strings.TrimPrefix(s, schemeTCP)
		if host == "" || !strings.Contains(host, ":") {
			return Address{}, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("tcp address %q needs host:port", s))
		}
		return Address{Network: "tcp", Host: host}, nil
	default:
		return Address{}, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("unsupported address %q (want ipc:// or tcp://)", s))
	}
}

// String renders the address back into URL form
func (a Address) String() string {
	if a.Network == "unix" {
		return schemeIPC + a.Host
	}
	return schemeTCP + a.Host
}
