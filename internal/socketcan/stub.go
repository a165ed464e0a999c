//go:build !linux

package socketcan

import (
	"errors"
	"fmt"
)

// Open is unavailable off Linux; the port logic still builds for tests.
func Open(iface string) (Dev, error) {
	return nil, fmt.Errorf("socketcan %s: %w", iface, errors.ErrUnsupported)
}
