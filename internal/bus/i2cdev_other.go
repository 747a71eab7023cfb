//go:build !linux

package bus

// OpenI2CDev is only available on Linux.
func OpenI2CDev(path string, addr uint16, debug bool) (Bus, error) {
	return nil, ErrUnsupported
}
