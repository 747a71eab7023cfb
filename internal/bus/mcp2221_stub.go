//go:build !hidapi

package bus

// Default USB identifiers of a factory-fresh MCP2221(A).
const (
	MCP2221VendorID  = 0x04d8
	MCP2221ProductID = 0x00dd
)

// OpenMCP2221 is unavailable without the hidapi build tag.
func OpenMCP2221(vid, pid uint16, addr byte, debug bool) (Bus, error) {
	return nil, ErrUnsupported
}
