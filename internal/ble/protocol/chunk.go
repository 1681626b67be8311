// internal/ble/protocol/chunk.go
package protocol

// DefaultTransferUnit is the ATT payload size of an unnegotiated link
// (23-byte default MTU minus the 3-byte ATT header).
const DefaultTransferUnit = 20

// MaxTransferUnit is the payload size reached with the preferred MTU of 247.
const MaxTransferUnit = 244

// attHeaderBytes is the opcode + handle overhead of an ATT write.
const attHeaderBytes = 3

// TransferUnit converts a negotiated MTU into the usable write payload
// size, clamped to [DefaultTransferUnit, MaxTransferUnit].
func TransferUnit(mtu int) int {
	unit := mtu - attHeaderBytes
	if unit < DefaultTransferUnit {
		return DefaultTransferUnit
	}
	if unit > MaxTransferUnit {
		return MaxTransferUnit
	}
	return unit
}

// ChunkBytes splits data into consecutive chunks of at most unit bytes.
// Only the last chunk may be shorter. The chunks alias data.
// Returns nil for empty data or a non-positive unit.
func ChunkBytes(data []byte, unit int) [][]byte {
	if len(data) == 0 || unit <= 0 {
		return nil
	}
	if len(data) <= unit {
		return [][]byte{data}
	}

	chunks := make([][]byte, 0, ChunkCount(len(data), unit))
	for len(data) > 0 {
		n := unit
		if len(data) < n {
			n = len(data)
		}
		chunks = append(chunks, data[:n:n])
		data = data[n:]
	}
	return chunks
}

// ChunkCount returns ceil(size/unit), the number of chunks ChunkBytes
// produces for a payload of the given size.
func ChunkCount(size, unit int) int {
	if size <= 0 || unit <= 0 {
		return 0
	}
	return (size + unit - 1) / unit
}
