package dispatch

import "io"

// maxResponseBytes bounds how much of a non-streaming upstream body
// dispatch will buffer into memory before giving up — a misbehaving
// upstream sending an unbounded body should not be able to exhaust the
// process.
const maxResponseBytes = 32 << 20 // 32MiB

func readAllLimited(r io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxResponseBytes+1))
}
