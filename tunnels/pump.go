package tunnels

import (
	"errors"
	"io"
	"net"
	"syscall"
	"time"
)

// pumpBufferSize keeps syscall overhead low on small chunks.
const pumpBufferSize = 32 * 1024

type pumpCause int

const (
	pumpClosed pumpCause = iota
	pumpIdleTimeout
	pumpPeerReset
	pumpFailed
)

// pumpResult describes why a tunnel ended and how many bytes each direction moved.
type pumpResult struct {
	cause       pumpCause
	err         error
	clientToMux int64
	muxToClient int64
}

type copyEnd struct {
	n   int64
	err error
}

// pump runs the bidirectional byte copy between the accepted client connection and the
// mux data connection until either direction ends. Both connections are closed exactly
// once before pump returns, which also unblocks the other direction.
func pump(client net.Conn, mux net.Conn, idleTimeout time.Duration) pumpResult {
	clientToMux := make(chan copyEnd, 1)
	muxToClient := make(chan copyEnd, 1)
	go copyHalf(mux, client, idleTimeout, clientToMux)
	go copyHalf(client, mux, idleTimeout, muxToClient)

	var first copyEnd
	select {
	case first = <-clientToMux:
	case first = <-muxToClient:
	}
	client.Close()
	mux.Close()
	var c2m, m2c int64
	select {
	case end := <-clientToMux:
		c2m = end.n
		m2c = first.n
	case end := <-muxToClient:
		m2c = end.n
		c2m = first.n
	}

	result := pumpResult{clientToMux: c2m, muxToClient: m2c}
	result.cause, result.err = classify(first.err)
	return result
}

// copyHalf copies src to dst until EOF, a read or write error, or idleTimeout passes
// without a single byte read. Bytes already read are always written out before the
// error ends the direction.
func copyHalf(dst net.Conn, src net.Conn, idleTimeout time.Duration, done chan<- copyEnd) {
	buf := make([]byte, pumpBufferSize)
	var total int64
	for {
		if idleTimeout > 0 {
			src.SetReadDeadline(time.Now().Add(idleTimeout))
		}
		n, err := src.Read(buf)
		if n > 0 {
			written, werr := dst.Write(buf[:n])
			total += int64(written)
			if werr != nil {
				done <- copyEnd{n: total, err: werr}
				return
			}
		}
		if err != nil {
			done <- copyEnd{n: total, err: err}
			return
		}
	}
}

func classify(err error) (pumpCause, error) {
	switch {
	case err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
		// an externally triggered close is treated like peer EOF
		return pumpClosed, nil
	case isTimeout(err):
		return pumpIdleTimeout, err
	case errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE):
		return pumpPeerReset, err
	default:
		return pumpFailed, err
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
