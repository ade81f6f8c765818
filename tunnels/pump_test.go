package tunnels

import (
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePair builds one connected pair of tcp sockets on the loopback interface.
// net.Pipe is not used because the pump relies on read deadlines and close
// semantics of real sockets.
func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	dialed, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	return dialed, <-accepted
}

func TestPumpByteConservation(t *testing.T) {
	clientNear, clientFar := pipePair(t)
	muxNear, muxFar := pipePair(t)

	sentToMux := bytes.Repeat([]byte("forward this to the device "), 5000)
	sentToClient := bytes.Repeat([]byte("and this back to the host "), 4000)

	// both payloads are fully read before anything closes, so no bytes can be
	// discarded by the teardown that follows the first EOF
	var wg sync.WaitGroup
	fromClient := make([]byte, len(sentToMux))
	fromMux := make([]byte, len(sentToClient))
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := io.ReadFull(muxFar, fromClient)
		require.NoError(t, err)
		_, err = muxFar.Write(sentToClient)
		require.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := clientFar.Write(sentToMux)
		require.NoError(t, err)
		_, err = io.ReadFull(clientFar, fromMux)
		require.NoError(t, err)
		clientFar.Close()
	}()

	result := pump(clientNear, muxNear, 0)
	wg.Wait()

	assert.Equal(t, pumpClosed, result.cause)
	assert.Equal(t, sentToMux, fromClient)
	assert.Equal(t, sentToClient, fromMux)
	assert.Equal(t, int64(len(sentToMux)), result.clientToMux)
	assert.Equal(t, int64(len(sentToClient)), result.muxToClient)
}

func TestPumpIdleTimeout(t *testing.T) {
	clientNear, clientFar := pipePair(t)
	muxNear, muxFar := pipePair(t)
	defer clientFar.Close()
	defer muxFar.Close()

	start := time.Now()
	result := pump(clientNear, muxNear, 100*time.Millisecond)

	assert.Equal(t, pumpIdleTimeout, result.cause)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	// both ends are closed, the peers observe EOF
	buf := make([]byte, 1)
	clientFar.SetReadDeadline(time.Now().Add(time.Second))
	_, err := clientFar.Read(buf)
	assert.Error(t, err)
}

func TestPumpClientEOF(t *testing.T) {
	clientNear, clientFar := pipePair(t)
	muxNear, muxFar := pipePair(t)
	defer muxFar.Close()

	clientFar.Close()
	result := pump(clientNear, muxNear, 0)
	assert.Equal(t, pumpClosed, result.cause)
}

func TestPumpExternalClose(t *testing.T) {
	clientNear, clientFar := pipePair(t)
	muxNear, muxFar := pipePair(t)
	defer clientFar.Close()
	defer muxFar.Close()

	// an externally triggered close of one stream ends the pump like peer EOF
	go func() {
		time.Sleep(50 * time.Millisecond)
		muxNear.Close()
	}()
	result := pump(clientNear, muxNear, 0)
	assert.Equal(t, pumpClosed, result.cause)
}

func TestClassify(t *testing.T) {
	cause, _ := classify(io.EOF)
	assert.Equal(t, pumpClosed, cause)
	cause, _ = classify(net.ErrClosed)
	assert.Equal(t, pumpClosed, cause)
	cause, _ = classify(assert.AnError)
	assert.Equal(t, pumpFailed, cause)
}
