package ctlplane

import (
	"bytes"
	"fmt"
	"net"
	"net/rpc"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"method":"Controller.Heartbeat","seq":1}`)

	require.NoError(t, writeFrame(&buf, payload, DefaultMaxFrameBytes))
	got, err := readFrame(&buf, DefaultMaxFrameBytes)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestWriteFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	err := writeFrame(&buf, make([]byte, 100), 10)
	assert.Error(t, err)
	assert.Zero(t, buf.Len(), "nothing written for a rejected frame")
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, make([]byte, 100), DefaultMaxFrameBytes))

	_, err := readFrame(&buf, 10)
	assert.Error(t, err)
}

func TestReadFrameShortInput(t *testing.T) {
	_, err := readFrame(bytes.NewReader([]byte{0, 0}), DefaultMaxFrameBytes)
	assert.Error(t, err)
}

// EchoService exercises the codec pair end to end over net/rpc.
type EchoService struct{}

type EchoArgs struct {
	Value string `json:"value"`
}

type EchoReply struct {
	Value string `json:"value"`
}

func (EchoService) Echo(args *EchoArgs, reply *EchoReply) error {
	reply.Value = args.Value
	return nil
}

func TestCodecRPCRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()

	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("Echo", EchoService{}))
	go srv.ServeCodec(NewServerCodec(serverConn, 0))

	client := rpc.NewClientWithCodec(NewClientCodec(clientConn, 0))
	defer client.Close()

	var reply EchoReply
	require.NoError(t, client.Call("Echo.Echo", &EchoArgs{Value: "ping"}, &reply))
	assert.Equal(t, "ping", reply.Value)
}

func TestCodecPropagatesServiceErrors(t *testing.T) {
	serverConn, clientConn := net.Pipe()

	srv := rpc.NewServer()
	require.NoError(t, srv.RegisterName("Fail", FailService{}))
	go srv.ServeCodec(NewServerCodec(serverConn, 0))

	client := rpc.NewClientWithCodec(NewClientCodec(clientConn, 0))
	defer client.Close()

	var reply EchoReply
	err := client.Call("Fail.Always", &EchoArgs{}, &reply)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deliberate failure")
}

type FailService struct{}

func (FailService) Always(args *EchoArgs, reply *EchoReply) error {
	return fmt.Errorf("deliberate failure")
}
