package ctlplane

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/rpc"
	"sync"
)

// DefaultMaxFrameBytes bounds a single RPC frame. A full enforcer
// configuration for a large network fits comfortably below this.
const DefaultMaxFrameBytes = 32 << 20

// Frames are 4-byte big-endian length prefixes followed by one JSON
// document. Request and response each travel as a single frame carrying
// both the envelope and the body, so a frame is always self-contained.

type requestFrame struct {
	Method string          `json:"method"`
	Seq    uint64          `json:"seq"`
	Params json.RawMessage `json:"params,omitempty"`
}

type responseFrame struct {
	Method string          `json:"method"`
	Seq    uint64          `json:"seq"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func readFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int64(n) > int64(max) {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte, max int) error {
	if len(payload) > max {
		return fmt.Errorf("frame of %d bytes exceeds limit of %d", len(payload), max)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

type serverCodec struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader
	max  int

	pending json.RawMessage

	wmu sync.Mutex
	w   *bufio.Writer
}

// NewServerCodec returns a net/rpc server codec speaking length-prefixed
// JSON frames over conn. maxFrame <= 0 selects DefaultMaxFrameBytes.
func NewServerCodec(conn io.ReadWriteCloser, maxFrame int) rpc.ServerCodec {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &serverCodec{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
		max:  maxFrame,
	}
}

func (c *serverCodec) ReadRequestHeader(req *rpc.Request) error {
	buf, err := readFrame(c.r, c.max)
	if err != nil {
		return err
	}
	var frame requestFrame
	if err := json.Unmarshal(buf, &frame); err != nil {
		return fmt.Errorf("malformed request frame: %w", err)
	}
	req.ServiceMethod = frame.Method
	req.Seq = frame.Seq
	c.pending = frame.Params
	return nil
}

func (c *serverCodec) ReadRequestBody(body any) error {
	params := c.pending
	c.pending = nil
	if body == nil {
		return nil
	}
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, body)
}

func (c *serverCodec) WriteResponse(resp *rpc.Response, body any) error {
	frame := responseFrame{
		Method: resp.ServiceMethod,
		Seq:    resp.Seq,
		Error:  resp.Error,
	}
	if resp.Error == "" {
		result, err := json.Marshal(body)
		if err != nil {
			return err
		}
		frame.Result = result
	}
	payload, err := json.Marshal(&frame)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFrame(c.w, payload, c.max); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *serverCodec) Close() error {
	return c.conn.Close()
}

type clientCodec struct {
	conn io.ReadWriteCloser
	r    *bufio.Reader
	max  int

	pending json.RawMessage

	wmu sync.Mutex
	w   *bufio.Writer
}

// NewClientCodec returns the client half of the framed JSON codec.
func NewClientCodec(conn io.ReadWriteCloser, maxFrame int) rpc.ClientCodec {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	return &clientCodec{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
		max:  maxFrame,
	}
}

func (c *clientCodec) WriteRequest(req *rpc.Request, body any) error {
	params, err := json.Marshal(body)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(&requestFrame{
		Method: req.ServiceMethod,
		Seq:    req.Seq,
		Params: params,
	})
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := writeFrame(c.w, payload, c.max); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *clientCodec) ReadResponseHeader(resp *rpc.Response) error {
	buf, err := readFrame(c.r, c.max)
	if err != nil {
		return err
	}
	var frame responseFrame
	if err := json.Unmarshal(buf, &frame); err != nil {
		return fmt.Errorf("malformed response frame: %w", err)
	}
	resp.ServiceMethod = frame.Method
	resp.Seq = frame.Seq
	resp.Error = frame.Error
	c.pending = frame.Result
	return nil
}

func (c *clientCodec) ReadResponseBody(body any) error {
	result := c.pending
	c.pending = nil
	if body == nil || len(result) == 0 {
		return nil
	}
	return json.Unmarshal(result, body)
}

func (c *clientCodec) Close() error {
	return c.conn.Close()
}
