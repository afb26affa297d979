package webserver

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/mockrpc/mockrpc/pkg/rpc"
)

// wireFormat is the detected sub-variant of one web RPC call.
type wireFormat int

const (
	formatJSON wireFormat = iota
	formatGRPCWeb
	formatGRPCWebText
)

func (f wireFormat) String() string {
	switch f {
	case formatGRPCWeb:
		return "grpc-web"
	case formatGRPCWebText:
		return "grpc-web-text"
	default:
		return "json"
	}
}

// contentType returns the response Content-Type for the variant.
func (f wireFormat) contentType() string {
	switch f {
	case formatGRPCWeb:
		return ContentTypeGRPCWeb
	case formatGRPCWebText:
		return ContentTypeGRPCWebText
	default:
		return ContentTypeJSON
	}
}

// grpc-web frame flags.
const (
	frameData    byte = 0x00
	frameTrailer byte = 0x80
)

// readFrames parses a grpc-web request body into data frame payloads. For
// the text variant the body is base64-decoded first.
func readFrames(r io.Reader, text bool) ([][]byte, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if text {
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			return nil, fmt.Errorf("decode base64 body: %w", err)
		}
		body = decoded
	}

	var frames [][]byte
	for len(body) > 0 {
		if len(body) < 5 {
			return nil, fmt.Errorf("truncated frame header")
		}
		flag := body[0]
		length := binary.BigEndian.Uint32(body[1:5])
		if uint32(len(body)-5) < length {
			return nil, fmt.Errorf("truncated frame payload")
		}
		payload := body[5 : 5+length]
		body = body[5+length:]
		if flag&frameTrailer != 0 {
			// Clients do not send trailer frames; ignore if present.
			continue
		}
		frames = append(frames, payload)
	}
	return frames, nil
}

// frameSink writes grpc-web response frames. The binary variant streams each
// frame with a flush. The text variant encodes in 3-byte-aligned base64
// groups so the body stays one contiguous base64 stream while frames still
// flush as they are produced; at most two raw bytes are held back between
// frames, so looping streams run in constant memory.
type frameSink struct {
	w     http.ResponseWriter
	text  bool
	carry []byte
}

func newFrameSink(w http.ResponseWriter, text bool) *frameSink {
	return &frameSink{w: w, text: text}
}

// WriteData emits one data frame.
func (s *frameSink) WriteData(payload []byte) error {
	return s.writeFrame(frameData, payload)
}

// WriteTrailers emits the terminal trailer frame carrying the status pair
// and any custom trailers.
func (s *frameSink) WriteTrailers(code rpc.Code, message string, trailers rpc.Metadata) error {
	var payload bytes.Buffer
	fmt.Fprintf(&payload, "grpc-status: %d\r\n", uint32(code))
	fmt.Fprintf(&payload, "grpc-message: %s\r\n", message)

	keys := make([]string, 0, len(trailers))
	for k := range trailers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&payload, "%s: %s\r\n", k, trailers[k])
	}
	return s.writeFrame(frameTrailer, payload.Bytes())
}

func (s *frameSink) writeFrame(flag byte, payload []byte) error {
	header := [5]byte{flag}
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))

	if s.text {
		return s.writeText(append(header[:], payload...))
	}

	if _, err := s.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

// writeText emits the aligned prefix of carry+raw as base64 and holds back
// the unaligned remainder for the next frame.
func (s *frameSink) writeText(raw []byte) error {
	data := append(s.carry, raw...)
	aligned := len(data) / 3 * 3
	if aligned > 0 {
		if _, err := io.WriteString(s.w, base64.StdEncoding.EncodeToString(data[:aligned])); err != nil {
			return err
		}
		if f, ok := s.w.(http.Flusher); ok {
			f.Flush()
		}
	}
	s.carry = append([]byte(nil), data[aligned:]...)
	return nil
}

// Close emits the final padded base64 group for the text variant.
func (s *frameSink) Close() error {
	if !s.text || len(s.carry) == 0 {
		return nil
	}
	_, err := io.WriteString(s.w, base64.StdEncoding.EncodeToString(s.carry))
	s.carry = nil
	return err
}
