// Package wire implements the direct-transfer on-the-wire protocol of spec
// §4.5: a leading command byte followed by a JSON body, framed as
// newline-delimited JSON the way go-node's handleFileStream/broadcastFile
// already encode FileManifest/FileChunk values back to back on a single
// libp2p stream. The inline stream variant is supported by sniffing the
// first decoded value's shape, mirroring handleFileStream's map-probe.
package wire

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hoshizora-mesh/filemesh/internal/codec"
	"github.com/hoshizora-mesh/filemesh/internal/xerrors"
)

// Command identifies the leading byte of every direct-transfer message.
type Command byte

const (
	CmdReqMetadata  Command = 'M'
	CmdReqChunk     Command = 'C'
	CmdRespMetadata Command = 'm'
	CmdRespChunk    Command = 'c'
	CmdErr          Command = 'E'
)

// ReqMetadata asks for a file's transfer parameters. RequesterAgreePub lets
// the owner wrap a fresh per-transfer chunk key for this specific
// requester, spec §9's resolution of the hardcoded-symmetric-key open
// question.
type ReqMetadata struct {
	FilePath          string `json:"filePath"`
	RequesterAgreePub string `json:"requesterAgreePub,omitempty"`
}

// RespMetadata answers ReqMetadata. WrappedKey is the per-transfer chunk
// key sealed for the requester via security.WrapKey, empty when the owner
// has no agreement key on file for this requester (unencrypted fallback).
type RespMetadata struct {
	FileName       string `json:"fileName"`
	FileSize       int64  `json:"fileSize"`
	ChunkSize      int    `json:"chunkSize"`
	CompressedHint bool   `json:"compressedHint"`
	WrappedKeyB64  string `json:"wrappedKey,omitempty"`
}

// ReqChunk asks for one chunk of a file by index.
type ReqChunk struct {
	FilePath  string `json:"filePath"`
	ChunkIndex int   `json:"chunkIndex"`
	ChunkSize int    `json:"chunkSize"`
}

// RespChunk carries one encoded chunk record.
type RespChunk struct {
	codec.Record
}

// ErrMsg carries a failure reason and classified kind back to the caller.
type ErrMsg struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// envelope is the framed unit written to the stream: one JSON object per
// line, carrying the command byte (as a JSON number) and the raw JSON body.
type envelope struct {
	Command Command         `json:"cmd"`
	Body    json.RawMessage `json:"body"`
}

// Writer serializes commands onto an underlying stream.
type Writer struct {
	enc *json.Encoder
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

func (w *Writer) Write(cmd Command, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %c payload: %w", cmd, err)
	}
	return w.enc.Encode(envelope{Command: cmd, Body: body})
}

// Reader deserializes commands from an underlying stream, one envelope at
// a time.
type Reader struct {
	dec *json.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: json.NewDecoder(r)}
}

// Next reads the next envelope and reports its command and raw body.
func (r *Reader) Next() (Command, json.RawMessage, error) {
	var env envelope
	if err := r.dec.Decode(&env); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		return 0, nil, fmt.Errorf("%w: decode envelope: %v", xerrors.ErrProtocol, err)
	}
	return env.Command, env.Body, nil
}

// DecodeBody unmarshals an envelope's body into dst, surfacing malformed
// payloads as a ProtocolError per spec §7.
func DecodeBody(body json.RawMessage, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", xerrors.ErrProtocol, err)
	}
	return nil
}

// SniffInlineStream reports whether a raw probed JSON object looks like a
// legacy inline-stream manifest (carries a fileName key with no command
// byte), matching handleFileStream's probe-by-presence check. Retained for
// interoperability with senders that never adopted the framed envelope;
// new implementations should prefer the command-framed protocol per spec
// §9's retirement note.
func SniffInlineStream(raw json.RawMessage) bool {
	var probe map[string]any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, hasFileName := probe["fileName"]
	return hasFileName
}
