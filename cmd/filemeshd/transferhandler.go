package main

import (
	"encoding/base64"
	"io"
	"os"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/hoshizora-mesh/filemesh/internal/codec"
	"github.com/hoshizora-mesh/filemesh/internal/security"
	"github.com/hoshizora-mesh/filemesh/internal/wire"
	"github.com/hoshizora-mesh/filemesh/internal/xerrors"
)

// handleTransferStream answers ReqMetadata/ReqChunk against this node's
// shareRegistry, one envelope at a time, grounded on go-node's
// handleFileStream loop but dispatching on the framed wire.Command byte
// instead of probing for a "fileName" key.
func (n *Node) handleTransferStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()
	r := wire.NewReader(s)
	w := wire.NewWriter(s)

	for {
		cmd, body, err := r.Next()
		if err != nil {
			if err != io.EOF {
				n.log.Printf("transfer stream from %s: %v", remote, err)
			}
			return
		}

		switch cmd {
		case wire.CmdReqMetadata:
			var req wire.ReqMetadata
			if err := wire.DecodeBody(body, &req); err != nil {
				n.writeErr(w, xerrors.KindProtocol, err.Error())
				continue
			}
			n.respondMetadata(w, req)

		case wire.CmdReqChunk:
			var req wire.ReqChunk
			if err := wire.DecodeBody(body, &req); err != nil {
				n.writeErr(w, xerrors.KindProtocol, err.Error())
				continue
			}
			n.respondChunk(w, req)

		default:
			n.writeErr(w, xerrors.KindProtocol, "unexpected command on transfer stream")
		}
	}
}

func (n *Node) writeErr(w *wire.Writer, kind xerrors.Kind, reason string) {
	_ = w.Write(wire.CmdErr, wire.ErrMsg{Kind: string(kind), Reason: reason})
}

func (n *Node) respondMetadata(w *wire.Writer, req wire.ReqMetadata) {
	entry, ok := n.share.byPath(req.FilePath)
	if !ok {
		n.writeErr(w, xerrors.KindNotFound, "no such shared file: "+req.FilePath)
		return
	}

	resp := wire.RespMetadata{
		FileName:       entry.FileName,
		FileSize:       entry.Size,
		ChunkSize:      entry.ChunkSize,
		CompressedHint: entry.Compress,
	}

	if req.RequesterAgreePub != "" && entry.Key != nil {
		raw, err := base64.RawURLEncoding.DecodeString(req.RequesterAgreePub)
		if err == nil && len(raw) == 32 {
			var agree [32]byte
			copy(agree[:], raw)
			if wrapped, werr := security.WrapKey(n.id, agree, entry.Key); werr == nil {
				resp.WrappedKeyB64 = base64.RawURLEncoding.EncodeToString(wrapped)
			}
		}
	}

	if err := w.Write(wire.CmdRespMetadata, resp); err != nil {
		n.log.Printf("write metadata response: %v", err)
	}
}

func (n *Node) respondChunk(w *wire.Writer, req wire.ReqChunk) {
	entry, ok := n.share.byPath(req.FilePath)
	if !ok {
		n.writeErr(w, xerrors.KindNotFound, "no such shared file: "+req.FilePath)
		return
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = entry.ChunkSize
	}
	plain, err := readChunkAt(entry.FilePath, req.ChunkIndex, chunkSize)
	if err != nil {
		n.writeErr(w, xerrors.KindNotFound, err.Error())
		return
	}

	rec, err := codec.EncodeChunk(req.ChunkIndex, plain, entry.Compress, entry.Key)
	if err != nil {
		n.writeErr(w, xerrors.KindIntegrity, err.Error())
		return
	}
	if err := w.Write(wire.CmdRespChunk, wire.RespChunk{Record: rec}); err != nil {
		n.log.Printf("write chunk response: %v", err)
	}
}

func readChunkAt(path string, chunkIndex, chunkSize int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := int64(chunkIndex) * int64(chunkSize)
	if offset >= info.Size() {
		return nil, xerrors.New(xerrors.KindNotFound, "chunk index out of range", nil)
	}
	length := int64(chunkSize)
	if offset+length > info.Size() {
		length = info.Size() - offset
	}

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}
