package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/hoshizora-mesh/filemesh/internal/codec"
	"github.com/hoshizora-mesh/filemesh/internal/security"
	"github.com/hoshizora-mesh/filemesh/internal/wire"
	"github.com/hoshizora-mesh/filemesh/internal/xerrors"
)

// directSession is one open transfer stream to a peer, serializing the
// request/response exchanges that internal/transfer/download.go's
// sequential, single-goroutine loop drives one chunk at a time.
type directSession struct {
	mu sync.Mutex
	s  network.Stream
	w  *wire.Writer
	r  *wire.Reader
}

// dialDirectSession opens a fresh stream to target over protoTransfer.
func (n *Node) dialDirectSession(ctx context.Context, target peer.ID) (*directSession, error) {
	s, err := n.dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", xerrors.ErrTransport, target, err)
	}
	return &directSession{s: s, w: wire.NewWriter(s), r: wire.NewReader(s)}, nil
}

func (ds *directSession) Close() error {
	return ds.s.Close()
}

// requestMetadata fetches a remote file's transfer parameters along with
// the raw wrapped per-transfer key bytes, if the owner sealed one for
// this node's advertised agreement public key. Unwrapping requires the
// owner's agreement public key, which only the caller (who already holds
// the owner's PeerIdentity) can supply, via security.UnwrapKey.
func (ds *directSession) requestMetadata(id *security.Identity, filePath string) (wire.RespMetadata, []byte, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := ds.w.Write(wire.CmdReqMetadata, wire.ReqMetadata{FilePath: filePath, RequesterAgreePub: id.AgreePubB64()}); err != nil {
		return wire.RespMetadata{}, nil, fmt.Errorf("%w: %v", xerrors.ErrTransport, err)
	}
	cmd, body, err := ds.r.Next()
	if err != nil {
		return wire.RespMetadata{}, nil, fmt.Errorf("%w: %v", xerrors.ErrTransport, err)
	}
	switch cmd {
	case wire.CmdRespMetadata:
		var resp wire.RespMetadata
		if err := wire.DecodeBody(body, &resp); err != nil {
			return wire.RespMetadata{}, nil, err
		}
		var wrapped []byte
		if resp.WrappedKeyB64 != "" {
			wrapped, _ = base64.RawURLEncoding.DecodeString(resp.WrappedKeyB64)
		}
		return resp, wrapped, nil
	case wire.CmdErr:
		var e wire.ErrMsg
		_ = wire.DecodeBody(body, &e)
		return wire.RespMetadata{}, nil, xerrors.New(xerrors.Kind(e.Kind), e.Reason, nil)
	default:
		return wire.RespMetadata{}, nil, fmt.Errorf("%w: unexpected response command", xerrors.ErrProtocol)
	}
}

// fetchChunk satisfies internal/transfer/download.go's ChunkFetcher
// signature directly as a method value.
func (ds *directSession) fetchChunk(filePath string, chunkIndex, chunkSize int) (codec.Record, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if err := ds.w.Write(wire.CmdReqChunk, wire.ReqChunk{FilePath: filePath, ChunkIndex: chunkIndex, ChunkSize: chunkSize}); err != nil {
		return codec.Record{}, fmt.Errorf("%w: %v", xerrors.ErrTransport, err)
	}
	cmd, body, err := ds.r.Next()
	if err != nil {
		if err == io.EOF {
			return codec.Record{}, fmt.Errorf("%w: stream closed", xerrors.ErrTransport)
		}
		return codec.Record{}, fmt.Errorf("%w: %v", xerrors.ErrTransport, err)
	}
	switch cmd {
	case wire.CmdRespChunk:
		var resp wire.RespChunk
		if err := wire.DecodeBody(body, &resp); err != nil {
			return codec.Record{}, err
		}
		return resp.Record, nil
	case wire.CmdErr:
		var e wire.ErrMsg
		_ = wire.DecodeBody(body, &e)
		return codec.Record{}, xerrors.New(xerrors.Kind(e.Kind), e.Reason, nil)
	default:
		return codec.Record{}, fmt.Errorf("%w: unexpected response command", xerrors.ErrProtocol)
	}
}
