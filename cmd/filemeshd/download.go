package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hoshizora-mesh/filemesh/internal/pin"
	"github.com/hoshizora-mesh/filemesh/internal/relayclient"
	"github.com/hoshizora-mesh/filemesh/internal/search"
	"github.com/hoshizora-mesh/filemesh/internal/security"
	"github.com/hoshizora-mesh/filemesh/internal/transfer"
)

var (
	errNoRelayRef   = errors.New("pin session carries no relay reference")
	errNoDirectPeer = errors.New("owner peer not yet reachable on the mesh")
)

// handleDownload resolves a PIN to its session and drives the transfer to
// saveDir, choosing between the direct libp2p stream and the relay path
// per transfer.ChooseMode, with transfer.DownloadWithFallback covering the
// case where a direct peer is known but unreachable within the fallback
// window. This is the caller fetch.go's directSession was built for.
func (n *Node) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		PIN     string `json:"pin"`
		SaveDir string `json:"saveDir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PIN == "" || req.SaveDir == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	session, err := pin.Find(n.pins, n.relay, req.PIN)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if !pin.Verify(session) {
		http.Error(w, "pin session failed signature check", http.StatusForbidden)
		return
	}

	ref := transfer.RelayRef{Present: session.FileRef != nil}
	dispatchPeer := transfer.Peer{Host: session.OwnerAddr}
	if n.preferRelay {
		dispatchPeer.Host = "relay"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Minute)
	defer cancel()

	runRelay := func(ctx context.Context) error {
		if session.FileRef == nil {
			return errNoRelayRef
		}
		destPath := req.SaveDir + "/" + session.FileName
		return n.relay.Download(ctx, *session.FileRef, destPath, relayclient.RelayDownloadOptions{}, nil)
	}

	if transfer.ChooseMode(dispatchPeer, ref) != transfer.ModeDirect {
		if err := runRelay(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			FileName string `json:"fileName"`
		}{session.FileName})
		return
	}

	state, key, prepErr := n.prepareDirectState(ctx, session, req.SaveDir)
	runDirect := func(ctx context.Context) error {
		if prepErr != nil {
			return prepErr
		}
		target, ok := n.libp2pPeerFor(session.OwnerPeerID)
		if !ok {
			return errNoDirectPeer
		}
		ds, err := n.dialDirectSession(ctx, target)
		if err != nil {
			return err
		}
		defer ds.Close()
		return transfer.RunDirectDownload(state, session.FileName, key, ds.fetchChunk, nil)
	}

	if ref.Present {
		err = transfer.DownloadWithFallback(ctx, ref, 5*time.Second, runDirect, runRelay)
	} else {
		err = runDirect(ctx)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		FileName string `json:"fileName"`
	}{session.FileName})
}

// prepareDirectState dials the owner, negotiates transfer parameters, and
// unwraps the per-transfer chunk key sealed for this node, readying the
// resumable transfer.State before the actual chunk loop starts. The
// owner's agreement public key comes from the peerstore entry discovery
// already populated, not from the PIN session, which only carries the
// signing key needed to verify the session itself.
func (n *Node) prepareDirectState(ctx context.Context, session pin.Session, saveDir string) (*transfer.State, []byte, error) {
	target, ok := n.libp2pPeerFor(session.OwnerPeerID)
	if !ok {
		return nil, nil, errNoDirectPeer
	}
	ds, err := n.dialDirectSession(ctx, target)
	if err != nil {
		return nil, nil, err
	}
	defer ds.Close()

	resp, wrapped, err := ds.requestMetadata(n.id, session.FileName)
	if err != nil {
		return nil, nil, err
	}

	var key []byte
	if len(wrapped) > 0 {
		if owner, ok := n.peers.Get(session.OwnerPeerID); ok {
			if ownerAgree, derr := security.DecodeAgreePub(owner.AgreePubB64); derr == nil {
				if k, uerr := security.UnwrapKey(n.id, ownerAgree, wrapped); uerr == nil {
					key = k
				}
			}
		}
	}

	state, err := transfer.ResumeOrNew(search.NewRequestID(), session.OwnerPeerID, resp.FileName, resp.FileSize, resp.ChunkSize, saveDir)
	if err != nil {
		return nil, nil, err
	}
	return state, key, nil
}
