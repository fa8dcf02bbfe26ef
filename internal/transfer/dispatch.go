package transfer

import (
	"context"
	"time"
)

// RelayRef is the minimal relay pointer a dispatch decision needs; the
// full RelayFileRef record lives in internal/relayclient.
type RelayRef struct {
	Present bool
}

// Peer carries just the fields the dispatch policy of spec §4.7 consults.
type Peer struct {
	Host string // sentinel "relay" or "" routes straight to the relayed path
}

// Mode is the chosen transfer path for a given download.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeRelay  Mode = "relay"
)

// ChooseMode implements spec §4.7 step 1: a sentinel or empty host with a
// relay ref present routes straight to relay; otherwise direct is
// attempted.
func ChooseMode(peer Peer, ref RelayRef) Mode {
	if (peer.Host == "relay" || peer.Host == "") && ref.Present {
		return ModeRelay
	}
	return ModeDirect
}

// DirectDownloadFunc performs a direct-path download and is supplied by
// the caller so this package has no transport dependency.
type DirectDownloadFunc func(ctx context.Context) error

// RelayDownloadFunc performs a relayed download.
type RelayDownloadFunc func(ctx context.Context) error

// DownloadWithFallback races the direct path against fallbackTimeout
// (default 5s) and switches to the relayed path on timeout or error,
// provided a RelayRef is available, per spec §4.7's downloadWithFallback
// variant. Plain ChooseMode-based dispatch has no automatic fallback; this
// function is the opt-in variant the UI chooses to invoke.
func DownloadWithFallback(ctx context.Context, ref RelayRef, fallbackTimeout time.Duration, direct DirectDownloadFunc, relay RelayDownloadFunc) error {
	if fallbackTimeout <= 0 {
		fallbackTimeout = 5 * time.Second
	}

	directCtx, cancelDirect := context.WithTimeout(ctx, fallbackTimeout)
	defer cancelDirect()

	errCh := make(chan error, 1)
	go func() { errCh <- direct(directCtx) }()

	select {
	case err := <-errCh:
		if err == nil {
			return nil
		}
		if !ref.Present {
			return err
		}
		return relay(ctx)
	case <-directCtx.Done():
		if !ref.Present {
			return directCtx.Err()
		}
		return relay(ctx)
	}
}
