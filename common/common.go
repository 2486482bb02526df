package common

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ErrStopped is returned by long-running operations when the quit channel
// fires before they complete.
var ErrStopped = errors.New("stopped")

// Stopped does a non-blocking check of the quit channel.
func Stopped(quit <-chan struct{}) error {
	if quit == nil {
		return nil
	}
	select {
	case <-quit:
		return ErrStopped
	default:
	}
	return nil
}

// QuitOnSignal returns a channel that is closed on SIGINT or SIGTERM.
func QuitOnSignal() <-chan struct{} {
	quit := make(chan struct{})
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		signal.Stop(ch)
		close(quit)
	}()
	return quit
}

// ScriptHash is the double-SHA256 of an output script. It is the key space
// under which address history is indexed.
func ScriptHash(script []byte) chainhash.Hash {
	var h chainhash.Hash
	copy(h[:], chainhash.DoubleHashB(script))
	return h
}
