// Package upgrade wraps cloudflare/tableflip for zero-downtime restarts:
// the new process inherits listening sockets from the old one, and the old
// process exits only once the new one reports ready.
package upgrade

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"

	"github.com/omalloc/surge/contrib/log"
)

// Upgrader hands out inherited (or freshly bound) listeners and signals
// readiness to tableflip once the caller has finished binding everything it
// needs.
type Upgrader struct {
	flip *tableflip.Upgrader
}

func New(pidFile string, upgradeTimeout time.Duration) (*Upgrader, error) {
	flip, err := tableflip.New(tableflip.Options{
		PIDFile:        pidFile,
		UpgradeTimeout: upgradeTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Upgrader{flip: flip}, nil
}

// Listen returns a TCP listener for addr, inherited from a parent process
// on SIGHUP-triggered upgrade if one exists.
func (u *Upgrader) Listen(network, addr string) (net.Listener, error) {
	return u.flip.Listen(network, addr)
}

// Ready signals tableflip that all listeners are bound; the parent process
// (if any) will now exit.
func (u *Upgrader) Ready() error {
	return u.flip.Ready()
}

// WaitForSignals blocks until SIGHUP triggers an upgrade (returning nil
// after Ready has fired again in the new process) or SIGINT/SIGTERM
// requests shutdown (returning the signal received).
func (u *Upgrader) WaitForSignals() os.Signal {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		s := <-sig
		switch s {
		case syscall.SIGHUP:
			log.Infof("[upgrade] SIGHUP received, upgrading")
			if err := u.flip.Upgrade(); err != nil {
				log.Errorf("[upgrade] upgrade failed: %s", err)
				continue
			}
			return nil
		default:
			return s
		}
	}
}

// Exit returns tableflip's exit channel, which is closed once this process
// should exit (after a new process has signalled readiness).
func (u *Upgrader) Exit() <-chan struct{} {
	return u.flip.Exit()
}

func (u *Upgrader) Stop() {
	u.flip.Stop()
}
