// Package app wires the daemon together: p2p node, signaling transport,
// media engine, directory, and the call coordinator.
package app

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/pipit-im/pipit/internal/call"
	"github.com/pipit-im/pipit/internal/config"
	"github.com/pipit-im/pipit/internal/datamode"
	"github.com/pipit-im/pipit/internal/directory"
	"github.com/pipit-im/pipit/internal/engine"
	"github.com/pipit-im/pipit/internal/identity"
	"github.com/pipit-im/pipit/internal/p2p"
	"github.com/pipit-im/pipit/internal/signal"
	"github.com/pipit-im/pipit/internal/util"
)

// Options are the daemon-level knobs that come from flags, not config.
type Options struct {
	ConfigPath string

	// ConfirmChangedKeys accepts changed peer keys without interaction.
	ConfirmChangedKeys bool
}

// receiverProxy breaks the construction cycle between the signal manager
// (which needs a receiver) and the coordinator (which needs the transport).
type receiverProxy struct {
	c *call.Coordinator
}

func (p *receiverProxy) ReceivedOffer(from string, callID uuid.UUID, threadID string, sdp []byte) {
	p.c.ReceivedOffer(from, callID, threadID, sdp)
}
func (p *receiverProxy) ReceivedAnswer(from string, callID uuid.UUID, sdp []byte) {
	p.c.ReceivedAnswer(from, callID, sdp)
}
func (p *receiverProxy) ReceivedRinging(from string, callID uuid.UUID) {
	p.c.ReceivedRinging(from, callID)
}
func (p *receiverProxy) ReceivedIceCandidates(from string, callID uuid.UUID, candidates [][]byte) {
	p.c.ReceivedIceCandidates(from, callID, candidates)
}
func (p *receiverProxy) ReceivedHangup(from string, callID uuid.UUID) {
	p.c.ReceivedHangup(from, callID)
}
func (p *receiverProxy) ReceivedBusy(from string, callID uuid.UUID) {
	p.c.ReceivedBusy(from, callID)
}
func (p *receiverProxy) ReceivedGroupRingUpdate(groupID string, ringID uuid.UUID, sender string, update call.RingUpdate) {
	p.c.ReceivedGroupRingUpdate(groupID, ringID, sender, update)
}

// Run boots the daemon and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	cfg, created, err := config.Ensure(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if created {
		log.Printf("CFG: created default config at %s", opts.ConfigPath)
	}

	// Relative paths in the config resolve against the config's directory.
	baseDir := filepath.Dir(opts.ConfigPath)
	keyFile := util.ResolvePath(baseDir, cfg.Identity.KeyFile)

	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyFile, cfg.P2P.MdnsTag)
	if err != nil {
		return fmt.Errorf("p2p: %w", err)
	}
	defer node.Close()

	retention := time.Duration(cfg.Calling.RingCancellationRetentionMin) * time.Minute
	db, err := directory.Open(baseDir, retention)
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	defer db.Close()

	ids := identity.NewStore()

	var relay *signal.RelayClient
	if cfg.Calling.RelayURL != "" {
		relay = signal.NewRelayClient(cfg.Calling.RelayURL, node.ID())
		defer relay.Close()
	}

	proxy := &receiverProxy{}
	sig := signal.New(node.Host, node.PubSub, ids, proxy, relay)

	eng := engine.New(sig, sig, node.ID())
	sig.SetPresenceHandler(eng.HandlePresence)

	coord := call.New(call.Options{
		Engine:             eng,
		Transport:          sig,
		Directory:          dirAdapter{db: db},
		Device:             headlessDevice{},
		Permissions:        headlessPermissions{},
		Identity:           &identityChecker{store: ids, autoConfirm: opts.ConfirmChangedKeys},
		Reachability:       &datamode.InterfaceReachability{},
		MaxRingMembers:     cfg.Calling.MaxRingMembers,
		HighDataPreference: cfg.Calling.HighDataPreference(),
	})
	defer coord.Close()

	eng.SetEvents(coord)
	proxy.c = coord
	coord.Registry().AddObserver(logObserver{})
	coord.SetRegistered(true)

	watcher, err := config.Watch(opts.ConfigPath)
	if err != nil {
		log.Printf("CFG: watcher unavailable: %v", err)
	} else {
		defer watcher.Close()
		watcher.OnChange(func(fresh config.Config) {
			coord.SetHighDataPreference(fresh.Calling.HighDataPreference())
		})
	}

	log.Printf("APP: pipit calling daemon up (peer %s)", node.ID()[:8])
	<-ctx.Done()
	log.Printf("APP: shutting down")
	return nil
}
