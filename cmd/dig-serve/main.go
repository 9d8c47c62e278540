// Command dig-serve announces and serves one local file over the chunk
// transfer protocol, accepting inbound connections the NAT traversal
// orchestrator hands it.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	humanize "github.com/dustin/go-humanize"

	dignat "github.com/DIG-Network/dig-nat-tools"
	"github.com/DIG-Network/dig-nat-tools/identity"
	"github.com/DIG-Network/dig-nat-tools/signalling"
	"github.com/DIG-Network/dig-nat-tools/transport"
)

type args struct {
	ContentId string `arg:"positional,required" help:"content id to announce this file under"`
	Digest    string `arg:"positional,required" help:"hex blake3 digest of the file's contents"`
	Path      string `arg:"positional,required" help:"path to the file to serve"`

	Port int `arg:"--port" help:"port to advertise in announcements"`

	Config   string `arg:"--config" help:"path to a JSON config file (see spec §6's key table)"`
	BoltPath string `arg:"--bolt" help:"bolt-backed signalling store path; defaults to an in-process store"`
}

func (args) Description() string {
	return "Serve a local file's chunks to peers found via the discovery aggregator."
}

func main() {
	defer envpprof.Stop()

	var a args
	arg.MustParse(&a)
	if a.Port == 0 {
		a.Port = 48900
	}

	if err := run(a); err != nil {
		fmt.Fprintln(os.Stderr, "dig-serve:", err)
		os.Exit(1)
	}
}

func run(a args) error {
	digest, err := parseDigest(a.Digest)
	if err != nil {
		return err
	}

	cfg := dignat.DefaultConfig()
	if a.Config != "" {
		cfg, err = dignat.LoadConfig(a.Config)
		if err != nil {
			return err
		}
	}

	store, err := openStore(a.BoltPath)
	if err != nil {
		return err
	}
	defer store.Close()

	self := identity.MustNewPeerIdentity()
	logger := log.Default
	logger.Levelf(log.Info, "dig-serve: serving %s as peer %s", a.ContentId, self)

	sess := dignat.NewSession(self, store, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopSig := make(chan os.Signal, 1)
	signal.Notify(stopSig, os.Interrupt)
	go func() {
		<-stopSig
		cancel()
	}()

	sess.Start(ctx)
	defer sess.Stop()

	if err := sess.Serve(ctx, identity.ContentId(a.ContentId), digest, a.Path, a.Port); err != nil {
		return err
	}
	if info, err := os.Stat(a.Path); err == nil {
		logger.Levelf(log.Info, "dig-serve: announced %s (%s) on port %d", a.Path, humanize.Bytes(uint64(info.Size())), a.Port)
	}

	return acceptLoop(ctx, sess, a.Port, logger)
}

// acceptLoop listens for inbound TCP connections on port and hands each one
// to the Session once wrapped as a transport.Channel. The orchestrator's
// GATHER/STRATEGY_LOOP machinery runs on the connecting side; a serving
// node only needs a plain listener for the DIRECT strategy's connect-back,
// with UPNP_NATPMP's externalized mapping (set up by the connecting peer's
// own orchestrator) landing on the same listener.
func acceptLoop(ctx context.Context, sess *dignat.Session, port int, logger log.Logger) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go func() {
			peer := identity.PeerIdentity(conn.RemoteAddr().String())
			ch := transport.NewTCPChannel(conn, logger)
			if err := sess.AcceptConnection(ctx, peer, ch); err != nil {
				logger.Levelf(log.Debug, "dig-serve: connection from %s ended: %v", peer, err)
			}
		}()
	}
}

func openStore(boltPath string) (signalling.Store, error) {
	if boltPath == "" {
		return signalling.NewMemStore(), nil
	}
	return signalling.OpenBoltStore(boltPath)
}

func parseDigest(hexDigest string) (identity.ContentDigest, error) {
	var d identity.ContentDigest
	raw, err := hex.DecodeString(hexDigest)
	if err != nil || len(raw) != len(d) {
		return d, fmt.Errorf("dig-serve: invalid digest %q", hexDigest)
	}
	copy(d[:], raw)
	return d, nil
}
