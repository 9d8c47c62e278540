// Command dig-get downloads one piece of content from whatever peers the
// Discovery Aggregator finds, verifying it against a digest supplied on
// the command line.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/anacrolix/envpprof"
	"github.com/anacrolix/log"
	humanize "github.com/dustin/go-humanize"

	dignat "github.com/DIG-Network/dig-nat-tools"
	"github.com/DIG-Network/dig-nat-tools/identity"
	"github.com/DIG-Network/dig-nat-tools/signalling"
)

type args struct {
	ContentId string `arg:"positional,required" help:"content id to fetch"`
	Digest    string `arg:"positional,required" help:"hex blake3 digest to verify against"`
	Output    string `arg:"positional,required" help:"path to write the downloaded file to"`

	Config   string `arg:"--config" help:"path to a JSON config file (see spec §6's key table)"`
	BoltPath string `arg:"--bolt" help:"bolt-backed signalling store path; defaults to an in-process store"`
}

func (args) Description() string {
	return "Fetch content over the NAT traversal / chunk transfer stack, verifying the result against a digest."
}

func main() {
	defer envpprof.Stop()

	var a args
	arg.MustParse(&a)

	if err := run(a); err != nil {
		fmt.Fprintln(os.Stderr, "dig-get:", err)
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

	progressDone := make(chan struct{})
	go reportProgress(ctx, a.Output, logger, progressDone)
	defer close(progressDone)

	return sess.Get(ctx, identity.ContentId(a.ContentId), digest, a.Output)
}

// reportProgress logs outputPath's growing size in human-readable form
// (spec §4.8's Progress feed is in-process only; a CLI caller has nothing
// else to watch) until done is closed or ctx ends.
func reportProgress(ctx context.Context, outputPath string, logger log.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if info, err := os.Stat(outputPath); err == nil {
				logger.Levelf(log.Info, "dig-get: %s written", humanize.Bytes(uint64(info.Size())))
			}
		}
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
		return d, fmt.Errorf("dig-get: invalid digest %q", hexDigest)
	}
	copy(d[:], raw)
	return d, nil
}
