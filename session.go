// Package dignat ties the nine components spec'd in SPEC_FULL.md together
// behind one Session value. Spec §9's design note on global mutable
// registries ("hoist into an explicit Session value owned by the top-level
// node object; pass by reference, never process-wide state") is the reason
// Session exists at all: the content mapping (discovery.ContentMap) and the
// registry of served content live here, scoped to one Session instance.
// Session keeps no registry of live transport.Channels.
package dignat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/anacrolix/log"
	"github.com/protolambda/ctxlock"
	"golang.org/x/sync/errgroup"

	"github.com/DIG-Network/dig-nat-tools/choke"
	"github.com/DIG-Network/dig-nat-tools/chunktransfer"
	"github.com/DIG-Network/dig-nat-tools/discovery"
	"github.com/DIG-Network/dig-nat-tools/errs"
	"github.com/DIG-Network/dig-nat-tools/identity"
	"github.com/DIG-Network/dig-nat-tools/orchestrator"
	"github.com/DIG-Network/dig-nat-tools/scheduler"
	"github.com/DIG-Network/dig-nat-tools/signalling"
	"github.com/DIG-Network/dig-nat-tools/storage"
	"github.com/DIG-Network/dig-nat-tools/transport"
)

// servedContent is one Serve()-registered file's serving-side state: the
// backing FileChunkSource plus enough to answer Sizer without re-opening
// the file.
type servedContent struct {
	source     *storage.FileChunkSource
	reader     storage.ChunkReader
	totalBytes int64
}

// Session is the top-level node object: one per running process (or one
// per isolated identity within a process). It owns the Discovery
// Aggregator and its shared ContentMap (C5/C6), the Choke Controller for
// everything this node serves (C9), and the registry of content this node
// is currently serving. Session.Get and Session.Serve are the two entry
// points every other operation in this module is reached through.
type Session struct {
	self   identity.PeerIdentity
	store  signalling.Store
	cfg    Config
	logger log.Logger

	contentMap *discovery.ContentMap
	aggregator *discovery.Aggregator
	chokeCtrl  *choke.Controller

	// servedLock guards served. It's a context-aware lock rather than a
	// plain sync.Mutex because Serve (spec §5's cancellation rule applies
	// to every blocking call a caller's ctx bounds, not just Get's
	// download loop) must give up waiting for the registry rather than
	// hang past its caller's deadline.
	servedLock ctxlock.Lock
	served     map[identity.ContentId]*servedContent
}

// NewSession builds a Session for self, wiring the discovery backends
// config.Enable{DHT,PEX,Local,Coord} selects on top of store, and creating
// the choke controller (Start starts it). Callers own store's lifetime;
// Session.Stop does not close it.
func NewSession(self identity.PeerIdentity, store signalling.Store, cfg Config, logger log.Logger) *Session {
	contentMap := discovery.NewContentMap()

	var backends []discovery.Backend
	if cfg.EnableDHT {
		backends = append(backends, discovery.NewDHTBackend(cfg.shardConfig(), logger))
	}
	if cfg.EnablePEX {
		backends = append(backends, discovery.NewPEXBackend())
	}
	if cfg.EnableLocal {
		backends = append(backends, discovery.NewLocalMulticastBackend(self, logger))
	}
	if cfg.EnableCoord {
		backends = append(backends, discovery.NewCoordBackend(self, store))
	}

	return &Session{
		self:       self,
		store:      store,
		cfg:        cfg,
		logger:     logger,
		contentMap: contentMap,
		aggregator: discovery.NewAggregator(backends, contentMap, logger),
		chokeCtrl: choke.New(choke.Options{
			Interval:    cfg.ChokeInterval,
			MaxUnchoked: cfg.MaxUnchoked,
			SuperSeed:   cfg.SuperSeed,
			Logger:      logger,
		}),
		served: map[identity.ContentId]*servedContent{},
	}
}

// Start starts every discovery backend and the choke timer. ctx bounds
// both for their entire running lifetime; cancel it to stop the Session.
func (s *Session) Start(ctx context.Context) {
	s.aggregator.Start(ctx)
	s.chokeCtrl.Start(ctx)
}

// Stop tears down the discovery backends and choke timer, and closes every
// file handle still open from a Serve call.
func (s *Session) Stop() {
	s.aggregator.Stop()
	s.chokeCtrl.Stop()
	// Shutdown isn't itself cancellable: every open file handle must close
	// regardless of how long a caller is willing to wait.
	s.servedLock.Lock(context.Background())
	defer s.servedLock.Unlock()
	for id, sc := range s.served {
		sc.reader.Close()
		delete(s.served, id)
	}
}

// Source implements chunktransfer.ChunkSource-compatible lookup across
// every content this Session currently serves.
func (s *Session) Source(contentId identity.ContentId, chunkIndex, chunkSize int32) ([]byte, bool, error) {
	s.servedLock.Lock(context.Background())
	sc, ok := s.served[contentId]
	s.servedLock.Unlock()
	if !ok {
		return nil, false, nil
	}
	return sc.source.Source(contentId, chunkIndex, chunkSize)
}

// TotalBytes implements chunktransfer.Sizer.
func (s *Session) TotalBytes(contentId identity.ContentId) (int64, bool) {
	s.servedLock.Lock(context.Background())
	defer s.servedLock.Unlock()
	sc, ok := s.served[contentId]
	if !ok {
		return 0, false
	}
	return sc.totalBytes, true
}

// DigestFor implements chunktransfer.DigestResolver, delegating to the
// shared ContentMap.
func (s *Session) DigestFor(contentId identity.ContentId) (identity.ContentDigest, bool) {
	return s.contentMap.DigestFor(contentId)
}

// IsChoked implements chunktransfer.ChokeQuery, delegating to the one
// choke controller this Session runs for everything it serves.
func (s *Session) IsChoked(peer identity.PeerIdentity) bool {
	return s.chokeCtrl.IsChoked(peer)
}

// Serve registers path as the backing file for contentId/digest and
// announces it on every enabled discovery backend. The file is opened for
// the Session's lifetime and closed by Stop; Serve itself does not block.
func (s *Session) Serve(ctx context.Context, contentId identity.ContentId, digest identity.ContentDigest, path string, port int) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.New(errs.KindConfigError, "session", fmt.Sprintf("open %s: %v", path, err), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errs.New(errs.KindConfigError, "session", fmt.Sprintf("stat %s: %v", path, err), err)
	}

	if err := s.aggregator.AddContentMapping(contentId, digest); err != nil {
		f.Close()
		return err
	}

	if err := s.servedLock.Lock(ctx); err != nil {
		f.Close()
		return err
	}
	s.served[contentId] = &servedContent{
		source:     storage.NewFileChunkSource(f, info.Size()),
		reader:     f,
		totalBytes: info.Size(),
	}
	s.servedLock.Unlock()

	s.aggregator.Announce(ctx, contentId, port, signalling.DefaultMessageTTL)
	return nil
}

// AcceptConnection runs the server side of the Chunk Transfer Protocol
// (C7) plus choke accounting (C9) for one already-connected channel to
// peer, blocking until ch closes or ctx is cancelled. Embedders call this
// once per inbound channel an orchestrator.Connect (or equivalent listener
// loop) hands them.
func (s *Session) AcceptConnection(ctx context.Context, peer identity.PeerIdentity, ch transport.Channel) error {
	s.chokeCtrl.AddPeer(peer)
	defer s.chokeCtrl.RemovePeer(peer)

	server := &chunktransfer.Server{
		Source:   s.Source,
		SizeHint: s,
		Digests:  s,
		Choke:    s,
		Logger:   s.logger,
		OnChunkServed: func(peer identity.PeerIdentity, _ int32, n int) {
			s.chokeCtrl.RecordServed(peer, n)
		},
	}
	return server.ServeChannel(ctx, ch, peer, s.cfg.ChunkSize)
}

// Get downloads contentId (verified against digest) from whatever peers
// the Discovery Aggregator yields, writing the result to outputPath. It
// runs the full C4 (orchestrator) -> C7 (protocol) -> C8 (scheduler)
// pipeline spec §2 describes end to end, resuming from outputPath's
// existing contents if it's already partially present.
func (s *Session) Get(ctx context.Context, contentId identity.ContentId, digest identity.ContentDigest, outputPath string) error {
	if err := s.contentMap.Add(contentId, digest); err != nil {
		return err
	}

	records := s.aggregator.FindPeers(ctx, contentId)
	if len(records) == 0 {
		return errs.New(errs.KindNoPeers, "session", "discovery aggregator returned no peers", nil)
	}

	clients, meta, err := s.connectAndFetchMetadata(ctx, contentId, records)
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		return errs.New(errs.KindNoPeers, "session", "no peer could be reached via any strategy", nil)
	}

	alreadyPresent := detectResumeState(outputPath, meta)

	output, err := storage.OpenMMapFile(outputPath, meta.TotalBytes)
	if err != nil {
		return errs.New(errs.KindConfigError, "session", fmt.Sprintf("open output %s: %v", outputPath, err), err)
	}

	sched := scheduler.New(meta, alreadyPresent, scheduler.Options{
		Concurrency: s.cfg.Concurrency,
		RarestFirst: true,
		Logger:      s.logger,
		Output:      output,
	})
	for peer, client := range clients {
		sched.AddPeer(ctx, peer, client)
	}

	runErr := sched.Run(ctx)
	syncErr := output.Sync()
	closeErr := output.Close()

	if runErr != nil {
		var integrity *chunktransfer.IntegrityError
		if asIntegrityError(runErr, &integrity) {
			os.Remove(outputPath)
			return errs.New(errs.KindIntegrity, "session", integrity.Error(), runErr)
		}
		return runErr
	}
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// asIntegrityError is a small errors.As wrapper kept local to Get so the
// integrity-handling branch above reads as one statement instead of an
// import-and-assert pair repeated at every call site.
func asIntegrityError(err error, target **chunktransfer.IntegrityError) bool {
	return errors.As(err, target)
}

// connectAndFetchMetadata runs the orchestrator against every candidate
// peer record concurrently (spec §2's "Orchestrator yields a framed
// channel per connected peer"), keeping every peer that connects
// successfully. The first responder's MetadataResp is taken as
// authoritative; spec §3 guarantees one digest per contentId so any peer's
// answer must agree.
func (s *Session) connectAndFetchMetadata(ctx context.Context, contentId identity.ContentId, records []discovery.PeerRecord) (map[identity.PeerIdentity]*chunktransfer.Client, chunktransfer.FileMetadata, error) {
	type connected struct {
		peer   identity.PeerIdentity
		client *chunktransfer.Client
	}

	results := make(chan connected, len(records))
	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			remote := identity.PeerIdentity(rec.PeerId)
			sessionId := fmt.Sprintf("%s:%s", contentId, remote)
			sigSession := signalling.NewSession(s.store, sessionId, s.self, remote)

			ch, err := orchestrator.Connect(gctx, s.self, remote, sigSession, orchestrator.Options{
				STUNServers:    s.cfg.STUNServers,
				TURNServers:    s.cfg.TURNServers,
				PreferIPv6:     s.cfg.PreferIPv6,
				PreferIPv6Set:  true,
				OverallTimeout: s.cfg.OverallTimeout,
				Strategies:     s.cfg.Strategies,
				Logger:         s.logger,
			})
			if err != nil {
				s.logger.Levelf(log.Debug, "session: connect to %s failed: %v", remote, err)
				return nil // per-peer failure is not fatal to the overall download
			}
			results <- connected{peer: remote, client: chunktransfer.NewClient(ch)}
			return nil
		})
	}
	g.Wait()
	close(results)

	clients := map[identity.PeerIdentity]*chunktransfer.Client{}
	var meta chunktransfer.FileMetadata
	haveMeta := false
	for r := range results {
		clients[r.peer] = r.client
		if !haveMeta {
			metaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			m, err := chunktransfer.FetchMetadata(metaCtx, r.client, chunktransfer.MetadataReq{ContentId: contentId})
			cancel()
			if err != nil {
				s.logger.Levelf(log.Debug, "session: metadata fetch from %s failed: %v", r.peer, err)
				continue
			}
			meta = m
			haveMeta = true
		}
	}
	if !haveMeta {
		return nil, chunktransfer.FileMetadata{}, errs.New(errs.KindNoPeers, "session", "no connected peer answered MetadataReq", nil)
	}
	return clients, meta, nil
}

// detectResumeState inspects outputPath's current size, if any, and
// returns the chunk indexes already fully present (spec §4.7's resume
// detection). A missing file resumes from scratch.
func detectResumeState(outputPath string, meta chunktransfer.FileMetadata) []int32 {
	info, err := os.Stat(outputPath)
	if err != nil {
		return nil
	}
	return storage.DetectPresentChunks(info.Size(), meta.ChunkSize, meta.TotalChunks)
}
