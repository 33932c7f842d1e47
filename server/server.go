// Package server is the origin server's connection scheduler: it accepts
// multi-stream associations, turns each incoming request into a job, and
// hands jobs to whichever scheduling policy the config selects.
package server

import (
	"context"
	"sync"

	"github.com/omalloc/surge/conf"
	"github.com/omalloc/surge/contrib/log"
	"github.com/omalloc/surge/pkg/bytepacket"
	"github.com/omalloc/surge/pkg/canon"
	surgeerrors "github.com/omalloc/surge/pkg/errors"
	"github.com/omalloc/surge/sched"
	"github.com/omalloc/surge/storage/mmapfile"
	"github.com/omalloc/surge/transport"
)

// notFoundSuffix is the relative path of the 404 page served from Root
// when a request's canonical path does not resolve to a file.
const notFoundSuffix = "404.html"

// Server owns a Listener and, for every accepted association, a connection
// loop that schedules one job per request onto the shared Scheduler.
type Server struct {
	listener    transport.Listener
	root        string
	streamCount int
	packetSize  int
	newSched    func(handle sched.Handler) sched.Scheduler

	log *log.Helper

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
}

var _ transport.Server = (*Server)(nil)

// New builds a Server. newSched constructs the active scheduler
// (sched.NewSJF or sched.NewRR; cmd/surge-server sizes it with
// conf.Bootstrap.ResolveStreamCount) given the per-job
// handler; it is injected so Server stays independent of the policy
// chosen by conf.Bootstrap.SchedulingPolicy.
func New(listener transport.Listener, bc *conf.Bootstrap, newSched func(handle sched.Handler) sched.Scheduler, logger log.Logger) *Server {
	return &Server{
		listener:    listener,
		root:        bc.ResolveRoot(),
		streamCount: bc.ResolveStreamCount(),
		packetSize:  bc.FilePacketSize,
		newSched:    newSched,
		log:         log.NewHelper(logger),
	}
}

func (s *Server) Start(_ context.Context) error {
	scheduler := s.newSched(s.handleJob)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer scheduler.Close()
		s.acceptLoop(scheduler)
	}()
	return nil
}

func (s *Server) Stop(_ context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(scheduler sched.Scheduler) {
	for {
		assoc, addr, err := s.listener.Accept(s.streamCount)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.log.Errorf("accept failed: %s", err)
			return
		}
		s.log.Infof("accepted association from %s, streams=%d", addr, assoc.StreamCount())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runConnection(assoc, scheduler)
		}()
	}
}

// runConnection is the connection scheduler's main loop: one per accepted
// association, owning it until the peer disconnects or a receive fails.
func (s *Server) runConnection(assoc transport.Association, scheduler sched.Scheduler) {
	defer assoc.Close()

	notFoundPath := canon.FilePath(s.root, "/"+notFoundSuffix)

	for {
		msg, err := assoc.Receive()
		if err != nil {
			if surgeerrors.Is(err, surgeerrors.KindUnexpectedEof) || surgeerrors.Is(err, surgeerrors.KindIo) {
				return
			}
			s.log.Errorf("receive failed: %s", err)
			return
		}

		canonical := canon.URI(string(msg.Bytes))
		path := canon.FilePath(s.root, canonical)

		mf, _, err := mmapfile.Open(path, notFoundPath)
		if err != nil {
			s.log.Errorf("open %s failed: %s", path, err)
			continue
		}

		scheduler.Schedule(sched.Job{Assoc: assoc, File: mf, Path: canonical, PPID: msg.PPID})
	}
}

// handleJob is the Handler every scheduler policy drives: compose the
// metadata packet, then stream the file in packetSize-bounded chunks, all
// on the worker's own sub-stream tagged with the job's PPID.
func (s *Server) handleJob(job sched.Job, streamIdx int) {
	defer job.File.Unref()

	meta, err := buildMetadata(job)
	if err != nil {
		s.log.Errorf("build metadata for %s failed: %s", job.Path, err)
		return
	}
	if err := job.Assoc.Send(streamIdx, job.PPID, meta); err != nil {
		s.log.Errorf("send metadata for %s failed: %s", job.Path, err)
		return
	}

	chunkSize := s.packetSize - transport.ChunkMetadataSize
	if chunkSize <= 0 {
		s.log.Errorf("file_packet_size %d too small for chunk metadata", s.packetSize)
		return
	}

	data := job.File.MmapAsSlice()
	for offset := 0; offset < len(data); offset += chunkSize {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := job.Assoc.Send(streamIdx, job.PPID, data[offset:end]); err != nil {
			s.log.Errorf("send chunk for %s failed: %s", job.Path, err)
			return
		}
	}
}

// buildMetadata composes file_size:u64 | path_bytes, path_bytes being the
// canonical path with its leading "/" dropped.
func buildMetadata(job sched.Job) ([]byte, error) {
	pathBytes := []byte(canon.MetadataPath(job.Path))
	p := bytepacket.New(8 + len(pathBytes))
	if err := p.WriteU64(uint64(job.File.FileSize())); err != nil {
		return nil, err
	}
	if err := p.WriteBuffer(pathBytes); err != nil {
		return nil, err
	}
	return p.GetBuffer(), nil
}
