package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/narratolabs/narrato-core/internal/bus"
	"github.com/narratolabs/narrato-core/internal/protocol"
)

// Service exposes the session manager over the message bus: generation
// and export requests in, progress and terminal events out.
type Service struct {
	manager   *Manager
	bus       *bus.Client
	logger    *slog.Logger
	subGen    *nats.Subscription
	subCancel *nats.Subscription
	subExport *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewService(parent context.Context, manager *Manager, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		manager: manager,
		bus:     busClient,
		logger:  logger.With(slog.String("component", "session-service")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectGenerateRequest, s.handleGenerate)
	if err != nil {
		return err
	}
	s.subGen = sub

	subCancel, err := s.bus.Conn().Subscribe(protocol.SubjectGenerateCancel, s.handleCancel)
	if err != nil {
		s.subGen.Drain()
		return err
	}
	s.subCancel = subCancel

	subExport, err := s.bus.Conn().Subscribe(protocol.SubjectExportRequest, s.handleExport)
	if err != nil {
		s.subGen.Drain()
		s.subCancel.Drain()
		return err
	}
	s.subExport = subExport
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subGen != nil {
		_ = s.subGen.Drain()
	}
	if s.subCancel != nil {
		_ = s.subCancel.Drain()
	}
	if s.subExport != nil {
		_ = s.subExport.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.subGen != nil && s.subCancel != nil && s.subExport != nil
}

func (s *Service) handleGenerate(msg *nats.Msg) {
	var req protocol.GenerateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode generate request", slogError(err))
		return
	}
	if req.BookID == "" || req.ChapterID == "" {
		s.logger.Warn("generate request missing book or chapter id")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		cb := Callbacks{
			OnProgress: func(p protocol.GenerationProgress) {
				s.publish(protocol.SubjectGenerateProgress, p)
			},
			OnSegment: func(ready protocol.SegmentReady) {
				s.publish(protocol.SubjectSegmentReady, ready)
			},
		}
		res, err := s.manager.GenerateChapter(s.ctx, req, cb)

		done := protocol.GenerationDone{
			BookID:    req.BookID,
			ChapterID: req.ChapterID,
			Timestamp: time.Now().UTC(),
		}
		if res != nil {
			done.RunID = res.RunID
			done.Processed = len(res.Report.Processed)
			done.Failed = res.Report.FailedIndices()
			done.Cancelled = res.Report.Cancelled
			done.Duration = res.Duration
		}
		if err != nil {
			done.Error = err.Error()
			s.logger.Warn("chapter generation failed",
				slog.String("book", req.BookID),
				slog.String("chapter", req.ChapterID),
				slogError(err))
		}
		s.publish(protocol.SubjectGenerateDone, done)
	}()
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.CancelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode cancel request", slogError(err))
		return
	}
	if !s.manager.Cancel(req.BookID, req.ChapterID) {
		s.logger.Info("cancel request matched no active run",
			slog.String("book", req.BookID),
			slog.String("chapter", req.ChapterID))
	}
}

func (s *Service) handleExport(msg *nats.Msg) {
	var req protocol.ExportRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode export request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		done := protocol.ExportDone{
			BookID:    req.BookID,
			Format:    req.Format,
			Timestamp: time.Now().UTC(),
		}
		art, err := s.manager.ExportBook(s.ctx, req)
		if err != nil {
			done.Error = err.Error()
			s.logger.Warn("book export failed",
				slog.String("book", req.BookID), slogError(err))
		} else {
			done.Format = art.Format
			done.Duration = art.Duration
			done.Bytes = len(art.Audio)
		}
		s.publish(protocol.SubjectExportDone, done)
	}()
}

func (s *Service) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to encode bus message", slog.String("subject", subject), slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish bus message", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
