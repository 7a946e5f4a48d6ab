package mockbackend

import (
	"net/http"
	"sync"
	"time"

	"github.com/citeqa/client/progress"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const timestampLayout = "2006-01-02T15:04:05.000000"

// script is a scripted processing run. Every consumer, socket or poll,
// advances the same cursor.
type script struct {
	events []progress.Event
	sent   int
}

func (s *script) next() (progress.Event, bool) {
	if s.sent >= len(s.events) {
		return nil, false
	}
	event := s.events[s.sent]
	s.sent++
	return event, true
}

type fileRun struct {
	script
	file     StoredFile
	progress progress.FileProcessingProgress
}

type queryRun struct {
	script
	progress progress.QueryProcessingProgress
}

func newFileRun(file StoredFile, failure string, now time.Time) *fileRun {
	h := progress.Header{Timestamp: now.Format(timestampLayout)}
	id := file.UUID

	events := []progress.Event{
		progress.ProcessingStarted{Header: h, FileUUID: id},
		progress.PDFExtractionProgress{Header: h, FileUUID: id, Progress: 50},
		progress.PDFExtractionProgress{Header: h, FileUUID: id, Progress: 100},
	}
	if failure != "" {
		events = append(events, progress.ProcessingFailed{Header: h, FileUUID: id, Error: failure})
	} else {
		events = append(events,
			progress.SentenceExtractionDetail{Header: h, FileUUID: id, Sentences: []progress.ExtractedSentence{
				{Sentence: "A lease is a contract conveying the right to use an asset.", Page: 1},
				{Sentence: "The lessee shall pay rent monthly.", Page: 2},
			}},
			progress.SentenceClassificationProgress{Header: h, FileUUID: id, Progress: 50, Current: 1, Total: 2},
			progress.SentenceClassificationDetail{Header: h, FileUUID: id, Sentences: []progress.ClassifiedSentence{
				{SentenceUUID: uuid.NewString(), Sentence: "A lease is a contract conveying the right to use an asset.", DefiningType: "cd", Reason: "explicit definition", Page: 1},
			}},
			progress.SentenceClassificationProgress{Header: h, FileUUID: id, Progress: 100, Current: 2, Total: 2},
			progress.ProcessingCompleted{Header: h, FileUUID: id},
		)
	}

	return &fileRun{
		script:   script{events: events},
		file:     file,
		progress: progress.NewFileProgress(),
	}
}

// newQueryRun scripts a query citing one sentence of every stored file.
// Callers hold s.mu.
func (s *Server) newQueryRun(queryUUID string) *queryRun {
	h := progress.Header{Timestamp: s.now().Format(timestampLayout)}
	keywords := []string{"lease", "lessee"}

	var found []progress.FoundSentence
	for _, run := range s.files {
		found = append(found, progress.FoundSentence{
			SentenceUUID:   uuid.NewString(),
			FileUUID:       run.file.UUID,
			Sentence:       "A lease is a contract conveying the right to use an asset.",
			Page:           1,
			DefiningType:   "cd",
			Reason:         "explicit definition",
			OriginalName:   run.file.Name,
			RelevanceScore: 0.92,
		})
	}

	events := []progress.Event{
		progress.QueryProcessingStarted{Header: h, QueryUUID: queryUUID},
		progress.KeywordExtractionCompleted{Header: h, QueryUUID: queryUUID, Keywords: keywords},
	}
	if s.opts.QueryError != "" {
		events = append(events, progress.QueryFailed{Header: h, QueryUUID: queryUUID, Error: s.opts.QueryError})
	} else {
		events = append(events,
			progress.DatabaseSearchProgress{Header: h, QueryUUID: queryUUID, Keywords: keywords, Progress: 50, CurrentStep: "搜尋關鍵詞: lease", FoundDefinitions: map[string]int{"cd": len(found), "od": 0}},
			progress.DatabaseSearchResult{Header: h, QueryUUID: queryUUID, Keyword: "lease", FoundSentences: found},
			progress.DatabaseSearchProgress{Header: h, QueryUUID: queryUUID, Keywords: keywords, Progress: 100, CurrentStep: "搜尋關鍵詞: lessee", FoundDefinitions: map[string]int{"cd": len(found), "od": 0}},
			progress.AnswerGenerationStarted{Header: h, QueryUUID: queryUUID},
			progress.ReferencedSentences{Header: h, QueryUUID: queryUUID, Sentences: found},
			progress.QueryCompleted{Header: h, QueryUUID: queryUUID},
		)
	}

	return &queryRun{
		script:   script{events: events},
		progress: progress.NewQueryProgress(),
	}
}

// nextFileEvent advances the file's run by one event.
func (s *Server) nextFileEvent(fileUUID string) (progress.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.files[fileUUID]
	if !ok {
		return nil, false
	}
	event, ok := run.next()
	if ok {
		run.progress = progress.ReduceFile(run.progress, event)
	}
	return event, ok
}

// queryRunLocked returns the run of a query, scripting it on first use.
func (s *Server) queryRunLocked(queryUUID string) *queryRun {
	run, ok := s.queries[queryUUID]
	if !ok {
		run = s.newQueryRun(queryUUID)
		s.queries[queryUUID] = run
	}
	return run
}

func (s *Server) nextQueryEvent(queryUUID string) (progress.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.queryRunLocked(queryUUID)
	event, ok := run.next()
	if ok {
		run.progress = progress.ReduceQuery(run.progress, event)
	}
	return event, ok
}

func (s *Server) fileProgress(c echo.Context) error {
	fileUUID := c.Param("file_uuid")
	if _, ok := s.StoredFile(fileUUID); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "File not found")
	}
	s.nextFileEvent(fileUUID)

	s.mu.Lock()
	p := s.files[fileUUID].progress
	s.mu.Unlock()

	return c.JSON(http.StatusOK, progress.FilePollResponse{
		Status:       string(p.Status),
		CurrentStep:  p.CurrentStep,
		Progress:     float64(p.Progress),
		Current:      p.Current,
		Total:        p.Total,
		ErrorMessage: p.ErrorMessage,
	})
}

func (s *Server) queryProgress(c echo.Context) error {
	queryUUID := c.Param("query_uuid")
	s.nextQueryEvent(queryUUID)

	s.mu.Lock()
	p := s.queries[queryUUID].progress.Clone()
	s.mu.Unlock()

	return c.JSON(http.StatusOK, progress.QueryPollResponse{
		Status:           string(p.Status),
		CurrentStep:      p.CurrentStep,
		Progress:         float64(p.Progress),
		Keywords:         p.Keywords,
		FoundDefinitions: p.FoundDefinitions,
		ErrorMessage:     p.ErrorMessage,
	})
}

func (s *Server) processingSocket(c echo.Context) error {
	if err := s.socketAllowed(c); err != nil {
		return err
	}
	fileUUID := c.Param("file_uuid")
	if _, ok := s.StoredFile(fileUUID); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "File not found")
	}
	return s.stream(c, func() (progress.Event, bool) {
		return s.nextFileEvent(fileUUID)
	})
}

func (s *Server) chatSocket(c echo.Context) error {
	if err := s.socketAllowed(c); err != nil {
		return err
	}
	queryUUID := c.Param("query_uuid")
	return s.stream(c, func() (progress.Event, bool) {
		return s.nextQueryEvent(queryUUID)
	})
}

// stream upgrades the request and sends the remaining scripted events. It
// answers heartbeat pings and keeps the socket open until the client leaves
// or the server closes.
func (s *Server) stream(c echo.Context, next func() (progress.Event, bool)) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader already wrote the error response.
		s.logger.Debugf("Upgrade failed: %s", err)
		return nil
	}
	defer conn.Close() //nolint:errcheck

	var writeMu sync.Mutex
	send := func(event progress.Event) error {
		data, err := progress.EncodeEvent(event)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	left := make(chan struct{})
	go func() {
		defer close(left)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			event, err := progress.DecodeEvent(data)
			if err != nil {
				s.logger.Debugf("Ignoring client message: %s", err)
				continue
			}
			if ping, ok := event.(progress.Ping); ok {
				if err := send(progress.Pong{Time: ping.Time}); err != nil {
					return
				}
			}
		}
	}()

	if err := send(progress.ConnectionEstablished{Status: "connected"}); err != nil {
		return nil
	}

	for {
		if s.opts.EventInterval > 0 {
			select {
			case <-left:
				return nil
			case <-s.closing:
				return nil
			case <-time.After(s.opts.EventInterval):
			}
		}

		event, ok := next()
		if !ok {
			break
		}
		if err := send(event); err != nil {
			s.logger.Debugf("Client went away: %s", err)
			return nil
		}
	}

	select {
	case <-left:
	case <-s.closing:
		writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		writeMu.Unlock()
	}
	return nil
}
