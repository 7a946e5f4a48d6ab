// Package mockbackend is an in-memory stand-in for the document backend. It
// serves the multipart-upload REST API, the progress polling endpoints and
// the progress WebSockets, replaying a scripted processing run for every
// uploaded file and every chat query.
package mockbackend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	// Bucket is reported as the storage bucket of every upload.
	Bucket = "citeqa-documents"

	defaultUploadTTL = time.Hour
)

// Options configures a Server.
type Options struct {
	// Token, when set, is required as bearer token on REST calls and as the
	// token query parameter of the WebSockets.
	Token string
	// EventInterval is the pause between two scripted progress events.
	EventInterval time.Duration
	// UploadTTL is how long a multipart upload stays valid. Defaults to an hour.
	UploadTTL time.Duration
	// FailPart, when it returns true, makes that attempt of the part upload
	// fail with 503. Attempts count from 1.
	FailPart func(partNumber, attempt int) bool
	// ProcessingError makes every file's processing fail with this message.
	ProcessingError string
	// QueryError makes every chat query fail with this message.
	QueryError string
	// APIPrefix is prepended to the REST routes, e.g. "/api". The WebSockets
	// are always served from /ws.
	APIPrefix string
	Logger    log.Logger
}

// StoredFile is an assembled upload.
type StoredFile struct {
	UUID       string
	Name       string
	ObjectKey  string
	Content    []byte
	UploadedAt time.Time
}

// Server is an http.Handler. All methods are safe for concurrent use.
type Server struct {
	echo     *echo.Echo
	opts     Options
	logger   log.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	closeOnce sync.Once
	closing   chan struct{}

	mu      sync.Mutex
	uploads map[string]*multipartUpload
	files   map[string]*fileRun
	queries map[string]*queryRun
}

// New returns a backend with no stored files.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.NewLogger()
	}
	if opts.UploadTTL <= 0 {
		opts.UploadTTL = defaultUploadTTL
	}

	s := &Server{
		echo:   echo.New(),
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		now:     time.Now,
		closing: make(chan struct{}),
		uploads: map[string]*multipartUpload{},
		files:   map[string]*fileRun{},
		queries: map[string]*queryRun{},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debugf("%s %s -> %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))

	auth := s.requireToken
	api := e.Group(strings.TrimSuffix(s.opts.APIPrefix, "/"))
	api.POST("/files/multipart/init", s.initUpload, auth)
	api.POST("/files/multipart/:file_id/:upload_id/complete", s.completeUpload, auth)
	api.POST("/files/multipart/:file_id/:upload_id/:part_number", s.uploadPart, auth)
	api.GET("/files/multipart/:file_id/:upload_id/status", s.uploadStatus, auth)
	api.DELETE("/files/multipart/:file_id/:upload_id", s.abortUpload, auth)
	api.GET("/files/:file_uuid/progress", s.fileProgress, auth)
	api.GET("/chat/queries/:query_uuid/progress", s.queryProgress, auth)

	e.GET("/ws/processing/:file_uuid", s.processingSocket)
	e.GET("/ws/chat/:query_uuid", s.chatSocket)
}

// ServeHTTP ...
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Infof("Mock backend listening on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and closes the open WebSockets.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close()
	return s.echo.Shutdown(ctx)
}

// Close ends the open WebSockets. Use it when the server is mounted on an
// httptest.Server.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
}

// StoredFile returns the assembled upload with the given file uuid.
func (s *Server) StoredFile(fileUUID string) (StoredFile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.files[fileUUID]
	if !ok {
		return StoredFile{}, false
	}
	file := run.file
	file.Content = append([]byte(nil), file.Content...)
	return file, true
}

// PendingUploads returns the number of multipart uploads neither completed
// nor aborted.
func (s *Server) PendingUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

func (s *Server) requireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.opts.Token == "" {
			return next(c)
		}
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if strings.TrimPrefix(header, "Bearer ") != s.opts.Token || !strings.HasPrefix(header, "Bearer ") {
			return echo.NewHTTPError(http.StatusUnauthorized, "Not authenticated")
		}
		return next(c)
	}
}

func (s *Server) socketAllowed(c echo.Context) error {
	if s.opts.Token != "" && c.QueryParam("token") != s.opts.Token {
		return echo.NewHTTPError(http.StatusUnauthorized, "Not authenticated")
	}
	return nil
}

// handleError renders errors the way the backend does: {"detail": "..."}.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := err.Error()
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		code = httpErr.Code
		message = fmt.Sprintf("%v", httpErr.Message)
	}

	if err := c.JSON(code, map[string]string{"detail": message}); err != nil {
		s.logger.Warnf("write error response: %s", err)
	}
}
