package mockbackend

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/citeqa/client/progress"
	"github.com/citeqa/client/upload/network"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const maxPartSize = 64 << 20

type multipartUpload struct {
	fileID    string
	uploadID  string
	fileUUID  string
	name      string
	size      int64
	mimeType  string
	partCount int
	key       string
	started   time.Time
	parts     map[int][]byte
	etags     map[int]string
	attempts  map[int]int
}

func (u *multipartUpload) uploadedParts() []int {
	parts := make([]int, 0, len(u.parts))
	for n := range u.parts {
		parts = append(parts, n)
	}
	sort.Ints(parts)
	return parts
}

func (u *multipartUpload) missingParts() []int {
	var missing []int
	for n := 1; n <= u.partCount; n++ {
		if _, ok := u.parts[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

func (s *Server) initUpload(c echo.Context) error {
	var req network.InitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	switch {
	case strings.TrimSpace(req.Name) == "":
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	case req.Size <= 0:
		return echo.NewHTTPError(http.StatusBadRequest, "size should be positive")
	case req.PartCount <= 0:
		return echo.NewHTTPError(http.StatusBadRequest, "partCount should be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	fileUUID := uuid.NewString()
	upload := &multipartUpload{
		fileID:    uuid.NewString(),
		uploadID:  uuid.NewString(),
		fileUUID:  fileUUID,
		name:      path.Base(strings.ReplaceAll(req.Name, `\`, "/")),
		size:      req.Size,
		mimeType:  req.MIMEType,
		partCount: req.PartCount,
		started:   s.now(),
		parts:     map[int][]byte{},
		etags:     map[int]string{},
		attempts:  map[int]int{},
	}
	upload.key = fmt.Sprintf("uploads/%s/%s", fileUUID, upload.name)
	s.uploads[upload.uploadID] = upload

	s.logger.Debugf("Multipart upload %s started for %s (%d parts)", upload.uploadID, upload.name, upload.partCount)
	return c.JSON(http.StatusOK, network.InitResponse{
		FileID:   upload.fileID,
		UploadID: upload.uploadID,
		Bucket:   Bucket,
		Key:      upload.key,
	})
}

// lookupUpload returns the upload addressed by the request. Callers hold s.mu.
func (s *Server) lookupUpload(c echo.Context) (*multipartUpload, error) {
	upload, ok := s.uploads[c.Param("upload_id")]
	if !ok || upload.fileID != c.Param("file_id") {
		return nil, echo.NewHTTPError(http.StatusNotFound, "Upload not found")
	}
	if s.now().Sub(upload.started) > s.opts.UploadTTL {
		return nil, echo.NewHTTPError(http.StatusGone, "Upload expired")
	}
	return upload, nil
}

func (s *Server) uploadPart(c echo.Context) error {
	partNumber, err := strconv.Atoi(c.Param("part_number"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid part number")
	}

	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxPartSize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Could not read part")
	}
	if len(data) > maxPartSize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "Part too large")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	upload, err := s.lookupUpload(c)
	if err != nil {
		return err
	}
	if partNumber < 1 || partNumber > upload.partCount {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("part number should be between 1 and %d", upload.partCount))
	}
	if len(data) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Empty part")
	}

	upload.attempts[partNumber]++
	if s.opts.FailPart != nil && s.opts.FailPart(partNumber, upload.attempts[partNumber]) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Part storage unavailable")
	}

	sum := md5.Sum(data) //nolint:gosec
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	upload.parts[partNumber] = data
	upload.etags[partNumber] = etag

	return c.JSON(http.StatusOK, network.PartResponse{
		PartNumber: partNumber,
		ETag:       etag,
		Progress:   float64(len(upload.parts)) / float64(upload.partCount) * 100,
	})
}

func (s *Server) completeUpload(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	upload, err := s.lookupUpload(c)
	if err != nil {
		return err
	}
	if missing := upload.missingParts(); len(missing) > 0 {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Missing parts: %v", missing))
	}

	var content []byte
	hash := md5.New() //nolint:gosec
	for n := 1; n <= upload.partCount; n++ {
		content = append(content, upload.parts[n]...)
		hash.Write([]byte(upload.etags[n])) //nolint:errcheck
	}
	if int64(len(content)) != upload.size {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Assembled size %d does not match the declared %d bytes", len(content), upload.size))
	}

	now := s.now()
	file := StoredFile{
		UUID:       upload.fileUUID,
		Name:       upload.name,
		ObjectKey:  upload.key,
		Content:    content,
		UploadedAt: now,
	}
	s.files[file.UUID] = newFileRun(file, s.opts.ProcessingError, now)
	delete(s.uploads, upload.uploadID)

	s.logger.Infof("Stored %s as %s (%d bytes)", file.Name, file.UUID, len(content))
	return c.JSON(http.StatusOK, network.CompleteResponse{
		FileID:           upload.fileID,
		FileUUID:         file.UUID,
		Bucket:           Bucket,
		Key:              upload.key,
		ETag:             fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(hash.Sum(nil)), upload.partCount),
		Size:             upload.size,
		FileName:         path.Base(upload.key),
		OriginalName:     upload.name,
		UploadStatus:     "completed",
		ProcessingStatus: string(progress.StatusPending),
		CreatedAt:        now.UTC(),
	})
}

func (s *Server) abortUpload(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	upload, ok := s.uploads[c.Param("upload_id")]
	if !ok || upload.fileID != c.Param("file_id") {
		return echo.NewHTTPError(http.StatusNotFound, "Upload not found")
	}
	delete(s.uploads, upload.uploadID)

	return c.JSON(http.StatusOK, network.AbortResponse{Status: "aborted", Message: "Upload aborted"})
}

func (s *Server) uploadStatus(c echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	upload, ok := s.uploads[c.Param("upload_id")]
	if !ok || upload.fileID != c.Param("file_id") {
		return echo.NewHTTPError(http.StatusNotFound, "Upload not found")
	}

	elapsed := s.now().Sub(upload.started)
	remaining := s.opts.UploadTTL - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return c.JSON(http.StatusOK, network.StatusResponse{
		TotalParts:    upload.partCount,
		UploadedParts: upload.uploadedParts(),
		StartTime:     upload.started.UTC().Format(time.RFC3339),
		TimeElapsed:   elapsed.Seconds(),
		RemainingTime: remaining.Seconds(),
		IsExpired:     elapsed > s.opts.UploadTTL,
	})
}
