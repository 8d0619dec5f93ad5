package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"witness/internal/domain"
	"witness/internal/usecase"
)

const cesrContentType = "application/json+cesr"

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type publishResponse struct {
	Parsed    int      `json:"parsed"`
	NotParsed string   `json:"not_parsed"`
	Receipts  []string `json:"receipts"`
	Errors    []string `json:"errors"`
}

func (s *Server) handlePublish(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.maxStreamBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorCode(c, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "stream exceeds size limit")
			return
		}
		writeErrorCode(c, http.StatusBadRequest, "INVALID_REQUEST", "could not read request body")
		return
	}

	res, err := s.processor.Process(c.Request.Context(), body)
	if err != nil {
		if isContextError(err) {
			// Receipts issued before the interruption are already stored; report them.
			writeErrorDetails(c, http.StatusServiceUnavailable, "PROCESSING_INTERRUPTED", "publish interrupted before the stream was fully processed", map[string]any{
				"partial": newPublishResponse(res),
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newPublishResponse(res))
}

func newPublishResponse(res usecase.ProcessResult) publishResponse {
	resp := publishResponse{
		Parsed:    res.Parsed,
		NotParsed: string(res.Unconsumed),
		Receipts:  make([]string, 0, len(res.Receipts)),
		Errors:    make([]string, 0, len(res.Errors)),
	}
	for _, r := range res.Receipts {
		resp.Receipts = append(resp.Receipts, string(r.Raw))
	}
	for _, e := range res.Errors {
		resp.Errors = append(resp.Errors, e.Error())
	}
	return resp
}

func (s *Server) handleKEL(c *gin.Context) {
	kel, err := s.query.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, cesrContentType, kel)
}

func (s *Server) handleReceipts(c *gin.Context) {
	receipts, err := s.query.GetReceipts(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, cesrContentType, receipts)
}

// handleOOBI serves this witness's signed location for its configured public URL.
// The signed address never comes from request headers.
func (s *Server) handleOOBI(c *gin.Context) {
	if s.cfg.PublicURL == "" {
		writeErrorCode(c, http.StatusServiceUnavailable, "OOBI_UNAVAILABLE", "PUBLIC_URL is not configured")
		return
	}
	proof, err := s.discovery.IssueProof(c.Request.Context(), s.cfg.PublicURL)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, cesrContentType, proof.Raw)
}

func (s *Server) handleLocations(c *gin.Context) {
	locs, err := s.query.Locations(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, cesrContentType, locs)
}

func writeError(c *gin.Context, err error) {
	status, code, message := http.StatusInternalServerError, "INTERNAL", err.Error()
	var perr *domain.ProcessingError
	switch {
	case errors.Is(err, domain.ErrParse):
		status, code, message = http.StatusUnprocessableEntity, "PARSE_ERROR", domain.ErrParse.Error()
	case errors.As(err, &perr):
		status, code = http.StatusUnprocessableEntity, "PROCESSING_ERROR"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidPrefix):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrInvalidAddress):
		status, code = http.StatusBadRequest, "INVALID_ADDRESS"
	case isContextError(err):
		status, code, message = http.StatusServiceUnavailable, "REQUEST_CANCELLED", "request cancelled"
	case errors.Is(err, domain.ErrEncoding), errors.Is(err, domain.ErrSigning):
		message = "internal error"
	}
	writeErrorCode(c, status, code, message)
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	writeErrorDetails(c, status, code, message, nil)
}

func writeErrorDetails(c *gin.Context, status int, code, message string, details map[string]any) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
