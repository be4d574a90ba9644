package sidecar

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/polisai/polis-token/pkg/domain"
)

// maxMessageBytes bounds the size of an intercept request body.
const maxMessageBytes = 16 << 20

// InterceptRequest carries one message observed by a host that cannot use the
// proxy. Message is the raw HTTP message, base64 encoded on the wire.
type InterceptRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Tool      string `json:"tool"`
	IsRequest bool   `json:"is_request"`
	Message   []byte `json:"message"`
}

// InterceptResponse is the message the host should install.
type InterceptResponse struct {
	RequestID string         `json:"request_id"`
	Outcome   domain.Outcome `json:"outcome"`
	Modified  bool           `json:"modified"`
	Message   []byte         `json:"message"`
}

// handleIntercept runs a message through the mutation cycle. Whatever the
// outcome, the response carries a message the host can send.
func (s *Sidecar) handleIntercept(w http.ResponseWriter, r *http.Request) {
	var req InterceptRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code:    codeBadRequest,
			Message: fmt.Sprintf("invalid intercept request: %v", err),
		})
		return
	}

	tool, err := domain.ParseTool(req.Tool)
	if err != nil {
		s.writeErrorResponse(w, r, http.StatusBadRequest, domain.ErrorResponse{
			Code:    domain.ErrorCode(err),
			Message: err.Error(),
			Fields:  map[string]string{"tool": err.Error()},
		})
		return
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	result := s.Process(r.Context(), domain.Message{
		ID:        req.RequestID,
		Tool:      tool,
		IsRequest: req.IsRequest,
		Raw:       req.Message,
	})

	s.writeJSON(w, http.StatusOK, InterceptResponse{
		RequestID: req.RequestID,
		Outcome:   result.Outcome,
		Modified:  result.Modified(),
		Message:   result.Request,
	})
}
