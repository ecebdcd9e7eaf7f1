package services

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"

	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/schema"
	"github.com/davidtroncosop/Evidencias-FRCV/evidencias/workflow"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

// draftError maps state machine violations to 409 so clients can tell a
// sequencing mistake apart from a missing record or a server fault.
func draftError(err error) error {
	switch {
	case errors.Is(err, workflow.ErrNothingStaged),
		errors.Is(err, workflow.ErrConfirmationPending),
		errors.Is(err, workflow.ErrNotAwaiting),
		errors.Is(err, workflow.ErrExecuting):
		return CodedError(err, http.StatusConflict)
	}
	return CodedError(err, http.StatusInternalServerError)
}

func checkUserExists(txn *gorm.DB, userId uuid.UUID) error {
	if _, err := schema.GetUser(userId, txn); err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			return CodedError(err, http.StatusNotFound)
		}
		return CodedError(err, http.StatusInternalServerError)
	}
	return nil
}

func getMultipartBoundary(r *http.Request) (string, error) {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return "", CodedError(fmt.Errorf("missing 'Content-Type' header"), http.StatusBadRequest)
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", CodedError(fmt.Errorf("error parsing media type in request: %w", err), http.StatusBadRequest)
	}
	if mediaType != "multipart/form-data" {
		return "", CodedError(fmt.Errorf("expected media type to be 'multipart/form-data'"), http.StatusBadRequest)
	}

	boundary, ok := params["boundary"]
	if !ok {
		return "", CodedError(fmt.Errorf("missing 'boundary' parameter in 'Content-Type' header"), http.StatusBadRequest)
	}

	return boundary, nil
}
