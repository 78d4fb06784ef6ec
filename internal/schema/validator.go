// Package schema validates messages crossing the caller boundary.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"speech-stream-proxy/internal/errs"
	"speech-stream-proxy/internal/models"
)

var (
	once     sync.Once
	validate *validator.Validate
)

func instance() *validator.Validate {
	once.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ParseControl decodes and validates a caller control frame.
func ParseControl(data []byte) (models.ControlMessage, error) {
	var msg models.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, errs.E(errs.CodeProtocol, "schema.ParseControl", "malformed control message", err)
	}
	if err := instance().Struct(msg); err != nil {
		return msg, errs.E(errs.CodeProtocol, "schema.ParseControl",
			fmt.Sprintf("unsupported control message %q", msg.Type), err)
	}
	return msg, nil
}

// ValidateTranscript checks the invariants of a normalized transcript event.
func ValidateTranscript(ev models.TranscriptEvent) error {
	if err := instance().Struct(ev); err != nil {
		return errs.E(errs.CodeProtocol, "schema.ValidateTranscript", "transcript event out of range", err)
	}
	return nil
}

// ValidateSessionID checks a caller-supplied session id.
func ValidateSessionID(id string) error {
	if err := instance().Var(id, "required,max=128,printascii"); err != nil {
		return errs.E(errs.CodeInvalidArgument, "schema.ValidateSessionID", "invalid session_id", err)
	}
	if strings.ContainsRune(id, ' ') {
		return errs.E(errs.CodeInvalidArgument, "schema.ValidateSessionID", "invalid session_id", nil)
	}
	return nil
}
