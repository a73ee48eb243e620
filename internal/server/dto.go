package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	nmterrors "nmtwizard/internal/errors"
	"nmtwizard/internal/models"
	"nmtwizard/internal/service"
)

var validate = validator.New()

// exampleRequest is one source example of a translate request.
type exampleRequest struct {
	Text         string         `json:"text" validate:"required"`
	TargetPrefix string         `json:"target_prefix,omitempty"`
	Options      map[string]any `json:"options,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	Metadata     any            `json:"metadata,omitempty"`
}

// translateRequest is the body of POST /translate.
type translateRequest struct {
	Src     []exampleRequest `json:"src" validate:"required,min=1,dive"`
	Options map[string]any   `json:"options,omitempty"`
}

// Validate checks the request fields.
func (r *translateRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, fieldErr := range validationErrors {
			messages = append(messages, fmt.Sprintf("Field: %s, Tag: %s", fieldErr.Namespace(), fieldErr.Tag()))
		}
		return nmterrors.NewRequestInvalidError("validation failed: " + strings.Join(messages, "; "))
	}
	return nmterrors.NewRequestInvalidError("validation error: " + err.Error())
}

func (r *translateRequest) toService() *service.Request {
	req := &service.Request{
		Src:     make([]models.Example, len(r.Src)),
		Options: r.Options,
	}
	for i, ex := range r.Src {
		req.Src[i] = models.Example{
			Text:         ex.Text,
			TargetPrefix: ex.TargetPrefix,
			Options:      ex.Options,
			Config:       ex.Config,
			Metadata:     ex.Metadata,
		}
	}
	return req
}

// errorResponse is the body of failed requests.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
