package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/bridgectl/internal/lifecycle"
	"github.com/loykin/bridgectl/pkg/client"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// isSafeName validates configuration ids taken from the URL.
// Allowed characters: A-Z a-z 0-9 . _ - and no consecutive dots forming "..".
func isSafeName(s string) bool {
	if s == "" || len(s) > 128 {
		return false
	}
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

// errorCode is the machine-readable code sent with a failed operation.
func errorCode(err error) string {
	var (
		ve *lifecycle.ValidationError
		nf *lifecycle.NotFoundError
		te *lifecycle.TransportError
		vf *lifecycle.VerificationFailure
	)
	switch {
	case errors.Is(err, lifecycle.ErrAlreadyInProgress):
		return "already_in_progress"
	case errors.Is(err, lifecycle.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, lifecycle.ErrConfirmationRequired):
		return "confirmation_required"
	case errors.Is(err, lifecycle.ErrClosed):
		return "closed"
	case errors.As(err, &vf):
		return "verification_failed"
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &te):
		if te.Kind == client.KindAddressInUse || te.Kind == client.KindDeviceNotFound {
			return string(te.Kind)
		}
		return "transport"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "interrupted"
	}
	return "internal"
}

func statusFor(code string) int {
	switch code {
	case "already_in_progress", "invalid_state":
		return http.StatusConflict
	case "confirmation_required":
		return http.StatusPreconditionRequired
	case "closed":
		return http.StatusServiceUnavailable
	case "verification_failed", "interrupted":
		return http.StatusGatewayTimeout
	case "validation":
		return http.StatusUnprocessableEntity
	case "not_found":
		return http.StatusNotFound
	case "transport", string(client.KindAddressInUse), string(client.KindDeviceNotFound):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	code := errorCode(err)
	writeJSON(c, statusFor(code), errorResp{Error: err.Error(), Code: code})
}
