package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	disputedomain "github.com/smallbiznis/reckon/internal/dispute/domain"
	frauddomain "github.com/smallbiznis/reckon/internal/fraud/domain"
	idemdomain "github.com/smallbiznis/reckon/internal/idempotency/domain"
	ordersdomain "github.com/smallbiznis/reckon/internal/orders/domain"
	providerdomain "github.com/smallbiznis/reckon/internal/provider/domain"
	recondomain "github.com/smallbiznis/reckon/internal/recon/domain"
	webhookdomain "github.com/smallbiznis/reckon/internal/webhook/domain"
)

var errInvalidID = errors.New("invalid_id")

// Classify maps a domain error onto an HTTP status and stable error code.
func Classify(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""

	case errors.Is(err, disputedomain.ErrNotFound),
		errors.Is(err, disputedomain.ErrPackNotFound),
		errors.Is(err, ordersdomain.ErrNotFound),
		errors.Is(err, frauddomain.ErrOrderNotFound),
		errors.Is(err, frauddomain.ErrUserNotFound),
		errors.Is(err, recondomain.ErrTxnNotFound),
		errors.Is(err, recondomain.ErrDiscrepancyNotFound),
		errors.Is(err, providerdomain.ErrCaseNotFound),
		errors.Is(err, webhookdomain.ErrUnknownProvider),
		errors.Is(err, providerdomain.ErrProviderNotFound):
		return http.StatusNotFound, err.Error()

	case errors.Is(err, disputedomain.ErrInvalidState),
		errors.Is(err, disputedomain.ErrEvidenceNotReady),
		errors.Is(err, recondomain.ErrAlreadyMatched),
		errors.Is(err, recondomain.ErrDiscrepancyClosed),
		errors.Is(err, idemdomain.ErrInProgress):
		return http.StatusConflict, err.Error()

	case errors.Is(err, disputedomain.ErrInvalidEvent),
		errors.Is(err, disputedomain.ErrInvalidStatus),
		errors.Is(err, recondomain.ErrInvalidTxn),
		errors.Is(err, webhookdomain.ErrInvalidPayload),
		errors.Is(err, idemdomain.ErrInvalidKey),
		errors.Is(err, errInvalidID):
		return http.StatusBadRequest, err.Error()

	case errors.Is(err, providerdomain.ErrProvider):
		return http.StatusBadGateway, "provider_error"

	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// ClassifyForLog feeds the request logger's error fields.
func ClassifyForLog(err error) (string, string) {
	status, code := Classify(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server", code
	case status >= http.StatusBadRequest:
		return "client", code
	default:
		return "", code
	}
}

func abortWithError(c *gin.Context, err error) {
	status, code := Classify(err)
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}
