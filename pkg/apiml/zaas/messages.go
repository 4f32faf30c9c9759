package zaas

import (
	"context"
	"errors"
	"net/http"

	apierrors "github.com/stacklok/apigw/pkg/api/errors"
	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/authsource"
	"github.com/stacklok/apigw/pkg/apiml/passticket"
	"github.com/stacklok/apigw/pkg/apiml/safidt"
)

// Message numbers of the credential exchange endpoints.
const (
	MsgAuthRequired         = "ZWEAG100E"
	MsgTokenNotValid        = "ZWEAG102E"
	MsgTokenExpired         = "ZWEAG103E"
	MsgInvalidCredentials   = "ZWEAG120E"
	MsgInvalidRequest       = "ZWEAO400E"
	MsgApplicationNameBlank = "ZWEAG140E"
	MsgPassTicketFailed     = "ZWEAG141E"
	MsgSafIdtFailed         = "ZWEAG150E"
	MsgNoMainframeIdentity  = "ZWEAG161E"
	MsgTokenUnavailable     = "ZWEAZ600W"
	MsgServiceNotAccessible = "ZWEAZ601W"
	MsgNoExchangerForScheme = "ZWEAZ602W"
)

// ErrorFor maps an exchange or authentication failure to the response the
// caller receives. It is the only place where domain errors become statuses.
func ErrorFor(err error) *apierrors.MessageError {
	var (
		msgErr   *apierrors.MessageError
		ptErr    *passticket.Error
		idtErr   *safidt.Error
		identity *authsource.NoMainframeIdentityError
	)

	switch {
	case errors.As(err, &msgErr):
		return msgErr
	case errors.Is(err, ErrApplicationNameMissing):
		return apierrors.NewMessageError(http.StatusBadRequest, MsgApplicationNameBlank,
			"org.zowe.apiml.security.ticket.invalidApplicationName",
			"The 'applicationName' parameter name is missing.", err)
	case errors.Is(err, apiml.ErrInvalidInput):
		return apierrors.NewMessageError(http.StatusBadRequest, MsgInvalidRequest,
			"org.zowe.apiml.common.badRequest",
			"The structure of the request is invalid: %s", err, err.Error())
	case errors.As(err, &ptErr):
		code := ptErr.Code()
		return apierrors.NewMessageError(code.Status, MsgPassTicketFailed,
			"org.zowe.apiml.security.ticket.generateFailed",
			"The generation of the PassTicket failed. Reason: %s", err, code.Message)
	case errors.As(err, &idtErr):
		return apierrors.NewMessageError(http.StatusInternalServerError, MsgSafIdtFailed,
			"org.zowe.apiml.security.idt.failed",
			"SAF IDT generation failed. Reason: %s", err, idtErr.Message)
	case errors.As(err, &identity):
		return apierrors.NewMessageError(http.StatusUnauthorized, MsgNoMainframeIdentity,
			"org.zowe.apiml.security.auth.noMainframeIdentity",
			"No mainframe identity is mapped to '%s'", err, identity.DistributedID)
	case errors.Is(err, apiml.ErrTokenExpired):
		return apierrors.NewMessageError(http.StatusUnauthorized, MsgTokenExpired,
			"org.zowe.apiml.security.expiredToken", "The token has expired", err)
	case errors.Is(err, apiml.ErrTokenNotValid):
		return apierrors.NewMessageError(http.StatusUnauthorized, MsgTokenNotValid,
			"org.zowe.apiml.security.query.invalidToken", "Token is not valid", err)
	case errors.Is(err, apiml.ErrBadCredentials):
		return apierrors.NewMessageError(http.StatusUnauthorized, MsgInvalidCredentials,
			"org.zowe.apiml.security.login.invalidCredentials", "Invalid username or password", err)
	case errors.Is(err, apiml.ErrUnauthenticated):
		return apierrors.NewMessageError(http.StatusUnauthorized, MsgAuthRequired,
			"org.zowe.apiml.security.authRequired", "Authentication is required", err)
	case errors.Is(err, apiml.ErrServiceUnavailable), errors.Is(err, context.DeadlineExceeded):
		return apierrors.NewMessageError(http.StatusServiceUnavailable, MsgServiceNotAccessible,
			"org.zowe.apiml.security.serviceUnavailable",
			"The authentication service is not available. Try again later.", err)
	case errors.Is(err, apiml.ErrNotFound):
		return apierrors.NewMessageError(http.StatusInternalServerError, MsgNoExchangerForScheme,
			"org.zowe.apiml.zaas.schemeNotConfigured",
			"The authentication scheme is not configured on this gateway.", err)
	default:
		return apierrors.NewMessageError(http.StatusInternalServerError, MsgTokenUnavailable,
			"org.zowe.apiml.zaas.tokenUnavailable",
			"The token cannot be provided.", err)
	}
}
