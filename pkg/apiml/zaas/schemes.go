package zaas

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/apigw/pkg/apiml"
	"github.com/stacklok/apigw/pkg/apiml/authsource"
	"github.com/stacklok/apigw/pkg/apiml/passticket"
	"github.com/stacklok/apigw/pkg/apiml/safidt"
	"github.com/stacklok/apigw/pkg/apiml/token"
	"github.com/stacklok/apigw/pkg/apiml/zosmf"
	"github.com/stacklok/apigw/pkg/logger"
)

const (
	// HeaderSafIdt carries a SAF identity token to the backend.
	HeaderSafIdt = "X-SAF-Token"

	instrumentationName = "github.com/stacklok/apigw/pkg/apiml/zaas"
)

var tracer = otel.Tracer(instrumentationName)

func startSpan(ctx context.Context, s Scheme) (context.Context, trace.Span) {
	return tracer.Start(ctx, "zaas.exchange", trace.WithAttributes(attribute.String("zaas.scheme", string(s))))
}

// ErrApplicationNameMissing is returned for a blank applicationName.
var ErrApplicationNameMissing = fmt.Errorf("%w: applicationName is required", apiml.ErrInvalidInput)

func requireApplication(name string) (string, error) {
	appl := strings.ToUpper(strings.TrimSpace(name))
	if appl == "" {
		return "", ErrApplicationNameMissing
	}
	return appl, nil
}

// PassTicketExchanger issues PassTickets. The ticket is returned in Token
// with neither cookie nor header name.
type PassTicketExchanger struct {
	generator passticket.Generator
}

// NewPassTicketExchanger creates the passticket scheme.
func NewPassTicketExchanger(generator passticket.Generator) *PassTicketExchanger {
	return &PassTicketExchanger{generator: generator}
}

// Scheme implements Exchanger.
func (*PassTicketExchanger) Scheme() Scheme {
	return SchemePassTicket
}

// Exchange implements Exchanger.
func (e *PassTicketExchanger) Exchange(ctx context.Context, req *Request) (*TokenResponse, error) {
	if err := requireUser(req); err != nil {
		return nil, err
	}
	appl, err := requireApplication(req.ApplicationName)
	if err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, SchemePassTicket)
	defer span.End()

	ticket, err := e.generator.Generate(ctx, req.Parsed.UserID, appl)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{Token: ticket}, nil
}

// SafIdtExchanger issues SAF identity tokens, authenticating to the SAF
// service with a PassTicket.
type SafIdtExchanger struct {
	generator passticket.Generator
	provider  safidt.Provider
}

// NewSafIdtExchanger creates the safidt scheme.
func NewSafIdtExchanger(generator passticket.Generator, provider safidt.Provider) *SafIdtExchanger {
	return &SafIdtExchanger{generator: generator, provider: provider}
}

// Scheme implements Exchanger.
func (*SafIdtExchanger) Scheme() Scheme {
	return SchemeSafIdt
}

// Exchange implements Exchanger.
func (e *SafIdtExchanger) Exchange(ctx context.Context, req *Request) (*TokenResponse, error) {
	if err := requireUser(req); err != nil {
		return nil, err
	}
	appl, err := requireApplication(req.ApplicationName)
	if err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, SchemeSafIdt)
	defer span.End()

	ticket, err := e.generator.Generate(ctx, req.Parsed.UserID, appl)
	if err != nil {
		return nil, err
	}
	idt, err := e.provider.Generate(ctx, req.Parsed.UserID, ticket, appl)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{HeaderName: HeaderSafIdt, Token: idt}, nil
}

// ZosmfClient is the part of the z/OSMF client the exchanger needs.
type ZosmfClient interface {
	Authenticate(ctx context.Context, user, password string) (*zosmf.Tokens, error)
	Realm(ctx context.Context) (string, error)
}

// TokenIssuer mints internal tokens.
type TokenIssuer interface {
	Issue(user string, opts ...token.IssueOption) (string, error)
}

// ZosmfExchanger yields a token z/OSMF accepts. It logs in to z/OSMF with a
// PassTicket; an LTPA-only answer is wrapped into an internal token that
// carries the LTPA value and the z/OSMF realm.
type ZosmfExchanger struct {
	client    ZosmfClient
	generator passticket.Generator
	issuer    TokenIssuer
	applID    string
}

// NewZosmfExchanger creates the zosmf scheme. applID is the application
// name z/OSMF is protected by.
func NewZosmfExchanger(client ZosmfClient, generator passticket.Generator, issuer TokenIssuer, applID string) *ZosmfExchanger {
	return &ZosmfExchanger{client: client, generator: generator, issuer: issuer, applID: applID}
}

// Scheme implements Exchanger.
func (*ZosmfExchanger) Scheme() Scheme {
	return SchemeZosmf
}

// Exchange implements Exchanger.
func (e *ZosmfExchanger) Exchange(ctx context.Context, req *Request) (*TokenResponse, error) {
	if err := requireUser(req); err != nil {
		return nil, err
	}

	ctx, span := startSpan(ctx, SchemeZosmf)
	defer span.End()

	// the caller may already hold something z/OSMF accepts
	switch req.Parsed.Origin {
	case authsource.OriginZosmf:
		return &TokenResponse{CookieName: zosmf.CookieJWT, Token: req.Source.Raw()}, nil
	case authsource.OriginZowe:
		if claims, err := token.PeekClaims(req.Source.Raw()); err == nil && claims.LTPA != "" {
			return &TokenResponse{CookieName: zosmf.CookieLTPA, Token: claims.LTPA}, nil
		}
	}

	user := req.Parsed.UserID
	ticket, err := e.generator.Generate(ctx, user, e.applID)
	if err != nil {
		return nil, err
	}
	tokens, err := e.client.Authenticate(ctx, user, ticket)
	if err != nil {
		return nil, err
	}

	switch {
	case tokens.JWT != "":
		span.SetAttributes(attribute.String("zaas.zosmf.token", "jwt"))
		return &TokenResponse{CookieName: zosmf.CookieJWT, Token: tokens.JWT}, nil
	case tokens.LTPA != "":
		span.SetAttributes(attribute.String("zaas.zosmf.token", "ltpa"))
		realm, err := e.client.Realm(ctx)
		if err != nil {
			return nil, err
		}
		wrapped, err := e.issuer.Issue(user, token.WithLTPA(tokens.LTPA, realm))
		if err != nil {
			return nil, err
		}
		return &TokenResponse{CookieName: authsource.CookieAuthName, Token: wrapped}, nil
	default:
		logger.Warnf("z/OSMF accepted the login for %s but issued no token", user)
		return nil, fmt.Errorf("%w: z/OSMF issued neither a JWT nor an LTPA token", apiml.ErrBadCredentials)
	}
}

// ZoweJwtExchanger returns the internal token of the request's identity.
type ZoweJwtExchanger struct {
	service authsource.Service
}

// NewZoweJwtExchanger creates the zowejwt scheme.
func NewZoweJwtExchanger(service authsource.Service) *ZoweJwtExchanger {
	return &ZoweJwtExchanger{service: service}
}

// Scheme implements Exchanger.
func (*ZoweJwtExchanger) Scheme() Scheme {
	return SchemeZoweJwt
}

// Exchange implements Exchanger. A valid source without a mainframe user
// yields *authsource.NoMainframeIdentityError.
func (e *ZoweJwtExchanger) Exchange(ctx context.Context, req *Request) (*TokenResponse, error) {
	if req == nil || req.Parsed == nil {
		return nil, fmt.Errorf("%w: no parsed identity for the request", apiml.ErrUnauthenticated)
	}
	if !req.Parsed.Authenticated() {
		if req.Parsed.DistributedID == "" {
			return nil, fmt.Errorf("%w: no mainframe user for the request", apiml.ErrUnauthenticated)
		}
		return nil, &authsource.NoMainframeIdentityError{DistributedID: req.Parsed.DistributedID, TokenValid: true}
	}

	ctx, span := startSpan(ctx, SchemeZoweJwt)
	defer span.End()

	raw, err := e.service.GetJWT(ctx, req.Source)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{CookieName: authsource.CookieAuthName, Token: raw}, nil
}
