package passticket

//go:generate mockgen -destination=mocks/mock_generator.go -package=mocks -source=generator.go Generator

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Generator is the platform PassTicket service.
type Generator interface {
	// Generate returns a one-time ticket for the user and application.
	// Failures are *Error values.
	Generate(ctx context.Context, userID, applID string) (string, error)

	// Evaluate checks a ticket previously generated for the user and
	// application and consumes it.
	Evaluate(ctx context.Context, userID, applID, ticket string) error
}

const (
	ticketLength    = 8
	maxApplIDLength = 8
	maxUserIDLength = 8
	ticketAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// DefaultWindow is the validity window of a generated ticket.
	DefaultWindow = 10 * time.Minute
)

// NormalizeApplID upper-cases and validates an application name the way
// RACF does: 1 to 8 characters without blanks.
func NormalizeApplID(applID string) (string, error) {
	a := strings.ToUpper(strings.TrimSpace(applID))
	if a == "" || len(a) > maxApplIDLength || strings.ContainsAny(a, " \t") {
		return "", fmt.Errorf("invalid application name %q", applID)
	}
	return a, nil
}

// LocalGenerator derives tickets from a shared secret with HMAC-SHA256. It
// stands in for the platform service where no mainframe is reachable and
// follows the same return code contract.
type LocalGenerator struct {
	secret       []byte
	applications map[string]struct{}
	window       time.Duration
	now          func() time.Time

	mu   sync.Mutex
	used map[string]time.Time // consumed ticket key -> forget after
}

// NewLocalGenerator creates a generator for the given applications.
func NewLocalGenerator(secret string, applications []string, window time.Duration) (*LocalGenerator, error) {
	if secret == "" {
		return nil, errors.New("passticket secret is required")
	}
	if window <= 0 {
		window = DefaultWindow
	}
	apps := make(map[string]struct{}, len(applications))
	for _, a := range applications {
		n, err := NormalizeApplID(a)
		if err != nil {
			return nil, err
		}
		apps[n] = struct{}{}
	}
	return &LocalGenerator{
		secret:       []byte(secret),
		applications: apps,
		window:       window,
		now:          time.Now,
		used:         make(map[string]time.Time),
	}, nil
}

func (g *LocalGenerator) check(userID, applID string) (string, string, error) {
	user := strings.ToUpper(strings.TrimSpace(userID))
	if user == "" || len(user) > maxUserIDLength {
		return "", "", newError(errParameterList, userID, applID)
	}
	appl, err := NormalizeApplID(applID)
	if err != nil {
		return "", "", newError(errParameterList, userID, applID)
	}
	if _, ok := g.applications[appl]; !ok {
		return "", "", newError(errNotConfigured, userID, applID)
	}
	return user, appl, nil
}

func (g *LocalGenerator) ticket(user, appl string, slot int64) string {
	mac := hmac.New(sha256.New, g.secret)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(slot)) // #nosec G115 -- slot is a non-negative window index
	mac.Write([]byte(user))
	mac.Write([]byte{0})
	mac.Write([]byte(appl))
	mac.Write([]byte{0})
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	out := make([]byte, ticketLength)
	for i := range out {
		out[i] = ticketAlphabet[int(sum[i])%len(ticketAlphabet)]
	}
	return string(out)
}

func (g *LocalGenerator) slot(t time.Time) int64 {
	return t.UnixNano() / int64(g.window)
}

// Generate implements Generator.
func (g *LocalGenerator) Generate(ctx context.Context, userID, applID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	user, appl, err := g.check(userID, applID)
	if err != nil {
		return "", err
	}
	return g.ticket(user, appl, g.slot(g.now())), nil
}

// Evaluate implements Generator. Tickets from the current and the previous
// window are accepted, each at most once.
func (g *LocalGenerator) Evaluate(ctx context.Context, userID, applID, ticket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	user, appl, err := g.check(userID, applID)
	if err != nil {
		return err
	}

	now := g.now()
	current := g.slot(now)
	ticket = strings.ToUpper(strings.TrimSpace(ticket))

	var matched int64 = -1
	for _, s := range []int64{current, current - 1} {
		if hmac.Equal([]byte(ticket), []byte(g.ticket(user, appl, s))) {
			matched = s
			break
		}
	}
	if matched < 0 {
		return newError(errEvaluationInvalid, userID, applID)
	}

	key := fmt.Sprintf("%s\x00%s\x00%s", user, appl, ticket)

	g.mu.Lock()
	defer g.mu.Unlock()
	for k, until := range g.used {
		if now.After(until) {
			delete(g.used, k)
		}
	}
	if _, replayed := g.used[key]; replayed {
		return newError(errEvaluationReplayed, userID, applID)
	}
	g.used[key] = time.Unix(0, (matched+2)*int64(g.window))
	return nil
}
