// Package provider maps an account's Provider tag to the fixed IMAP
// connection parameters and auth mechanism it needs, one table per provider
// instead of a per-provider client hardcoding its own service endpoint and
// auth flow. Every supported provider is reached over IMAP+XOAUTH2/LOGIN,
// never a provider-specific REST API.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mailext/ingestion/internal/models"
)

// ConnectionParams is everything internal/imapconn needs to dial and
// authenticate against one account's mailbox.
type ConnectionParams struct {
	Host        string
	Port        int
	Security    models.SecurityMode
	UseXOAuth2  bool
	Username    string
	AccessToken string // set only when UseXOAuth2
	Password    string // set only for plain-auth (icloud, generic imap)
}

// fixedEndpoints maps provider -> (host, port, security, mechanism).
// Gmail and Outlook are IMAP endpoints authenticated with XOAUTH2, not
// their REST/Graph APIs.
var fixedEndpoints = map[models.Provider]struct {
	Host     string
	Port     int
	Security models.SecurityMode
	XOAuth2  bool
}{
	models.ProviderICloud:  {"imap.mail.me.com", 993, models.SecuritySSL, false},
	models.ProviderGmail:   {"imap.gmail.com", 993, models.SecuritySSL, true},
	models.ProviderOutlook: {"outlook.office365.com", 993, models.SecuritySSL, true},
}

// RefreshableToken is the capability a provider adapter uses to obtain a
// fresh access token when an OAuth2 account's stored one is stale. The
// OAuth2 engine (internal/oauth2engine) implements this.
type RefreshableToken interface {
	// NeedsRefresh reports whether creds.ExpiresAt is within the refresh
	// buffer of now.
	NeedsRefresh(creds models.OAuth2Credentials, now time.Time) bool
	// Refresh exchanges a refresh token for a new access token.
	Refresh(ctx context.Context, provider models.Provider, creds models.OAuth2Credentials) (models.OAuth2Credentials, error)
}

// Resolver turns an Account + Credentials into ConnectionParams, refreshing
// OAuth2 tokens on demand and guarding each provider behind its own
// per-provider rate limiter and circuit breaker so a flapping upstream
// can't take down every account on that provider at once.
type Resolver struct {
	tokens RefreshableToken

	mu       sync.Mutex
	limiters map[models.Provider]*rate.Limiter
	breakers map[models.Provider]*gobreaker.CircuitBreaker
}

// NewResolver builds a Resolver. tokens may be nil for providers that never
// need refresh (icloud, generic imap) in a deployment that omits OAuth2
// entirely; with tokens nil, Resolve uses an oauth2 account's stored access
// token as-is and never refreshes it.
func NewResolver(tokens RefreshableToken) *Resolver {
	return &Resolver{
		tokens:   tokens,
		limiters: make(map[models.Provider]*rate.Limiter),
		breakers: make(map[models.Provider]*gobreaker.CircuitBreaker),
	}
}

func (r *Resolver) limiterFor(p models.Provider) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[p]; ok {
		return l
	}
	// 10 connect attempts/sec/provider is generous headroom for a per-user
	// IDLE+poll workload; this bounds reconnect storms, not steady state.
	l := rate.NewLimiter(rate.Limit(10), 1)
	r.limiters[p] = l
	return l
}

func (r *Resolver) breakerFor(p models.Provider) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[p]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(p),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	r.breakers[p] = b
	return b
}

// Resolve builds ConnectionParams for account, refreshing creds.OAuth2 when
// it is stale and returning the refreshed credentials as a new value (the
// creds argument is not modified). Guarded by the provider's circuit breaker and
// rate limiter so a flapping upstream doesn't amplify reconnect storms
// across every account on that provider.
func (r *Resolver) Resolve(ctx context.Context, account models.Account, creds models.Credentials) (ConnectionParams, models.Credentials, error) {
	if err := r.limiterFor(account.Provider).Wait(ctx); err != nil {
		return ConnectionParams{}, creds, err
	}

	result, err := r.breakerFor(account.Provider).Execute(func() (interface{}, error) {
		return r.resolveLocked(ctx, account, creds)
	})
	if err != nil {
		return ConnectionParams{}, creds, err
	}
	rv := result.(resolveResult)
	return rv.params, rv.creds, nil
}

type resolveResult struct {
	params ConnectionParams
	creds  models.Credentials
}

func (r *Resolver) resolveLocked(ctx context.Context, account models.Account, creds models.Credentials) (resolveResult, error) {
	switch account.Provider {
	case models.ProviderGmail, models.ProviderOutlook:
		ep, ok := fixedEndpoints[account.Provider]
		if !ok {
			return resolveResult{}, fmt.Errorf("no fixed endpoint for provider %s", account.Provider)
		}
		if creds.OAuth2 == nil {
			return resolveResult{}, fmt.Errorf("account %s missing oauth2 credentials", account.ID)
		}
		oc := *creds.OAuth2
		if r.tokens != nil && r.tokens.NeedsRefresh(oc, time.Now()) {
			refreshed, err := r.tokens.Refresh(ctx, account.Provider, oc)
			if err != nil {
				return resolveResult{}, fmt.Errorf("refreshing %s token: %w", account.Provider, err)
			}
			oc = refreshed
		}
		newCreds := models.Credentials{Kind: models.AuthOAuth2, OAuth2: &oc}
		return resolveResult{
			params: ConnectionParams{
				Host: ep.Host, Port: ep.Port, Security: ep.Security,
				UseXOAuth2: true, Username: account.Email, AccessToken: oc.AccessToken,
			},
			creds: newCreds,
		}, nil

	case models.ProviderICloud:
		ep := fixedEndpoints[models.ProviderICloud]
		if creds.Password == nil {
			return resolveResult{}, fmt.Errorf("account %s missing password credentials", account.ID)
		}
		return resolveResult{
			params: ConnectionParams{
				Host: ep.Host, Port: ep.Port, Security: ep.Security,
				Username: creds.Password.Username, Password: creds.Password.Password,
			},
			creds: creds,
		}, nil

	case models.ProviderIMAP:
		if creds.Password == nil {
			return resolveResult{}, fmt.Errorf("account %s missing password credentials", account.ID)
		}
		sec := account.Security
		if sec == "" {
			sec = models.SecuritySSL
		}
		return resolveResult{
			params: ConnectionParams{
				Host: account.IMAPHost, Port: account.IMAPPort, Security: sec,
				Username: creds.Password.Username, Password: creds.Password.Password,
			},
			creds: creds,
		}, nil

	default:
		return resolveResult{}, fmt.Errorf("unsupported provider: %s", account.Provider)
	}
}
