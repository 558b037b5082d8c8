// Package oauth2engine implements the device-authorization-grant lifecycle:
// initiate, poll and refresh. It hand-rolls the RFC 8628 HTTP exchange since
// no full OAuth2 client library covers device grant; golang.org/x/oauth2 is
// used only for its Token value type (see ToOAuth2Token).
package oauth2engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/mailext/ingestion/internal/ingesterr"
	"github.com/mailext/ingestion/internal/models"
)

// maxPolls bounds the device-auth poll loop to roughly a 5-minute ceiling at
// the default 5s interval.
const maxPolls = 60

// EndpointConfig is one provider's device-authorization endpoint set plus
// the client identity registered with it.
type EndpointConfig struct {
	ClientID      string
	ClientSecret  string // empty for Outlook's public client flow
	DeviceAuthURL string
	TokenURL      string
	Scopes        []string
}

// Engine runs the device grant and refresh flows for every OAuth2-capable
// provider (gmail, outlook).
type Engine struct {
	endpoints map[models.Provider]EndpointConfig
	client    *http.Client
	// RefreshBuffer is how far ahead of expiry a token is considered stale;
	// provider.Resolver calls NeedsRefresh with this margin.
	RefreshBuffer time.Duration
}

func New(endpoints map[models.Provider]EndpointConfig) *Engine {
	return &Engine{
		endpoints:     endpoints,
		client:        http.DefaultClient,
		RefreshBuffer: 5 * time.Minute,
	}
}

// DeviceAuth is the user-facing payload returned by Initiate: a code to
// display and a URL to visit, per RFC 8628.
type DeviceAuth struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	ExpiresIn       int
	Interval        int
}

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// Initiate starts a device-authorization grant for provider, returning the
// code the user must enter at VerificationURI.
func (e *Engine) Initiate(ctx context.Context, provider models.Provider) (DeviceAuth, error) {
	ep, ok := e.endpoints[provider]
	if !ok {
		return DeviceAuth{}, fmt.Errorf("no oauth2 endpoint configured for provider %s", provider)
	}

	form := url.Values{}
	form.Set("client_id", ep.ClientID)
	form.Set("scope", strings.Join(ep.Scopes, " "))

	var out deviceCodeResponse
	if err := e.post(ctx, ep.DeviceAuthURL, form, &out); err != nil {
		return DeviceAuth{}, ingesterr.Wrap(err, ingesterr.KindOAuthFatal, "", "")
	}
	if out.Interval == 0 {
		out.Interval = 5
	}
	return DeviceAuth{
		DeviceCode:      out.DeviceCode,
		UserCode:        out.UserCode,
		VerificationURI: out.VerificationURI,
		ExpiresIn:       out.ExpiresIn,
		Interval:        out.Interval,
	}, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// PollResult is the outcome of one Poll call.
type PollResult struct {
	Done  bool
	Creds models.OAuth2Credentials
}

// Poll makes a single token-endpoint request for deviceCode. Callers loop
// this themselves (spaced by the interval
// Initiate returned) so the state machine stays visible to EditState/UI;
// Poll itself never sleeps. It returns Done=false with no error while the
// server reports authorization_pending, and Done=false with an
// ingesterr.KindOAuthPending-classified error on slow_down so callers can
// widen their own interval.
func (e *Engine) Poll(ctx context.Context, provider models.Provider, deviceCode string) (PollResult, error) {
	ep, ok := e.endpoints[provider]
	if !ok {
		return PollResult{}, fmt.Errorf("no oauth2 endpoint configured for provider %s", provider)
	}

	form := url.Values{}
	form.Set("client_id", ep.ClientID)
	if ep.ClientSecret != "" {
		form.Set("client_secret", ep.ClientSecret)
	}
	form.Set("device_code", deviceCode)
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return PollResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return PollResult{}, ingesterr.Wrap(err, ingesterr.KindTransient, "", "")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PollResult{}, ingesterr.Wrap(err, ingesterr.KindTransient, "", "")
	}

	if resp.StatusCode == http.StatusOK {
		var tok tokenResponse
		if err := json.Unmarshal(body, &tok); err != nil {
			return PollResult{}, ingesterr.Wrap(err, ingesterr.KindOAuthFatal, "", "")
		}
		if tok.AccessToken == "" {
			return PollResult{}, &ingesterr.Error{Kind: ingesterr.KindOAuthFatal, Cause: fmt.Errorf("token response missing access_token")}
		}
		return PollResult{
			Done: true,
			Creds: models.OAuth2Credentials{
				AccessToken:  tok.AccessToken,
				RefreshToken: tok.RefreshToken,
				ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
			},
		}, nil
	}

	var te tokenErrorResponse
	_ = json.Unmarshal(body, &te)
	if te.Error == "slow_down" {
		return PollResult{Done: false}, &ingesterr.Error{Kind: ingesterr.KindOAuthPending, Cause: fmt.Errorf("slow_down")}
	}
	if ingesterr.IsOAuthPending(te.Error) {
		return PollResult{Done: false}, nil
	}
	if te.Error != "" {
		return PollResult{}, &ingesterr.Error{Kind: ingesterr.KindOAuthFatal, Cause: fmt.Errorf("%s: %s", te.Error, te.ErrorDescription)}
	}
	return PollResult{}, &ingesterr.Error{Kind: ingesterr.KindOAuthFatal, Cause: fmt.Errorf("token endpoint returned %s", resp.Status)}
}

// PollUntilDone loops Poll up to maxPolls times, sleeping intervalSeconds
// between attempts (widening it on slow_down), until the grant completes or
// the poll budget is exhausted — roughly a 5-minute ceiling at the default
// interval.
func (e *Engine) PollUntilDone(ctx context.Context, provider models.Provider, deviceCode string, intervalSeconds int) (models.OAuth2Credentials, error) {
	interval := intervalSeconds
	if interval <= 0 {
		interval = 5
	}
	for attempt := 0; attempt < maxPolls; attempt++ {
		result, err := e.Poll(ctx, provider, deviceCode)
		if err != nil {
			if ierr, ok := err.(*ingesterr.Error); ok && ierr.Kind == ingesterr.KindOAuthPending {
				interval += 2
			} else {
				return models.OAuth2Credentials{}, err
			}
		} else if result.Done {
			return result.Creds, nil
		}

		timer := time.NewTimer(time.Duration(interval) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return models.OAuth2Credentials{}, ctx.Err()
		case <-timer.C:
		}
	}
	return models.OAuth2Credentials{}, &ingesterr.Error{Kind: ingesterr.KindOAuthFatal, Cause: fmt.Errorf("device authorization timed out after %d polls", maxPolls)}
}

// NeedsRefresh reports whether creds is within RefreshBuffer of expiring.
// Implements provider.RefreshableToken.
func (e *Engine) NeedsRefresh(creds models.OAuth2Credentials, now time.Time) bool {
	return !creds.ExpiresAt.After(now.Add(e.RefreshBuffer))
}

// Refresh exchanges creds.RefreshToken for a new access token, preserving
// the original refresh token when the server omits one in the response —
// servers commonly don't rotate it every time.
func (e *Engine) Refresh(ctx context.Context, provider models.Provider, creds models.OAuth2Credentials) (models.OAuth2Credentials, error) {
	ep, ok := e.endpoints[provider]
	if !ok {
		return creds, fmt.Errorf("no oauth2 endpoint configured for provider %s", provider)
	}

	form := url.Values{}
	form.Set("client_id", ep.ClientID)
	if ep.ClientSecret != "" {
		form.Set("client_secret", ep.ClientSecret)
	}
	form.Set("refresh_token", creds.RefreshToken)
	form.Set("grant_type", "refresh_token")

	var tok tokenResponse
	if err := e.post(ctx, ep.TokenURL, form, &tok); err != nil {
		return creds, ingesterr.Wrap(err, ingesterr.KindOAuthFatal, "", "")
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = creds.RefreshToken
	}
	return models.OAuth2Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}, nil
}

func (e *Engine) post(ctx context.Context, rawURL string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("oauth2 request to %s failed: %s %s", rawURL, resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

// StaticEndpoints returns the Gmail/Outlook device-authorization endpoint
// configuration, with client identity filled in from config.
func StaticEndpoints(gmailClientID, gmailClientSecret, outlookClientID, outlookTenantID string) map[models.Provider]EndpointConfig {
	tenant := outlookTenantID
	if tenant == "" {
		tenant = "common"
	}
	return map[models.Provider]EndpointConfig{
		models.ProviderGmail: {
			ClientID:      gmailClientID,
			ClientSecret:  gmailClientSecret,
			DeviceAuthURL: "https://oauth2.googleapis.com/device/code",
			TokenURL:      "https://oauth2.googleapis.com/token",
			Scopes:        []string{"https://mail.google.com/"},
		},
		models.ProviderOutlook: {
			ClientID:      outlookClientID,
			DeviceAuthURL: fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/devicecode", tenant),
			TokenURL:      fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenant),
			Scopes:        []string{"https://outlook.office.com/IMAP.AccessAsUser.All", "offline_access"},
		},
	}
}

// ToOAuth2Token converts stored credentials to golang.org/x/oauth2's Token
// shape, for any component that wants a standard oauth2.TokenSource-shaped
// value rather than this package's own OAuth2Credentials.
func ToOAuth2Token(creds models.OAuth2Credentials) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		Expiry:       creds.ExpiresAt,
	}
}
