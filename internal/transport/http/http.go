// Package http exposes the tool surface (mail_accounts_*, mail_list_recent,
// mail_get, mail_settings_*) as a gin router: metrics middleware, rate
// limiting, a circuit breaker around the account connection test, and JWT
// bearer auth in front of every route except /health and /metrics.
package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mailext/ingestion/internal/imapconn"
	"github.com/mailext/ingestion/internal/ingestion"
	"github.com/mailext/ingestion/internal/logging"
	"github.com/mailext/ingestion/internal/models"
	"github.com/mailext/ingestion/internal/oauth2engine"
	"github.com/mailext/ingestion/internal/supervisor"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultPageSize = 50
	maxPageSize     = 100
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailext_http_request_duration_seconds",
		Help:    "Duration of tool-surface HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailext_http_request_errors_total",
		Help: "Total tool-surface HTTP request errors",
	}, []string{"route", "error_type"})
)

// Handler wires the Supervisor/AccountStore/SettingsStore/OAuth2 engine into
// gin routes.
type Handler struct {
	supervisor *supervisor.Supervisor
	accounts   *ingestion.AccountStore
	settings   *ingestion.SettingsStore
	oauth      *oauth2engine.Engine
	jwtSecret  []byte
	log        logging.Logger

	breaker     *gobreaker.CircuitBreaker
	rateLimiter *rate.Limiter
}

func NewHandler(sup *supervisor.Supervisor, accounts *ingestion.AccountStore, settings *ingestion.SettingsStore, oauth *oauth2engine.Engine, jwtSecret string, log logging.Logger) *Handler {
	return &Handler{
		supervisor: sup,
		accounts:   accounts,
		settings:   settings,
		oauth:      oauth,
		jwtSecret:  []byte(jwtSecret),
		log:        log,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "tool_surface",
			MaxRequests: maxPageSize,
			Timeout:     defaultTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
			},
		}),
		rateLimiter: rate.NewLimiter(rate.Limit(100), maxPageSize),
	}
}

// RegisterRoutes mounts the tool surface and operational endpoints on
// router. /metrics and /health are unauthenticated; everything else requires
// a bearer JWT.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	api.Use(h.metricsMiddleware(), h.rateLimitMiddleware(), h.authMiddleware())

	api.GET("/mail/accounts", h.handleAccountsList)
	api.POST("/mail/accounts", h.handleAccountsAdd)
	api.PUT("/mail/accounts/:accountId", h.handleAccountsUpdate)
	api.DELETE("/mail/accounts/:accountId", h.handleAccountsDelete)
	api.POST("/mail/accounts/:accountId/test", h.handleAccountsTest)

	api.GET("/mail/recent", h.handleListRecent)
	api.GET("/mail/messages/:accountId/:uid", h.handleGet)

	api.GET("/mail/settings", h.handleSettingsGet)
	api.PUT("/mail/settings", h.handleSettingsUpdate)

	api.POST("/mail/oauth/:provider/initiate", h.handleOAuthInitiate)
	api.POST("/mail/oauth/:provider/poll", h.handleOAuthPoll)
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// userID extracts the authenticated caller's id, set by authMiddleware.
func userID(c *gin.Context) string {
	v, _ := c.Get("user_id")
	s, _ := v.(string)
	return s
}

func (h *Handler) handleAccountsList(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()

	accounts, err := h.accounts.ListForUser(ctx, userID(c))
	if err != nil {
		requestErrors.WithLabelValues("accounts_list", "internal_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list accounts"})
		return
	}
	c.JSON(http.StatusOK, accounts)
}

type addAccountRequest struct {
	Provider    models.Provider             `json:"provider" binding:"required"`
	DisplayName string                      `json:"display_name"`
	Email       string                      `json:"email" binding:"required,email"`
	IMAPHost    string                      `json:"imap_host"`
	IMAPPort    int                         `json:"imap_port"`
	Security    models.SecurityMode         `json:"security"`
	Password    *models.PasswordCredentials `json:"password,omitempty"`
	OAuth2      *models.OAuth2Credentials   `json:"oauth2,omitempty"`
}

func (h *Handler) handleAccountsAdd(c *gin.Context) {
	var req addAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		requestErrors.WithLabelValues("accounts_add", "invalid_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account := models.Account{
		ID:          newAccountID(),
		UserID:      userID(c),
		Provider:    req.Provider,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		IMAPHost:    req.IMAPHost,
		IMAPPort:    req.IMAPPort,
		Security:    req.Security,
		Enabled:     true,
	}
	var creds models.Credentials
	switch {
	case req.OAuth2 != nil:
		account.Auth = models.AuthOAuth2
		creds = models.Credentials{Kind: models.AuthOAuth2, OAuth2: req.OAuth2}
	case req.Password != nil:
		account.Auth = models.AuthPassword
		creds = models.Credentials{Kind: models.AuthPassword, Password: req.Password}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "credentials required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()

	if err := h.accounts.Create(ctx, account, creds); err != nil {
		requestErrors.WithLabelValues("accounts_add", "internal_error").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.supervisor.OnAccountAdded(ctx, account.UserID)
	c.JSON(http.StatusCreated, account)
}

func (h *Handler) handleAccountsUpdate(c *gin.Context) {
	accountID := c.Param("accountId")
	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()

	existing, err := h.accounts.Get(ctx, accountID)
	if err != nil || existing == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	var patch struct {
		DisplayName *string `json:"display_name"`
		Enabled     *bool   `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	wasEnabled := existing.Enabled
	if patch.DisplayName != nil {
		existing.DisplayName = *patch.DisplayName
	}
	if patch.Enabled != nil {
		existing.Enabled = *patch.Enabled
	}

	if err := h.accounts.Update(ctx, *existing); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if wasEnabled && !existing.Enabled {
		h.supervisor.OnAccountRemoved(ctx, existing.UserID, existing.ID)
	} else if !wasEnabled && existing.Enabled {
		h.supervisor.OnAccountAdded(ctx, existing.UserID)
	}
	c.JSON(http.StatusOK, existing)
}

func (h *Handler) handleAccountsDelete(c *gin.Context) {
	accountID := c.Param("accountId")
	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()

	existing, err := h.accounts.Get(ctx, accountID)
	if err != nil || existing == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if err := h.accounts.Delete(ctx, accountID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if existing.Enabled {
		h.supervisor.OnAccountRemoved(ctx, existing.UserID, accountID)
	}
	c.Status(http.StatusNoContent)
}

// handleAccountsTest dials and authenticates the account without joining its
// IDLE session, so a caller can verify credentials before enabling it.
func (h *Handler) handleAccountsTest(c *gin.Context) {
	accountID := c.Param("accountId")
	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()

	account, err := h.accounts.Get(ctx, accountID)
	if err != nil || account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if account.UserID != userID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	creds, err := h.accounts.Credentials(ctx, accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	_, result, err := h.breaker.Execute(func() (interface{}, error) {
		params, refreshed, err := h.supervisor.Resolver().Resolve(ctx, *account, creds)
		if err != nil {
			return nil, err
		}
		if refreshed.Kind == models.AuthOAuth2 {
			_ = h.accounts.UpdateCredentials(ctx, accountID, refreshed)
		}
		if err := imapconn.Test(ctx, accountID, params); err != nil {
			return nil, err
		}
		return nil, nil
	})
	_ = result
	if err != nil {
		requestErrors.WithLabelValues("accounts_test", "connection_failed").Inc()
		c.JSON(http.StatusBadGateway, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleListRecent serves the merged, date-descending recent window across
// every account the caller owns.
func (h *Handler) handleListRecent(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()

	accounts, err := h.accounts.ListForUser(ctx, userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}

	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= maxPageSize {
			limit = n
		}
	}

	msgs, err := h.supervisor.Recent().ListForAccounts(ctx, ids, limit)
	if err != nil {
		requestErrors.WithLabelValues("mail_list_recent", "internal_error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, msgs)
}

// handleGet fetches a single delivered message by account id and UID from
// the recent window.
func (h *Handler) handleGet(c *gin.Context) {
	accountID := c.Param("accountId")
	uid64, err := strconv.ParseUint(c.Param("uid"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uid"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()

	account, err := h.accounts.Get(ctx, accountID)
	if err != nil || account == nil || account.UserID != userID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	msg, err := h.supervisor.Recent().Get(ctx, accountID, uint32(uid64))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if msg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (h *Handler) handleSettingsGet(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()
	settings, err := h.settings.Get(ctx, userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *Handler) handleSettingsUpdate(c *gin.Context) {
	var req struct {
		Instruction string `json:"instruction"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()
	if err := h.settings.Update(ctx, userID(c), req.Instruction); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) handleOAuthInitiate(c *gin.Context) {
	provider := models.Provider(c.Param("provider"))
	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()

	auth, err := h.oauth.Initiate(ctx, provider)
	if err != nil {
		requestErrors.WithLabelValues("oauth_initiate", "internal_error").Inc()
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, auth)
}

func (h *Handler) handleOAuthPoll(c *gin.Context) {
	provider := models.Provider(c.Param("provider"))
	var req struct {
		DeviceCode string `json:"device_code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), defaultTimeout)
	defer cancel()

	result, err := h.oauth.Poll(ctx, provider, req.DeviceCode)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"done": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"done": result.Done})
}

func (h *Handler) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		requestDuration.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Observe(time.Since(start).Seconds())
	}
}

func (h *Handler) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.rateLimiter.Allow() {
			requestErrors.WithLabelValues(c.FullPath(), "rate_limit").Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (h *Handler) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if len(header) < 8 || header[:7] != "Bearer " {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			c.Abort()
			return
		}
		tokenStr := header[7:]

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.Errorf("unexpected signing method: %v", t.Method)
			}
			return h.jwtSecret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid claims"})
			c.Abort()
			return
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing subject claim"})
			c.Abort()
			return
		}
		c.Set("user_id", sub)
		c.Next()
	}
}
