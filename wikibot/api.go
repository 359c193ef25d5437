package wikibot

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const (
	pprofPrefix = "/debug"
	apiPrefix   = "/api"

	apiPathLogin        = "/login"
	apiPathLogout       = "/logout"
	apiHealthCheck      = "/healthz"
	apiPathLoggedIn     = "/loggedin"
	apiPathGuilds       = "/guilds"
	apiPathGuildSync    = "/guilds/:id/sync"
	apiPathGuildEnable  = "/guilds/:id/enable"
	apiPathTopics       = "/guilds/:id/topics"
	apiPathTopic        = "/guilds/:id/topics/:group/:key"
	apiPathAnalytics    = "/guilds/:id/analytics"
	apiPathExport       = "/guilds/:id/export"
	apiPathFeedback     = "/feedback"
	apiPathInteractions = "/interactions"
	apiPathConfig       = "/config"
	apiPathQuit         = "/quit"

	xRequestIDHeader = "X-Request-ID"
	ginAPILoggerKey  = "api_logger"
	sessionVarName   = "user"
	sessionVarField  = "username"

	defaultPageLimit = 25
)

var structValidator = validator.New()

// API is the admin HTTP server
type API struct {
	config              *APIConfig
	development         bool
	httpServer          *http.Server
	listener            net.Listener
	engine              *gin.Engine
	store               CookieStore
	loginRequestLimiter *rate.Limiter
	requestMetrics      map[string]int
	requestMetricsMu    sync.Mutex
	logger              *slog.Logger

	handlers *APIHandlers
}

func newAPI(w *WikiBot, config *APIConfig) (*API, error) {
	logger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	if !w.config.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	api := &API{
		config:              config,
		development:         w.config.Development,
		engine:              r,
		requestMetrics:      map[string]int{},
		loginRequestLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:              logger,
	}
	handlers := NewAPIHandlers(w, api, logger)
	api.handlers = handlers
	api.store = handlers.store

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" {
		var err error
		tlsCfg, err = tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.development {
		corsConfig.AllowOrigins = []string{"*"}
		corsConfig.AllowCredentials = false
	}

	if !api.development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
		metricMiddleware(api),
		sessions.Sessions(sessionVarName, handlers.store),
	)
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}

	r.POST(apiPathLogin, handlers.loginHandler)
	r.POST(apiPathLogout, handlers.logoutHandler)
	r.GET(apiHealthCheck, handlers.healthCheck)

	if api.development {
		ginPprof.Register(r, pprofPrefix)
	}

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(w, api))

	protected.GET(apiPathLoggedIn, handlers.loggedIn)
	protected.GET(apiPathGuilds, handlers.getGuilds)
	protected.POST(apiPathGuildSync, handlers.syncGuild)
	protected.POST(apiPathGuildEnable, handlers.enableGuild)
	protected.GET(apiPathTopics, handlers.getTopics)
	protected.PUT(apiPathTopics, handlers.putTopic)
	protected.DELETE(apiPathTopic, handlers.deleteTopic)
	protected.GET(apiPathAnalytics, handlers.getAnalytics)
	protected.GET(apiPathExport, handlers.exportTopics)
	protected.GET(apiPathFeedback, handlers.getFeedback)
	protected.GET(apiPathInteractions, handlers.getInteractions)
	protected.GET(apiPathConfig, handlers.getConfig)
	protected.PATCH(apiPathConfig, handlers.updateRuntimeConfig)
	protected.POST(apiPathQuit, handlers.botQuit)

	return api, nil
}

// Listen opens the API's listener, so requests are accepted as soon
// as Serve is called
func (a *API) Listen(ctx context.Context) error {
	if a.listener != nil {
		return nil
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return err
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String())
	return nil
}

func (a *API) Serve(ctx context.Context) error {
	if err := a.Listen(ctx); err != nil {
		return err
	}
	return a.httpServer.Serve(a.listener)
}

func (a *API) getSessionUsername(c *gin.Context) (string, error) {
	session, err := a.store.Get(c.Request, sessionVarName)
	if err != nil {
		return "", err
	}
	username, ok := session.Values[sessionVarField]
	if !ok {
		return "", errors.New("username not found in session")
	}
	s, isString := username.(string)
	if !isString || s == "" {
		return "", errors.New("username not set")
	}
	return s, nil
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

// APIHandlers contains the handlers for the API endpoints
type APIHandlers struct {
	w      *WikiBot
	api    *API
	logger *slog.Logger
	store  CookieStore
}

func NewAPIHandlers(w *WikiBot, api *API, logger *slog.Logger) *APIHandlers {
	var secretKey []byte
	switch sk := api.config.Secret; {
	case sk == "":
		logger.Warn(
			"api secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}

	store := NewCookieStore(secretKey)
	store.Options(api.sessionOptions())
	return &APIHandlers{w: w, api: api, logger: logger, store: store}
}

func (a *API) sessionOptions() sessions.Options {
	sameSite := http.SameSiteStrictMode
	if a.development {
		sameSite = http.SameSiteNoneMode
	}
	return sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   a.config.SSL.Cert != "" || a.development,
		MaxAge:   int(a.config.SessionMaxAge.Seconds()),
		SameSite: sameSite,
	}
}

// loginHandler checks the credentials against the admin credentials
// set by `init`, and starts a session
//
// Responses:
//   - 200 OK: logged in
//   - 400 Bad Request: invalid payload
//   - 401 Unauthorized: wrong credentials, or none are set
//   - 429 Too Many Requests: login attempts are rate limited
func (h *APIHandlers) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	if !h.api.loginRequestLimiter.Allow() {
		logger.Warn("login rate limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	runtimeConfig := h.w.RuntimeConfig()
	if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
		logger.Warn("admin username and password not set")
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	if login.Username != runtimeConfig.AdminUsername {
		logger.Warn("admin username incorrect", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	valid, err := VerifyPassword(runtimeConfig.AdminPassword, login.Password)
	if err != nil {
		logger.Error("error verifying password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if !valid {
		logger.Warn("invalid login attempt", "username", login.Username)
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}

	session := sessions.Default(c)
	session.Set(sessionVarField, login.Username)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("saved user session", "username", login.Username)
	c.JSON(http.StatusOK, loggedInResponse{Username: login.Username})
}

func (h *APIHandlers) logoutHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	session := sessions.Default(c)
	session.Delete(sessionVarField)
	if err := session.Save(); err != nil {
		logger.Error("error saving cookie", tint.Err(err))
	}
	ginReplyMessage(c, "logged out")
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		Version: Version,
		Discord: h.w.discord.status(),
	}
	if !h.w.startedAt.IsZero() {
		resp.Uptime = time.Since(h.w.startedAt).Round(time.Second).String()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) loggedIn(c *gin.Context) {
	username, err := h.api.getSessionUsername(c)
	if err != nil {
		ginContextLogger(c).Warn("error getting session username", tint.Err(err))
		c.JSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, loggedInResponse{Username: username})
}

func (h *APIHandlers) getGuilds(c *gin.Context) {
	var query Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query parameters"})
		return
	}
	query.setDefaults()

	guilds, total, err := h.w.guilds.List(c, query.Offset, query.Limit)
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error listing guilds", tint.Err(err))
		ginReplyError(c, "error retrieving guilds")
		return
	}
	c.JSON(
		http.StatusOK,
		pageResponse[Guild]{Total: total, Offset: query.Offset, Limit: query.Limit, Items: guilds},
	)
}

// syncGuild publishes the guild's commands and waits for the result.
// Disabled guilds are skipped: use the enable endpoint first.
func (h *APIHandlers) syncGuild(c *gin.Context) {
	guildID := c.Param("id")
	err := h.w.sync.Publish(c, guildID)
	switch {
	case err == nil:
		ginReplyMessage(c, "published")
	case errors.Is(err, ErrGuildDisabled):
		c.JSON(http.StatusConflict, httpError{Error: err.Error()})
	case errors.Is(err, ErrQuotaExceeded):
		c.JSON(http.StatusUnprocessableEntity, httpError{Error: err.Error()})
	case errors.Is(err, ErrPermissionDenied):
		c.JSON(http.StatusBadGateway, httpError{Error: err.Error()})
	default:
		ginContextLogger(c).ErrorContext(c, "error publishing commands", tint.Err(err))
		ginReplyError(c, "error publishing commands")
	}
}

func (h *APIHandlers) enableGuild(c *gin.Context) {
	guildID := c.Param("id")
	if _, found, err := h.w.guilds.Get(c, guildID); err != nil {
		ginReplyError(c, "error retrieving guild")
		return
	} else if !found {
		c.JSON(http.StatusNotFound, httpError{Error: "guild not found"})
		return
	}
	changed, err := h.w.guilds.Enable(c, guildID)
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error enabling guild", tint.Err(err))
		ginReplyError(c, "error enabling guild")
		return
	}
	if changed {
		h.w.sync.Trigger(context.WithoutCancel(c.Request.Context()), guildID)
		ginReplyMessage(c, "enabled")
		return
	}
	ginReplyMessage(c, "already enabled")
}

func (h *APIHandlers) getTopics(c *gin.Context) {
	topics, err := h.w.topics.ListByGuild(c, c.Param("id"))
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error listing topics", tint.Err(err))
		ginReplyError(c, "error retrieving topics")
		return
	}
	c.JSON(http.StatusOK, topics)
}

// putTopic creates or updates a topic.
//
// Responses:
//   - 200 OK: updated
//   - 201 Created: created
//   - 400 Bad Request: invalid topic
//   - 422 Unprocessable Entity: the topic would exceed Discord's command limits
func (h *APIHandlers) putTopic(c *gin.Context) {
	logger := ginContextLogger(c)
	var payload apiTopicRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	in := TopicInput{
		GuildID:     c.Param("id"),
		Group:       payload.Group,
		Key:         payload.Key,
		Description: payload.Description,
		Content:     payload.Content,
		Alias:       payload.Alias,
	}.Normalize()
	if err := in.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: validationMessage(err)})
		return
	}
	if _, err := h.w.guilds.GetOrCreate(c, in.GuildID); err != nil {
		ginReplyError(c, "error retrieving guild")
		return
	}
	if err := h.w.sync.CheckCapacity(c, in); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			c.JSON(http.StatusUnprocessableEntity, httpError{Error: msgQuotaExceeded})
			return
		}
		logger.ErrorContext(c, "error checking command limits", tint.Err(err))
		ginReplyError(c, "error saving topic")
		return
	}
	topic, created, err := h.w.topics.Upsert(c, in)
	if err != nil {
		logger.ErrorContext(c, "error saving topic", tint.Err(err))
		ginReplyError(c, "error saving topic")
		return
	}
	h.w.sync.Trigger(context.WithoutCancel(c.Request.Context()), in.GuildID)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, topic)
}

func (h *APIHandlers) deleteTopic(c *gin.Context) {
	guildID := c.Param("id")
	found, err := h.w.topics.Delete(c, guildID, c.Param("group"), c.Param("key"))
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error deleting topic", tint.Err(err))
		ginReplyError(c, "error deleting topic")
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, httpError{Error: "topic not found"})
		return
	}
	h.w.sync.Trigger(context.WithoutCancel(c.Request.Context()), guildID)
	ginReplyMessage(c, "deleted")
}

func (h *APIHandlers) getAnalytics(c *gin.Context) {
	n := analyticsTopN
	if s := c.Query("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > 100 {
			c.JSON(http.StatusBadRequest, httpError{Error: "n must be between 1 and 100"})
			return
		}
		n = v
	}
	counts, err := h.w.views.TopN(c, c.Param("id"), n)
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error reading view counts", tint.Err(err))
		ginReplyError(c, "error retrieving analytics")
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *APIHandlers) exportTopics(c *gin.Context) {
	file, _, err := h.w.bulk.Export(c, c.Param("id"))
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error exporting topics", tint.Err(err))
		ginReplyError(c, "error exporting topics")
		return
	}
	data, err := io.ReadAll(file.Reader)
	if err != nil {
		ginReplyError(c, "error exporting topics")
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Name))
	c.Data(http.StatusOK, file.ContentType, data)
}

func (h *APIHandlers) getFeedback(c *gin.Context) {
	var query guildPageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query parameters"})
		return
	}
	query.setDefaults()

	items, total, err := ListFeedback(c, h.w.writeDB, query.GuildID, query.Offset, query.Limit)
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error retrieving feedback", tint.Err(err))
		ginReplyError(c, "error retrieving feedback")
		return
	}
	c.JSON(
		http.StatusOK,
		pageResponse[Feedback]{Total: total, Offset: query.Offset, Limit: query.Limit, Items: items},
	)
}

func (h *APIHandlers) getInteractions(c *gin.Context) {
	var query guildPageQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid query parameters"})
		return
	}
	query.setDefaults()

	items, total, err := ListInteractionLogs(c, h.w.writeDB, query.GuildID, query.Offset, query.Limit)
	if err != nil {
		ginContextLogger(c).ErrorContext(c, "error retrieving interactions", tint.Err(err))
		ginReplyError(c, "error retrieving interactions")
		return
	}
	c.JSON(
		http.StatusOK,
		pageResponse[InteractionLog]{Total: total, Offset: query.Offset, Limit: query.Limit, Items: items},
	)
}

func (h *APIHandlers) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.w.RuntimeConfig())
}

// updateRuntimeConfig applies a partial update to the runtime config.
// Other instances are notified to reload it.
func (h *APIHandlers) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := update.validate(); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	updated, err := h.w.UpdateRuntimeConfig(c, update)
	if err != nil {
		logger.ErrorContext(c, "error updating runtime config", tint.Err(err))
		ginReplyError(c, "error updating runtime config")
		return
	}
	c.JSON(http.StatusOK, updated)
}

// botQuit stops the bot, and any other instance sharing the database
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	doneCh := make(chan struct{}, 1)
	go func() {
		h.w.Stop(ctx, true)
		doneCh <- struct{}{}
	}()
	select {
	case <-doneCh:
		ginReplyMessage(c, "quitting")
	case <-ctx.Done():
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
	}
}

// authMiddleware rejects requests without a logged-in session
func authMiddleware(w *WikiBot, api *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		runtimeConfig := w.RuntimeConfig()
		if runtimeConfig.AdminUsername == "" || runtimeConfig.AdminPassword == "" {
			logger.Warn("admin username and password not set")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		username, err := api.getSessionUsername(c)
		if err != nil {
			logger.Warn("no session user", tint.Err(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		ctxLogger := logger.With(sessionVarField, username)
		c.Set(string(loggerContextKey), ctxLogger)
		c.Next()
	}
}

// requestIDMiddleware assigns a random ID to each request, returned
// in the X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger, creating one with
// request details if it doesn't exist yet
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, isLogger := logger.(*slog.Logger); isLogger {
			return requestLogger
		}
	}
	base := slog.Default()
	if l, ok := c.Get(ginAPILoggerKey); ok {
		if apiLogger, isLogger := l.(*slog.Logger); isLogger {
			base = apiLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it finishes
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Set(ginAPILoggerKey, logger)

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		a.requestMetrics[c.Request.Method+" "+route]++
	}
}

// ginReplyMessage sends {"message": message} with status 200
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends {"error": err} with status 500
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// Pagination is the query parameters for paginated listings
type Pagination struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=100"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

func (p *Pagination) setDefaults() {
	if p.Limit == 0 {
		p.Limit = defaultPageLimit
	}
}

type guildPageQuery struct {
	Pagination
	GuildID string `form:"guild_id"`
}

type pageResponse[T any] struct {
	Total  int64 `json:"total"`
	Offset int   `json:"offset"`
	Limit  int   `json:"limit"`
	Items  []T   `json:"items"`
}

// apiTopicRequest is the payload for creating or updating a topic.
// It's validated after normalizing, as a TopicInput.
type apiTopicRequest struct {
	Group       string `json:"group"`
	Key         string `json:"key"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Alias       string `json:"alias"`
}

type loggedInResponse struct {
	Username string `json:"username"`
}

type healthCheckResponse struct {
	Version string        `json:"version"`
	Uptime  string        `json:"uptime,omitempty"`
	Discord DiscordStatus `json:"discord"`
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

type userLogin struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	if err := structValidator.RegisterValidation("slashname", validateSlashName); err != nil {
		panic(err)
	}
	structValidator.RegisterStructValidation(validateFeedbackConfig, FeedbackConfig{})
}
