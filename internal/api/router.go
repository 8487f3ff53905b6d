// Package api serves the loaded datasets over HTTP.
//
//	GET    /api/v1/health
//	GET    /api/v1/datasets
//	GET    /api/v1/series/:ticker/:field?convert=&tail=
//	GET    /api/v1/indicators/:ticker?spec=&convert=&tail=
//	DELETE /api/v1/cache/:ticker?scope=
//	GET    /api/v1/stream/:ticker        (WebSocket, needs Redis)
//	GET    /metrics
package api

import (
	"errors"
	"log"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quantcore/internal/cache"
	"quantcore/internal/dataset"
	"quantcore/internal/indicator"
	"quantcore/internal/logger"
	"quantcore/internal/metrics"
	"quantcore/internal/model"
	redisstore "quantcore/internal/store/redis"
	"quantcore/internal/transform"
)

const traceHeader = "X-Trace-ID"

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Server holds what the handlers read.
type Server struct {
	Registry *dataset.Registry
	Health   *metrics.HealthStatus

	// Convert is used when a request names no transform.
	Convert transform.Convert
	// Indicators is used when an indicator request names none.
	Indicators []indicator.Indicator

	// Redis, when set, enables the stream endpoint.
	Redis *goredis.Client
}

// NewRouter builds the gin engine for s.
func NewRouter(s *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), traced(), cors())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/health", s.health)
	v1.GET("/datasets", s.datasets)
	v1.GET("/series/:ticker/:field", s.series)
	v1.GET("/indicators/:ticker", s.indicators)
	v1.DELETE("/cache/:ticker", s.clearCache)
	v1.GET("/stream/:ticker", s.stream)
	return r
}

// traced tags every request with a trace ID and logs it on completion.
func traced() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(traceHeader)
		if id == "" {
			id = logger.NewTraceID()
		}
		ctx := logger.WithTraceID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header(traceHeader, id)

		start := time.Now()
		c.Next()

		slog.Debug("request",
			append(logger.LogWithTrace(ctx),
				"method", c.Request.Method,
				"path", c.FullPath(),
				"status", c.Writer.Status(),
				"dur_ms", time.Since(start).Milliseconds(),
			)...)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+traceHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// fail writes err with a status derived from its type.
func fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	var ce *dataset.ConfigError
	var le *dataset.LookupError
	switch {
	case errors.As(err, &ce), errors.Is(err, dataset.ErrUnknownField):
		code = http.StatusBadRequest
	case errors.As(err, &le):
		code = http.StatusUnprocessableEntity
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) lookup(c *gin.Context) (*dataset.Dataset, bool) {
	ticker := c.Param("ticker")
	d, ok := s.Registry.Get(ticker)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown ticker " + strconv.Quote(ticker)})
	}
	return d, ok
}

func (s *Server) convert(c *gin.Context) (transform.Convert, bool) {
	text, ok := c.GetQuery("convert")
	if !ok {
		if s.Convert != nil {
			return s.Convert, true
		}
		return transform.Ori{}, true
	}
	conv, err := transform.Parse(text)
	if err != nil {
		badRequest(c, err)
		return nil, false
	}
	return conv, true
}

// tail reads the optional tail parameter; 0 means everything.
func tail(c *gin.Context) (int, bool) {
	text := c.Query("tail")
	if text == "" {
		return 0, true
	}
	n, err := strconv.Atoi(text)
	if err != nil || n < 0 {
		badRequest(c, errors.New("tail must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

func from(n, tailN int) int {
	if tailN > 0 && tailN < n {
		return n - tailN
	}
	return 0
}

func values(col []float64, start int) []redisstore.Value {
	out := make([]redisstore.Value, 0, len(col)-start)
	for _, v := range col[start:] {
		out = append(out, redisstore.Value(v))
	}
	return out
}

func (s *Server) health(c *gin.Context) {
	if s.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	s.Health.SetDatasets(s.Registry.Len())
	status, code := s.Health.Snapshot()
	c.JSON(code, status)
}

// DatasetInfo describes one loaded dataset.
type DatasetInfo struct {
	Ticker string        `json:"ticker"`
	ID     string        `json:"id"`
	Source string        `json:"source"`
	Bars   int           `json:"bars"`
	First  *time.Time    `json:"first,omitempty"`
	Last   *time.Time    `json:"last,omitempty"`
	Cache  cache.Sizes   `json:"cache"`
	Stats  dataset.Stats `json:"stats"`
}

func (s *Server) datasets(c *gin.Context) {
	all := s.Registry.All()
	out := make([]DatasetInfo, 0, len(all))
	for _, d := range all {
		raw := d.Raw()
		info := DatasetInfo{
			Ticker: d.Ticker,
			ID:     d.ID.String(),
			Source: d.Source,
			Bars:   raw.Len(),
			Cache:  d.CacheSizes(),
			Stats:  d.Stats(),
		}
		if n := raw.Len(); n > 0 {
			first, last := raw.Time[0], raw.Time[n-1]
			info.First, info.Last = &first, &last
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, out)
}

// SeriesResponse is one column under a transform.
type SeriesResponse struct {
	Ticker  string             `json:"ticker"`
	Convert string             `json:"convert"`
	Field   string             `json:"field"`
	Times   []time.Time        `json:"times"`
	Values  []redisstore.Value `json:"values"`
}

func (s *Server) series(c *gin.Context) {
	d, ok := s.lookup(c)
	if !ok {
		return
	}
	f, err := model.ParseField(c.Param("field"))
	if err != nil {
		badRequest(c, err)
		return
	}
	conv, ok := s.convert(c)
	if !ok {
		return
	}
	n, ok := tail(c)
	if !ok {
		return
	}
	view := d.View(conv)
	ps, err := view.Prices()
	if err != nil {
		fail(c, err)
		return
	}
	col, err := view.Series(f)
	if err != nil {
		fail(c, err)
		return
	}
	start := from(len(col), n)
	c.JSON(http.StatusOK, SeriesResponse{
		Ticker:  d.Ticker,
		Convert: conv.String(),
		Field:   f.String(),
		Times:   ps.Time[start:],
		Values:  values(col, start),
	})
}

// IndicatorResult is the output of one indicator.
type IndicatorResult struct {
	Indicator string               `json:"indicator"`
	Key       string               `json:"key"`
	Columns   [][]redisstore.Value `json:"columns"`
}

// IndicatorResponse groups indicators evaluated under one transform.
type IndicatorResponse struct {
	Ticker  string            `json:"ticker"`
	Convert string            `json:"convert"`
	Times   []time.Time       `json:"times"`
	Results []IndicatorResult `json:"results"`
}

func (s *Server) indicators(c *gin.Context) {
	d, ok := s.lookup(c)
	if !ok {
		return
	}
	conv, ok := s.convert(c)
	if !ok {
		return
	}
	n, ok := tail(c)
	if !ok {
		return
	}
	inds := s.Indicators
	if text := c.Query("spec"); text != "" {
		parsed, err := indicator.ParseAll(text)
		if err != nil {
			badRequest(c, err)
			return
		}
		inds = parsed
	}
	if len(inds) == 0 {
		inds = indicator.DefaultSet
	}

	view := d.View(conv)
	ps, err := view.Prices()
	if err != nil {
		fail(c, err)
		return
	}
	start := from(ps.Len(), n)
	resp := IndicatorResponse{
		Ticker:  d.Ticker,
		Convert: conv.String(),
		Times:   ps.Time[start:],
		Results: make([]IndicatorResult, 0, len(inds)),
	}
	for _, ind := range inds {
		cols, err := view.Indicator(ind)
		if err != nil {
			fail(c, err)
			return
		}
		res := IndicatorResult{
			Indicator: ind.String(),
			Key:       view.Key(ind).Hex(),
			Columns:   make([][]redisstore.Value, len(cols)),
		}
		for i, col := range cols {
			res.Columns[i] = values(col, start)
		}
		resp.Results = append(resp.Results, res)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) clearCache(c *gin.Context) {
	d, ok := s.lookup(c)
	if !ok {
		return
	}
	scope, err := cache.ParseScope(c.Query("scope"))
	if err != nil {
		badRequest(c, err)
		return
	}
	d.ClearCache(scope)
	log.Printf("[api] cleared %s cache of %s", scope, d.Ticker)
	c.JSON(http.StatusOK, gin.H{"ticker": d.Ticker, "scope": scope.String(), "cache": d.CacheSizes()})
}

// stream forwards the ticker's bar and snapshot channels to a WebSocket.
func (s *Server) stream(c *gin.Context) {
	if s.Redis == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "streaming disabled"})
		return
	}
	ticker := c.Param("ticker")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[api] ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	pubsub := s.Redis.Subscribe(ctx, redisstore.BarChannel(ticker), redisstore.SnapshotChannel(ticker))
	defer pubsub.Close()

	// Drain client frames so close and ping are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				log.Printf("[api] ws write to %s failed: %v", ticker, err)
				return
			}
		}
	}
}
