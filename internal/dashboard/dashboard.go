// Package dashboard serves live progress of batch runs over HTTP and
// WebSocket. A Dashboard is a batch.Observer.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/inconshreveable/log15"
	"golang.org/x/crypto/bcrypt"

	"github.com/taskmgr818/agena-batch/pkg/batch"
)

// recentJobs is how many finished jobs a snapshot carries
const recentJobs = 20

// Stats is the dashboard state (pure data, no mutex)
type Stats struct {
	// Session info
	Server    string    `json:"server"`
	StartTime time.Time `json:"startTime"`

	// Current or last run
	RunID      string           `json:"runId,omitempty"`
	Running    bool             `json:"running"`
	StartedAt  time.Time        `json:"startedAt,omitempty"`
	FinishedAt time.Time        `json:"finishedAt,omitempty"`
	Datasets   int              `json:"datasets"`
	Calculated int              `json:"calculated"`
	Failed     int              `json:"failed"`
	Batch      batch.Stats      `json:"batch"`
	Recent     []batch.JobEvent `json:"recent"`

	// Totals across runs
	RunsCompleted  int `json:"runsCompleted"`
	TotalDatasets  int `json:"totalDatasets"`
	TotalFailed    int `json:"totalFailed"`
	ClientsWatched int `json:"clients"`
}

// Dashboard collects run progress and pushes it to WebSocket clients
type Dashboard struct {
	mu    sync.RWMutex
	stats Stats

	hub       *hub
	upgrader  websocket.Upgrader
	tokenHash []byte
	log       log15.Logger
}

// NewDashboard creates a dashboard for runs against server
func NewDashboard(server string, log log15.Logger) *Dashboard {
	if log == nil {
		log = log15.New("module", "dashboard")
	}
	return &Dashboard{
		stats: Stats{
			Server:    server,
			StartTime: time.Now(),
			Recent:    []batch.JobEvent{},
		},
		hub: newHub(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// RequireToken protects the stats and WebSocket routes with a viewer token
// whose bcrypt hash is given. Call it before Router.
func (d *Dashboard) RequireToken(hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("dashboard token hash: %w", err)
	}
	d.tokenHash = []byte(hash)
	return nil
}

// HashToken returns the bcrypt hash to configure for a viewer token
func HashToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// ─────────────────────────────────────────────
// batch.Observer
// ─────────────────────────────────────────────

// RunStarted resets the per-run counters
func (d *Dashboard) RunStarted(runID string, datasets int) {
	d.mu.Lock()
	d.stats.RunID = runID
	d.stats.Running = true
	d.stats.StartedAt = time.Now()
	d.stats.FinishedAt = time.Time{}
	d.stats.Datasets = datasets
	d.stats.Calculated = 0
	d.stats.Failed = 0
	d.stats.Batch = batch.Stats{JobsToSchedule: 1}
	d.stats.Recent = []batch.JobEvent{}
	d.mu.Unlock()

	d.push()
}

// JobFinished records one finished dataset
func (d *Dashboard) JobFinished(runID string, ev batch.JobEvent) {
	d.mu.Lock()
	if runID != d.stats.RunID {
		d.mu.Unlock()
		return
	}
	if ev.Succeeded {
		d.stats.Calculated++
	} else {
		d.stats.Failed++
	}
	// members of a wave report concurrently; never go back to an older snapshot
	if progress(ev.Stats) >= progress(d.stats.Batch) {
		d.stats.Batch = ev.Stats
	}

	d.stats.Recent = append(d.stats.Recent, ev)
	if len(d.stats.Recent) > recentJobs {
		d.stats.Recent = d.stats.Recent[len(d.stats.Recent)-recentJobs:]
	}
	d.mu.Unlock()

	d.push()
}

func progress(s batch.Stats) int {
	return s.CompletedJobs + s.FailedJobs
}

// RunFinished closes the current run
func (d *Dashboard) RunFinished(r *batch.Report) {
	d.mu.Lock()
	if r.RunID == d.stats.RunID {
		d.stats.Running = false
		d.stats.FinishedAt = time.Now()
		d.stats.Batch = r.Stats
	}
	d.stats.RunsCompleted++
	d.stats.TotalDatasets += r.Datasets
	d.stats.TotalFailed += r.Stats.FailedJobs
	d.mu.Unlock()

	d.push()
}

// GetStats returns a copy of the current stats
func (d *Dashboard) GetStats() Stats {
	d.mu.RLock()
	s := d.stats
	s.Recent = append([]batch.JobEvent(nil), d.stats.Recent...)
	d.mu.RUnlock()

	s.ClientsWatched = d.hub.count()
	return s
}

func (d *Dashboard) push() {
	data, err := json.Marshal(d.GetStats())
	if err != nil {
		d.log.Error("marshal stats", "err", err)
		return
	}
	d.hub.broadcast(data)
}

// ─────────────────────────────────────────────
// HTTP
// ─────────────────────────────────────────────

// Router builds the gin engine serving the dashboard
func (d *Dashboard) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors())
	r.Use(requestLogger(d.log))

	r.GET("/api/v1/health", d.handleHealth)

	viewers := r.Group("/")
	viewers.Use(viewerAuth(d.tokenHash))
	viewers.GET("/api/v1/stats", d.handleStats)
	viewers.GET("/ws", d.handleWebSocket)
	return r
}

// ServeHTTP runs the dashboard server until ctx is cancelled
func (d *Dashboard) ServeHTTP(ctx context.Context, addr string) error {
	server := &http.Server{Addr: addr, Handler: d.Router()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		d.hub.closeAll()
	}()

	d.log.Info("starting dashboard server", "addr", addr)
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (d *Dashboard) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (d *Dashboard) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, d.GetStats())
}

// handleWebSocket upgrades the connection, sends the current snapshot and
// then every update until the peer goes away.
func (d *Dashboard) handleWebSocket(c *gin.Context) {
	conn, err := d.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		d.log.Warn("websocket upgrade error", "err", err)
		return
	}

	cl := newClient(conn, d.hub)
	d.hub.register(cl)

	if data, err := json.Marshal(d.GetStats()); err == nil {
		cl.enqueue(data)
	}
	cl.run()
}

// ─── middleware ───

func requestLogger(log log15.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"client", c.ClientIP(),
			"latency", time.Since(start),
			"status", c.Writer.Status())
	}
}

// viewerAuth checks "Authorization: Bearer <token>", or the token query
// parameter since browsers cannot set headers on WebSocket requests.
func viewerAuth(hash []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(hash) == 0 {
			c.Next()
			return
		}

		token := c.Query("token")
		if h := c.GetHeader("Authorization"); h != "" {
			parts := strings.SplitN(h, " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				token = strings.TrimSpace(parts[1])
			}
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing viewer token (expected: Bearer <token> or ?token=)",
			})
			return
		}
		if bcrypt.CompareHashAndPassword(hash, []byte(token)) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid viewer token",
			})
			return
		}
		c.Next()
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
