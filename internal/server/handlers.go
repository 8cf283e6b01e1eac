package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/alemarco96/DECAF-sub000/internal/corpus"
	"github.com/alemarco96/DECAF-sub000/internal/index"
	"github.com/alemarco96/DECAF-sub000/internal/jobs"
	"github.com/alemarco96/DECAF-sub000/internal/logging"
	"github.com/alemarco96/DECAF-sub000/internal/metrics"
	"github.com/alemarco96/DECAF-sub000/internal/search"
)

// Version reported by the root endpoint.
const Version = "0.3.0"

// handlers holds the route implementations and their dependencies.
type handlers struct {
	searcher *search.Searcher
	jobs     *jobs.Manager
	build    BuildFunc
	m        *metrics.Metrics
	log      *logging.Logger
	started  time.Time
}

func newHandlers(deps Deps) *handlers {
	return &handlers{
		searcher: deps.Searcher,
		jobs:     deps.Jobs,
		build:    deps.Build,
		m:        deps.Metrics,
		log:      deps.Log,
		started:  time.Now(),
	}
}

// root handles GET /
func (h *handlers) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "decaf",
		"version": Version,
		"status":  "running",
	})
}

// health handles GET /health
func (h *handlers) health(c *gin.Context) {
	resp := gin.H{
		"status": "healthy",
		"uptime": time.Since(h.started).Round(time.Second).String(),
		"search": h.searcher != nil,
		"builds": h.build != nil && h.jobs != nil,
	}
	if h.searcher != nil {
		resp["conversations"] = h.searcher.ActiveConversations()
	}
	if h.jobs != nil {
		resp["jobs"] = len(h.jobs.List())
	}
	c.JSON(http.StatusOK, resp)
}

// search handles POST /search
func (h *handlers) search(c *gin.Context) {
	if h.searcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search is not configured"})
		return
	}

	var req search.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	result, err := h.searcher.Search(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// resetConversation handles DELETE /conversations/:id
func (h *handlers) resetConversation(c *gin.Context) {
	if h.searcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "search is not configured"})
		return
	}

	id := c.Param("id")
	if !h.searcher.Reset(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"conversation_id": id,
	})
}

// buildRequest is the POST /jobs payload.
type buildRequest struct {
	CorpusGlob string `json:"corpus_glob" binding:"required"`
	Format     string `json:"format"`
	Metric     string `json:"metric"`
	Dense      bool   `json:"dense"`
	Sparse     bool   `json:"sparse"`
	Texts      bool   `json:"texts"`
	OutDir     string `json:"out_dir" binding:"required"`
}

func (r buildRequest) spec() (jobs.BuildSpec, error) {
	var format corpus.Format
	switch r.Format {
	case "", "auto":
		format = corpus.FormatAuto
	case "jsonl":
		format = corpus.FormatJSONL
	case "tsv":
		format = corpus.FormatTSV
	default:
		return jobs.BuildSpec{}, fmt.Errorf("unknown corpus format %q", r.Format)
	}

	var metric index.Metric
	switch r.Metric {
	case "", "dot":
		metric = index.MetricDot
	case "cosine":
		metric = index.MetricCosine
	default:
		return jobs.BuildSpec{}, fmt.Errorf("unknown similarity metric %q", r.Metric)
	}

	if !r.Dense && !r.Sparse {
		return jobs.BuildSpec{}, errors.New("build enables no index")
	}

	return jobs.BuildSpec{
		CorpusGlob: r.CorpusGlob,
		Format:     format,
		Metric:     metric,
		Dense:      r.Dense,
		Sparse:     r.Sparse,
		Texts:      r.Texts,
		OutDir:     r.OutDir,
	}, nil
}

// submitJob handles POST /jobs
func (h *handlers) submitJob(c *gin.Context) {
	if h.jobs == nil || h.build == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "index builds are not configured"})
		return
	}

	var req buildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	spec, err := req.spec()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := h.jobs.Submit("index", func(ctx context.Context, report func(jobs.Progress)) error {
		return h.build(ctx, spec, report)
	})

	c.JSON(http.StatusAccepted, job)
}

// listJobs handles GET /jobs
func (h *handlers) listJobs(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "index builds are not configured"})
		return
	}

	jobList := h.jobs.List()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobList,
		"count": len(jobList),
	})
}

// getJob handles GET /jobs/:id
func (h *handlers) getJob(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "index builds are not configured"})
		return
	}

	job, ok := h.jobs.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, job)
}

// cancelJob handles DELETE /jobs/:id
func (h *handlers) cancelJob(c *gin.Context) {
	if h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "index builds are not configured"})
		return
	}

	id := c.Param("id")
	if _, ok := h.jobs.Get(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if !h.jobs.Cancel(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "job already finished"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"job_id":  id,
	})
}

// stats handles GET /stats
func (h *handlers) stats(c *gin.Context) {
	resp := gin.H{
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
	}
	if h.m != nil {
		snap := h.m.Stats()
		resp["requests_total"] = snap.TotalRequests
		resp["request_errors_total"] = snap.TotalErrors
		resp["searches_total"] = snap.TotalSearches
		resp["worker_faults_total"] = snap.TotalFaults
	}
	if h.searcher != nil {
		resp["conversations_active"] = h.searcher.ActiveConversations()
	}
	if h.jobs != nil {
		resp["jobs_total"] = len(h.jobs.List())
	}
	c.JSON(http.StatusOK, resp)
}
