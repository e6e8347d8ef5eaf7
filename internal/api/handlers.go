package api

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"retcause/domain/core"
	"retcause/internal/dataset"
	"retcause/internal/engine"
	"retcause/internal/session"
	"retcause/models"
)

// AnalyzeRequest is the input contract of the analyze endpoint. The dataset
// itself is referenced by path; the HTTP surface stays thin.
type AnalyzeRequest struct {
	Opportunity     models.Opportunity `json:"opportunity"`
	DatasetPath     string             `json:"dataset_path"`
	FeatureCatalog  dataset.Catalog    `json:"feature_catalog"`
	BusinessContext string             `json:"business_context,omitempty"`
}

// ErrorEnvelope is the failure shape returned for failed sessions
type ErrorEnvelope struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Stage        string `json:"stage"`
}

// Server hosts the analyze and SSE endpoints
type Server struct {
	orchestrator *engine.Orchestrator
	store        session.Store
	hub          *SSEHub

	mu      sync.Mutex
	cancels map[core.SessionID]*engine.CancelFlag
}

// NewServer wires the API server
func NewServer(orchestrator *engine.Orchestrator, store session.Store) *Server {
	s := &Server{
		orchestrator: orchestrator,
		store:        store,
		hub:          NewSSEHub(),
		cancels:      make(map[core.SessionID]*engine.CancelFlag),
	}
	orchestrator.Emit = func(stage string, snapshot models.SessionSnapshot) {
		s.hub.Broadcast(StageEvent{Stage: stage, Session: snapshot})
		if snapshot.Status.Terminal() {
			if err := s.store.Save(context.Background(), snapshot); err != nil {
				log.Printf("[Server] Failed to persist session %s: %v", snapshot.ID, err)
			}
		}
	}
	return s
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	r := gin.Default()
	r.POST("/analyze", s.handleAnalyze)
	r.POST("/sessions/:id/cancel", s.handleCancel)
	r.GET("/sessions/:id", s.handleGetSession)
	r.GET("/stream", s.hub.HandleSSE)
	return r
}

// handleAnalyze loads the dataset, runs the pipeline synchronously, and
// returns the terminal session. Stage snapshots are broadcast to /stream
// subscribers of the run's session id, which is generated when the run starts
// and is returned with the terminal session.
func (s *Server) handleAnalyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	table, err := dataset.NewLoader(req.DatasetPath).Load()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Restrict to the affected cohort when its dimensions exist as columns
	if len(req.Opportunity.AffectedCohort) > 0 {
		filterable := true
		for dim := range req.Opportunity.AffectedCohort {
			if !table.HasColumn(dim) {
				filterable = false
				break
			}
		}
		if filterable {
			table = table.FilterCohort(req.Opportunity.AffectedCohort)
		}
	}

	// The session id does not exist until the run starts, so the cancel
	// endpoint addresses runs by opportunity id.
	cancel := &engine.CancelFlag{}
	s.mu.Lock()
	s.cancels[core.SessionID(req.Opportunity.ID)] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, core.SessionID(req.Opportunity.ID))
		s.mu.Unlock()
	}()

	result := s.orchestrator.AnalyzeWithCancel(
		c.Request.Context(), req.Opportunity, table, req.FeatureCatalog, req.BusinessContext, cancel)

	snapshot := result.Snapshot()
	if snapshot.Status == models.SessionFailed {
		c.JSON(http.StatusUnprocessableEntity, ErrorEnvelope{
			Status:       string(models.SessionFailed),
			ErrorMessage: snapshot.ErrorMessage,
			Stage:        snapshot.FailedStage,
		})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// handleCancel flips the cancel flag of a running analysis, addressed by the
// opportunity id that started it
func (s *Server) handleCancel(c *gin.Context) {
	id := core.SessionID(c.Param("id"))
	s.mu.Lock()
	flag, ok := s.cancels[id]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no running analysis for that opportunity"})
		return
	}
	flag.Cancel()
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel requested"})
}

// handleGetSession returns a persisted snapshot
func (s *Server) handleGetSession(c *gin.Context) {
	id := core.SessionID(c.Param("id"))
	snap, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}
