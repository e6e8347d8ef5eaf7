package ui

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"

	"retcause/domain/core"
	"retcause/internal/session"
	"retcause/models"
)

// ReportServer renders completed sessions as HTML reports. It is a read-only
// consumer of the session store.
type ReportServer struct {
	store session.Store
}

// NewReportServer creates a report server over a session store
func NewReportServer(store session.Store) *ReportServer {
	return &ReportServer{store: store}
}

// Router builds the chi router
func (s *ReportServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/sessions", s.handleList)
	r.Get("/sessions/{id}", s.handleReport)
	return r
}

func (s *ReportServer) handleList(w http.ResponseWriter, r *http.Request) {
	snapshots, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var b strings.Builder
	b.WriteString("# Reasoning Sessions\n\n")
	for _, snap := range snapshots {
		fmt.Fprintf(&b, "- [%s](/sessions/%s) — %s, %d/%d validated\n",
			snap.ID, snap.ID, snap.Status, snap.ValidatedHypothesesCount, snap.HypothesesCount)
	}
	s.writeMarkdown(w, b.String())
}

func (s *ReportServer) handleReport(w http.ResponseWriter, r *http.Request) {
	id := core.SessionID(chi.URLParam(r, "id"))
	snap, err := s.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.writeMarkdown(w, RenderSessionMarkdown(snap))
}

func (s *ReportServer) writeMarkdown(w http.ResponseWriter, md string) {
	p := parser.NewWithExtensions(parser.CommonExtensions)
	renderer := html.NewRenderer(html.RendererOptions{Flags: html.CommonFlags})
	rendered := markdown.ToHTML([]byte(md), p, renderer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := w.Write(rendered); err != nil {
		log.Printf("[ReportServer] Write failed: %v", err)
	}
}

// RenderSessionMarkdown turns a session snapshot into a markdown report
func RenderSessionMarkdown(snap models.SessionSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", snap.ID)
	fmt.Fprintf(&b, "**Status:** %s  \n", snap.Status)
	fmt.Fprintf(&b, "**Hypotheses:** %d (%d validated)  \n", snap.HypothesesCount, snap.ValidatedHypothesesCount)
	fmt.Fprintf(&b, "**Confidence:** %.2f · **Completeness:** %.2f\n\n", snap.ConfidenceScore, snap.CompletenessScore)

	if snap.ErrorMessage != "" {
		fmt.Fprintf(&b, "> Failed at %s: %s\n\n", snap.FailedStage, snap.ErrorMessage)
	}

	if len(snap.ValidatedCauses) > 0 {
		b.WriteString("## Validated causes\n\n")
		for _, cause := range snap.ValidatedCauses {
			fmt.Fprintf(&b, "- %s\n", cause)
		}
		b.WriteString("\n")
	}

	if len(snap.RecommendedLevers) > 0 {
		b.WriteString("## Recommended levers\n\n")
		b.WriteString("| Lever | Expected impact | Confidence | Effort | Timeframe |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, l := range snap.RecommendedLevers {
			fmt.Fprintf(&b, "| %s | %.2f | %s | %s | %s |\n",
				l.Name, l.ExpectedImpact, l.Confidence, l.Effort, l.Timeframe)
		}
		b.WriteString("\n")
	}

	if snap.ReasoningChain != nil {
		b.WriteString("## Reasoning chain\n\n")
		for _, s := range snap.ReasoningChain.Steps {
			fmt.Fprintf(&b, "%d. **%s** — %s (confidence: %s)\n", s.Number, s.Claim, s.Evidence, s.Confidence)
		}
		fmt.Fprintf(&b, "\n**Conclusion:** %s\n\n", snap.ReasoningChain.Conclusion)
		if len(snap.ReasoningChain.Caveats) > 0 {
			b.WriteString("### Caveats\n\n")
			for _, c := range snap.ReasoningChain.Caveats {
				fmt.Fprintf(&b, "- %s\n", c)
			}
		}
	}
	return b.String()
}
