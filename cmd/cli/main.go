package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"retcause/ai"
	"retcause/internal/config"
	"retcause/internal/dataset"
	"retcause/internal/engine"
	"retcause/models"
	"retcause/ui"
)

func main() {
	dataPath := flag.String("data", "", "path to the customer dataset (.xlsx or .csv)")
	outcome := flag.String("outcome", "churn_30d", "outcome column name")
	title := flag.String("title", "Churn spike", "opportunity title")
	baseline := flag.Float64("baseline", 0.15, "baseline metric value")
	current := flag.Float64("current", 0.30, "current metric value")
	businessContext := flag.String("context", "", "optional business context")
	flag.Parse()

	if *dataPath == "" {
		fmt.Fprintln(os.Stderr, "usage: cli -data customers.xlsx [-outcome churn_30d]")
		os.Exit(1)
	}

	cfg := config.Load()
	if cfg.OpenAIKey == "" {
		log.Fatal("OPENAI_API_KEY is required")
	}

	table, err := dataset.NewLoader(*dataPath).Load()
	if err != nil {
		log.Fatalf("failed to load dataset: %v", err)
	}

	catalog := make(dataset.Catalog, 0)
	for _, name := range table.Columns() {
		semanticType := "categorical"
		if table.IsNumeric(name) {
			semanticType = "continuous"
		}
		catalog = append(catalog, dataset.Feature{Name: name, SemanticType: semanticType})
	}

	opportunity := models.NewOpportunity(models.OpportunityChurnSpike, *title, *outcome)
	opportunity.BaselineValue = *baseline
	opportunity.CurrentValue = *current
	opportunity.SampleSize = table.NumRows()
	opportunity.Severity = models.SeverityHigh

	llm := ai.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIModel)
	orchestrator := engine.NewOrchestrator(llm)
	orchestrator.Emit = func(stage string, snap models.SessionSnapshot) {
		log.Printf("[cli] stage=%s status=%s hypotheses=%d", stage, snap.Status, snap.HypothesesCount)
	}

	session := orchestrator.Analyze(context.Background(), opportunity, table, catalog, *businessContext)
	snapshot := session.Snapshot()

	if snapshot.Status == models.SessionFailed {
		envelope, _ := json.MarshalIndent(map[string]string{
			"status":        string(snapshot.Status),
			"error_message": snapshot.ErrorMessage,
			"stage":         snapshot.FailedStage,
		}, "", "  ")
		fmt.Println(string(envelope))
		os.Exit(1)
	}

	fmt.Println(ui.RenderSessionMarkdown(snapshot))
}
