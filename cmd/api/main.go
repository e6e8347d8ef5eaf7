package main

import (
	"log"

	"retcause/ai"
	"retcause/internal/api"
	"retcause/internal/config"
	"retcause/internal/engine"
	"retcause/internal/session"
	"retcause/internal/stats"
)

func main() {
	cfg := config.Load()
	if cfg.OpenAIKey == "" {
		log.Fatal("OPENAI_API_KEY is required")
	}

	llm := ai.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIModel)

	kernel := stats.NewKernel()
	kernel.Alpha = cfg.SignificanceLevel
	kernel.TestBudget = cfg.TestBudget

	orchestrator := engine.NewOrchestratorWithKernel(llm, kernel)

	var store session.Store
	if cfg.DatabaseURL != "" {
		pg, err := session.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres session store: %v", err)
		}
		store = pg
		log.Printf("[main] Using postgres session store")
	} else {
		store = session.NewMemoryStore()
		log.Printf("[main] Using in-memory session store")
	}

	server := api.NewServer(orchestrator, store)
	log.Printf("[main] API listening on :%s", cfg.APIPort)
	if err := server.Router().Run(":" + cfg.APIPort); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
