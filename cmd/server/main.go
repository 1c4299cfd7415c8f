package main

import (
	"context"
	"log"
	"net/http"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pvoronin/planning-poker-backend/internal/config"
	"github.com/pvoronin/planning-poker-backend/internal/httpapi"
	"github.com/pvoronin/planning-poker-backend/internal/hub"
)

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	h := hub.New(context.Background(), clockwork.NewRealClock(), logger)

	// Build the router *with* the hub injected
	handler := httpapi.SetupRoutes(h, logger)

	logger.Info("listening", zap.String("addr", cfg.Addr))
	if err := http.ListenAndServe(cfg.Addr, handler); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
