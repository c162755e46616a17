// Package main 移动端 Agent 入口
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"ui-automation/internal/agentclient"
	"ui-automation/internal/config"
	"ui-automation/internal/shared/model"
	"ui-automation/pkg/engine"
	"ui-automation/pkg/logging"
)

func main() {
	cfg := config.Load()
	a := cfg.Agent

	if a.ID == "" {
		a.ID = "agent-" + uuid.New().String()[:7]
	}

	log.Println("Starting Agent...")
	log.Printf("Server: %s", a.ServerURL)
	log.Printf("Platform: %s", a.Platform)
	log.Printf("Device: %s", a.DeviceName)
	log.Printf("Agent ID: %s", a.ID)

	if err := os.MkdirAll(a.ReportDir, 0o755); err != nil {
		log.Fatalf("Failed to create report dir %s: %v", a.ReportDir, err)
	}

	eng := engine.NewPlaceholder(engine.PlaceholderOptions{
		ReportDir:   a.ReportDir,
		StepTimeout: cfg.Engine.StepTimeout,
		StepDelay:   cfg.Engine.StepDelay,
	})

	client, err := agentclient.New(agentclient.Options{
		ServerURL:         a.ServerURL,
		ID:                a.ID,
		Platform:          model.Platform(a.Platform),
		DeviceName:        a.DeviceName,
		ReportDir:         a.ReportDir,
		ReconnectInterval: a.ReconnectInterval,
		Engine:            eng,
		Logger:            logging.Default("agent"),
	})
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Agent stopped: %v", err)
	}
	log.Println("Agent stopped")
}
