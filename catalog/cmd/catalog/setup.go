package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/getsentry/sentry-go"

	"github.com/malbeclabs/retail/catalog/pkg/clickhouse"
)

func initSentry(log *slog.Logger) bool {
	dsn := os.Getenv("SENTRY_DSN")
	if dsn == "" {
		return false
	}
	env := os.Getenv("SENTRY_ENVIRONMENT")
	if env == "" {
		env = "development"
	}
	release := version
	if commit != "none" {
		release = version + "-" + commit
	}
	// TracesSampleRate: 1.0 for development, 0.1 (10%) otherwise
	tracesSampleRate := 0.1
	if env == "development" {
		tracesSampleRate = 1.0
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env,
		Release:          release,
		EnableTracing:    true,
		TracesSampleRate: tracesSampleRate,
	})
	if err != nil {
		log.Warn("sentry initialization failed", "error", err)
		return false
	}
	log.Info("sentry initialized", "env", env, "release", release)
	return true
}

func createDatabase(ctx context.Context, log *slog.Logger, addr, database, username, password string, secure bool) error {
	log.Info("creating ClickHouse database", "database", database)
	adminClient, err := clickhouse.NewClient(ctx, log, addr, "default", username, password, secure)
	if err != nil {
		return fmt.Errorf("failed to create admin ClickHouse client: %w", err)
	}
	defer adminClient.Close()
	adminConn, err := adminClient.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get admin ClickHouse connection: %w", err)
	}
	if err := clickhouse.CreateDatabase(ctx, log, adminConn, database); err != nil {
		return fmt.Errorf("failed to create database %s: %w", database, err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
