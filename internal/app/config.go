package app

import (
	"strings"
	"time"

	"github.com/storyloom/backend/internal/pkg/env"
	"github.com/storyloom/backend/internal/pkg/logger"
)

type Config struct {
	Port              string
	AllowOrigins      []string
	WorkerSlots       int
	JobDeadline       time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StagePlanPath     string
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		Port:              env.Get("PORT", "8080", log),
		WorkerSlots:       env.GetAsInt("WORKER_SLOTS", 1, log),
		JobDeadline:       env.GetAsDuration("JOB_DEADLINE", 15*time.Minute, log),
		PollInterval:      env.GetAsDuration("JOB_POLL_INTERVAL", time.Second, log),
		HeartbeatInterval: env.GetAsDuration("HEARTBEAT_INTERVAL", 30*time.Second, log),
		StagePlanPath:     env.Get("STAGE_PLAN_PATH", "", log),
	}
	if raw := env.Get("CORS_ALLOW_ORIGINS", "", log); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowOrigins = append(cfg.AllowOrigins, o)
			}
		}
	}
	return cfg
}
