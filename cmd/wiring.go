package cmd

import (
	"fmt"
	"log/slog"

	"github.com/Grd45bisa/neural-face-attendance/internal/config"
	"github.com/Grd45bisa/neural-face-attendance/internal/enroll"
	"github.com/Grd45bisa/neural-face-attendance/internal/matcher"
	"github.com/Grd45bisa/neural-face-attendance/internal/recognizer"
	"github.com/Grd45bisa/neural-face-attendance/internal/service"
	"github.com/Grd45bisa/neural-face-attendance/internal/store"
	"github.com/Grd45bisa/neural-face-attendance/internal/vision"
)

// app bundles the wired pipeline shared by the subcommands.
type app struct {
	cfg      *config.Config
	store    *store.Store
	matcher  *matcher.Matcher
	client   *vision.Client
	rec      *recognizer.Recognizer
	enroller *enroll.Enroller
	svc      *service.Service
}

// buildApp opens the store and composes the pipeline from configuration.
func buildApp() (*app, error) {
	cfg := config.Load()
	logger := slog.Default()

	st, err := store.Open(cfg.Store.Path,
		store.WithAutoPersist(cfg.Store.AutoPersist),
		store.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity store: %w", err)
	}

	metric, err := matcher.ParseMetric(cfg.Matcher.Metric)
	if err != nil {
		return nil, err
	}
	m, err := matcher.New(metric, cfg.Matcher.Threshold)
	if err != nil {
		return nil, err
	}

	client := vision.NewClient(cfg.Inference.URL)
	rec := recognizer.New(client, client, client, m, st, logger)
	enr := enroll.New(st, m, client, client, client, logger,
		enroll.WithMinConfidence(cfg.Enroll.MinConfidence),
		enroll.WithRequiredSamples(cfg.Enroll.RequiredSamples),
	)
	svc := service.New(st, m, rec, enr, logger)

	return &app{
		cfg:      cfg,
		store:    st,
		matcher:  m,
		client:   client,
		rec:      rec,
		enroller: enr,
		svc:      svc,
	}, nil
}
