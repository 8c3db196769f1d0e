// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Thermoquad/iolabstat/pkg/pipeline"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newPipeline builds a pipeline from the loaded configuration
func newPipeline(handler pipeline.Handler, metrics *pipeline.Metrics) (*pipeline.Pipeline, error) {
	order, err := cfg.TypeOrder()
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	session := uuid.NewString()
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithSessionID(session),
		pipeline.WithReadInterval(cfg.Acquisition.ReadInterval),
		pipeline.WithAnalyzeInterval(cfg.Acquisition.AnalyzeInterval),
		pipeline.WithDumpData(cfg.Log.DumpData),
		pipeline.WithMetrics(metrics),
	}
	if len(order) > 0 {
		opts = append(opts, pipeline.WithTypeOrder(order...))
	}

	return pipeline.New(captureOpener(logger, session), handler, opts...)
}

// startMetrics registers the pipeline metrics and serves them on the
// configured address. It returns nil metrics when no address is set.
func startMetrics(ctx context.Context) (*pipeline.Metrics, error) {
	addr := cfg.Metrics.Address
	if addr == "" {
		return nil, nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics, err := pipeline.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "addr", fmt.Sprintf("%s/metrics", addr))
	return metrics, nil
}
