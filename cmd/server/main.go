package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/agroscan-api/internal/config"
	"github.com/Brownie44l1/agroscan-api/internal/handlers"
	"github.com/Brownie44l1/agroscan-api/internal/labels"
	"github.com/Brownie44l1/agroscan-api/internal/logger"
	"github.com/Brownie44l1/agroscan-api/internal/metrics"
	"github.com/Brownie44l1/agroscan-api/internal/model"
	"github.com/Brownie44l1/agroscan-api/internal/preprocess"
	"github.com/Brownie44l1/agroscan-api/internal/service"
)

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func main() {
	cfg, err := config.Load(config.ParseConfigFlag(os.Args[1:]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.Debug)
	defer log.Sync() //nolint:errcheck

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, log *zap.Logger) error {
	labelMap, err := labels.Load(cfg.Labels.Path)
	if err != nil {
		return err
	}
	log.Info("label map loaded", zap.String("path", cfg.Labels.Path), zap.Int("classes", labelMap.Len()))
	log.Debug("classes", zap.Strings("labels", labelMap.Labels()))

	layout, err := preprocess.ParseLayout(cfg.Model.Layout)
	if err != nil {
		return err
	}
	pre := preprocess.New(
		preprocess.WithSize(cfg.Model.ImageSize),
		preprocess.WithLayout(layout),
		preprocess.WithMaxPixels(cfg.Model.MaxPixels),
	)

	metadata := model.Metadata{
		InputName:   cfg.Model.InputName,
		OutputName:  cfg.Model.OutputName,
		InputShape:  pre.Shape(),
		OutputShape: cfg.Model.OutputShape,
	}
	if err := model.CheckCompatibility(metadata.NumClasses(), labelMap); err != nil {
		return err
	}

	log.Info("loading model",
		zap.String("path", cfg.Model.Path),
		zap.Int("image_size", pre.Size()),
		zap.Int64s("input_shape", metadata.InputShape))
	predictor, err := model.NewOnnxPredictor(cfg.Model.Path, cfg.Model.SharedLibrary, metadata)
	if err != nil {
		return err
	}
	defer predictor.Close()

	m := metrics.New("/", "/health", "/diagnose", "/predict", "/predict/image", "/metrics")
	svc := service.New(pre, model.NewClassifier(predictor, labelMap, cfg.Model.TopK), log, m)

	handler, err := handlers.NewHandler(svc, log, cfg.Server.MaxUploadBytes)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", handler.Index)
	mux.HandleFunc("/health", handler.Health)
	mux.HandleFunc("/diagnose", handler.Diagnose)
	mux.HandleFunc("/predict", handler.Predict)
	mux.HandleFunc("/predict/image", handler.PredictFromImage)
	mux.Handle("/metrics", m.Handler())

	var root http.Handler = m.Middleware(mux)
	if cfg.Server.CORS {
		root = enableCORS(root)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.Strings("endpoints", []string{
				"GET /", "POST /diagnose", "POST /predict", "POST /predict/image", "GET /health", "GET /metrics",
			}))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
