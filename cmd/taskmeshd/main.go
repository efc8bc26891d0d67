// Command taskmeshd runs the orchestration daemon: the broker registries,
// the reconciliation loop, the worker scheduler and the HTTP surface
// (health, metrics, websocket channels and a small execution API).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh/channel"
	"github.com/hupe1980/taskmesh/channel/ws"
	"github.com/hupe1980/taskmesh/config"
	"github.com/hupe1980/taskmesh/core"
	"github.com/hupe1980/taskmesh/docrepo"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/metrics"
	"github.com/hupe1980/taskmesh/model"
	anthropicmodel "github.com/hupe1980/taskmesh/model/anthropic"
	openaimodel "github.com/hupe1980/taskmesh/model/openai"
	"github.com/hupe1980/taskmesh/reconcile"
	"github.com/hupe1980/taskmesh/registry"
	"github.com/hupe1980/taskmesh/resource"
	"github.com/hupe1980/taskmesh/store"
	"github.com/hupe1980/taskmesh/store/postgres"
	"github.com/hupe1980/taskmesh/task"
	"github.com/hupe1980/taskmesh/tool"
	"github.com/hupe1980/taskmesh/tracker"
	"github.com/hupe1980/taskmesh/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "taskmeshd",
		Short:        "TaskMesh orchestration daemon",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New(&logging.Config{
		Level:     parseLevel(cfg.Logging.Level),
		Format:    cfg.Logging.Format,
		Output:    os.Stdout,
		Component: "taskmeshd",
	})
	meter := metrics.New("taskmesh")

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	manager := registry.NewManager()
	hubs := newHubIndex()

	chanBroker := channel.New(func(c core.ChannelConfig) (core.ChannelAdapter, error) {
		if c.Type != "websocket" {
			return nil, fmt.Errorf("unsupported channel type %q", c.Type)
		}
		hub := ws.NewHub(c, func(o *ws.Options) {
			o.Logger = logger.WithComponent("channel." + c.ID)
			if cfg.Server.AllowAnyOrigin {
				o.CheckOrigin = func(*http.Request) bool { return true }
			}
		})
		hubs.put(c.ID, hub)
		return hub, nil
	}, func(o *channel.Options) { o.Logger = logger.WithComponent("channels") })
	manager.SetChannels(chanBroker)

	toolBroker := tool.New(func(c core.ToolConfig) (core.ToolAdapter, error) {
		return nil, fmt.Errorf("no tool adapter registered for type %q", c.Type)
	}, func(o *tool.Options) { o.Logger = logger.WithComponent("tools") })
	manager.SetTools(toolBroker)

	resourceBroker := resource.New(func(c core.ResourceConfig) (core.ResourceAdapter, error) {
		return resource.NewMemoryAdapter(c.ID), nil
	}, func(o *resource.Options) { o.Logger = logger.WithComponent("resources") })
	manager.SetResources(resourceBroker)

	trackerBroker := tracker.New(func(c core.TrackerConfig) (core.TrackerAdapter, error) {
		return nil, fmt.Errorf("no tracker adapter registered for type %q", c.Type)
	}, func(o *tracker.Options) { o.Logger = logger.WithComponent("trackers") })
	manager.SetTrackers(trackerBroker)

	docBroker := docrepo.New(func(c core.DocRepoConfig) (core.DocSource, error) {
		return nil, fmt.Errorf("no documentation source registered for repository %q", c.ID)
	}, func(o *docrepo.Options) { o.Logger = logger.WithComponent("docrepos") })
	manager.SetDocRepos(docBroker)

	creds := config.NewStaticCredentials(cfg.Secrets)
	worker.NewBroker(st, manager, creds, turnSourceFactory(cfg.Providers), func(o *worker.Options) {
		o.Logger = logger.WithComponent("workers")
		o.Meter = meter
		o.FlushInterval = cfg.Worker.FlushInterval
	})

	taskBroker := task.NewBroker(st, manager, func(o *task.Options) {
		o.Logger = logger.WithComponent("tasks")
		o.Meter = meter
	})
	defer manager.Destroy()

	reconciler := reconcile.New(st, manager, nil, func(o *reconcile.Options) {
		o.Logger = logger.WithComponent("reconcile")
		o.Meter = meter
		o.Interval = cfg.Reconcile.Interval
		o.PageSize = cfg.Reconcile.PageSize
	})
	reconciler.Start(ctx)
	defer reconciler.Stop()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(st, taskBroker, meter, hubs),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config, logger *logging.MeshLogger) (core.Store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, using in-memory store")
		return store.NewInMemoryStore(), func() {}, nil
	}
	pg, err := postgres.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}

// turnSourceFactory maps a worker's provider hint onto a model adapter.
func turnSourceFactory(providers config.ProvidersConfig) worker.TurnSourceFactory {
	return func(cfg core.WorkerConfig) (worker.TurnSource, error) {
		switch strings.ToLower(cfg.Provider) {
		case "", "openai":
			var clientOpts []option.RequestOption
			if providers.OpenAIAPIKey != "" {
				clientOpts = append(clientOpts, option.WithAPIKey(providers.OpenAIAPIKey))
			}
			client := openaisdk.NewClient(clientOpts...)
			m := openaimodel.NewFromClient(&client, func(o *openaimodel.Options) {
				if cfg.Model != "" {
					o.Model = cfg.Model
				}
			})
			return worker.NewModelWorker(m), nil
		case "anthropic":
			m := anthropicmodel.New(func(o *anthropicmodel.Options) {
				o.APIKey = providers.AnthropicAPIKey
				if cfg.Model != "" {
					o.Model = anthropicsdk.Model(cfg.Model)
				}
			})
			return worker.NewModelWorker(m), nil
		case "mock":
			return worker.NewModelWorker(model.NewMockModel(cfg.Model)), nil
		default:
			return nil, fmt.Errorf("unknown inference provider %q", cfg.Provider)
		}
	}
}

func newRouter(st core.Store, tasks registry.TaskBroker, meter *metrics.Metrics, hubs *hubIndex) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Handle("/metrics", meter.Handler())

	r.Get("/channels/{id}/ws", func(w http.ResponseWriter, req *http.Request) {
		hub, ok := hubs.get(chi.URLParam(req, "id"))
		if !ok {
			http.Error(w, "unknown channel", http.StatusNotFound)
			return
		}
		hub.Handler().ServeHTTP(w, req)
	})

	r.Post("/v1/executions", func(w http.ResponseWriter, req *http.Request) {
		var body core.ExecutionRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if body.TaskID == "" {
			http.Error(w, "task_id is required", http.StatusBadRequest)
			return
		}
		if err := tasks.Requests().Publish(body); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	})

	r.Get("/v1/executions/{id}", func(w http.ResponseWriter, req *http.Request) {
		exec, err := st.GetTaskExecution(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			if errors.Is(err, core.ErrNotFound) {
				http.Error(w, "not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, exec)
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// hubIndex maps channel ids to their websocket hubs for route lookup.
type hubIndex struct {
	mu   sync.RWMutex
	hubs map[string]*ws.Hub
}

func newHubIndex() *hubIndex { return &hubIndex{hubs: map[string]*ws.Hub{}} }

func (h *hubIndex) put(id string, hub *ws.Hub) {
	h.mu.Lock()
	h.hubs[id] = hub
	h.mu.Unlock()
}

func (h *hubIndex) get(id string) (*ws.Hub, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hub, ok := h.hubs[id]
	return hub, ok
}
