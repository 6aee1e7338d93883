package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"ideaplanner-backend/lib/manualstore"
	"ideaplanner-backend/lib/market"
	"ideaplanner-backend/lib/ratelimit"
	"ideaplanner-backend/lib/sources/ozon"
	"ideaplanner-backend/lib/sources/trends"
	"ideaplanner-backend/lib/sources/wildberries"
	"ideaplanner-backend/lib/sources/yandex"
	"ideaplanner-backend/lib/telemetry"
	"ideaplanner-backend/services/analysis"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	_ "modernc.org/sqlite"
)

func main() {
	cfg := flag.String("config", "config.json5", "specify the path to a config file")
	flag.Parse()

	slog.Info("loading config...")
	config := MustLoadConfig(*cfg)

	slog.Info("setting up telemetry...")
	t, err := telemetry.Setup(context.Background(), "marketd", config.Telemetry)
	if err != nil {
		slog.Error("failed to setup telemetry", "err", err.Error())
		os.Exit(1)
	}
	defer func() {
		err := t.Shutdown(context.Background())
		if err != nil {
			slog.Error("failed to shutdown telemetry", "err", err.Error())
		}
	}()
	telemetry.InstrumentPerfStats(context.Background())

	slog.Info("setting up database...")
	db, err := sql.Open("sqlite", config.Database)
	if err != nil {
		slog.Error("failed to open manual data db", "err", err.Error())
		os.Exit(1)
	}
	_, err = db.Exec(manualstore.Schema)
	if err != nil {
		slog.Error("failed to apply manual data schema", "err", err.Error())
		os.Exit(1)
	}

	slog.Info("setting up sources...")
	service, err := buildService(config, db)
	if err != nil {
		slog.Error("failed to build analysis service", "err", err.Error())
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/analyze", analyzeHandler(service))
	mux.Handle("POST /v1/manual", submitHandler(service))

	slog.Info("listening...", "port", config.Port)
	err = http.ListenAndServe(
		fmt.Sprintf("0.0.0.0:%d", config.Port),
		h2c.NewHandler(mux, &http2.Server{}),
	)
	if err != nil {
		slog.Error("failed to listen", "port", config.Port, "err", err.Error())
		os.Exit(1)
	}
}

func buildService(config Config, db *sql.DB) (*analysis.Service, error) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Baseline: config.RateLimit.Baseline(),
		Max:      config.RateLimit.Max(),
	})

	var sources []market.Source
	if !config.Sources.Wildberries.Disabled {
		sources = append(sources, wildberries.NewClient(wildberries.ClientOptions{
			BaseUrl: config.Sources.Wildberries.BaseUrl,
			Limiter: limiter,
		}))
	}
	if !config.Sources.Ozon.Disabled {
		client, err := ozon.NewClient(ozon.ClientOptions{
			BaseUrl: config.Sources.Ozon.BaseUrl,
			Limiter: limiter,
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, client)
	}
	if !config.Sources.Yandex.Disabled {
		sources = append(sources, yandex.NewClient(yandex.ClientOptions{
			BaseUrl: config.Sources.Yandex.BaseUrl,
			Limiter: limiter,
		}))
	}
	if !config.Sources.Trends.Disabled {
		sources = append(sources, trends.NewClient(trends.ClientOptions{
			BaseUrl: config.Sources.Trends.BaseUrl,
			Limiter: limiter,
		}))
	}

	return analysis.NewService(analysis.Params{
		Sources: sources,
		Store:   manualstore.NewStore(db),
		Options: analysis.Options{
			CacheTtl:          time.Duration(config.CacheTtlSeconds) * time.Second,
			DefaultMaxResults: config.MaxResults,
		},
	})
}
