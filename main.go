package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gigapi/gigapi-cache/cache"
	"github.com/gigapi/gigapi-cache/core"
	"github.com/gigapi/gigapi-cache/querier"
	"github.com/gigapi/gigapi-cache/settings"
)

func main() {
	configFlag := flag.String("config", "", "Path to a config file")
	searchFlag := flag.String("search", "", "Refresh, print the rows matching the text and exit")
	flag.Parse()

	s, err := settings.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load settings: %v\n", err)
		os.Exit(1)
	}
	logger, err := core.NewLogger(s.LogLevel, s.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	core.SetDefaultLogger(logger)
	defer logger.Sync()

	ctx := core.WithDefaultLogger(context.Background(), "main")

	c, err := cache.Open(ctx, s)
	if err != nil {
		core.Errorf(ctx, "Failed to initialize cache: %v", err)
		os.Exit(1)
	}
	defer c.Close()

	// If search flag is provided, print the matching rows and exit
	if *searchFlag != "" {
		if err := runSearch(ctx, c, *searchFlag); err != nil {
			core.Errorf(ctx, "Search error: %v", err)
			os.Exit(1)
		}
		return
	}

	server := querier.NewServer(c).WithRefreshLimit(s.RefreshLimit)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	core.Infof(ctx, "Cache server running at http://localhost:%d", s.Port)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("main server: %w", err)
		}
	}()

	flightServer := querier.NewFlightServer(c)
	defer flightServer.Close()
	grpcServer := querier.NewFlightGRPCServer(flightServer)
	if s.FlightSQLPort > 0 {
		go func() {
			if err := querier.StartFlightServer(ctx, s.FlightSQLPort, grpcServer); err != nil {
				errs <- fmt.Errorf("flight server: %w", err)
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	for {
		select {
		case err := <-errs:
			core.Errorf(ctx, "Failed to serve: %v", err)
			shutdown(ctx, httpServer)
			grpcServer.Stop()
			return
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				core.Warnf(ctx, "Received SIGHUP, refreshing")
				c.Scheduler().Trigger()
				continue
			}
			core.Warnf(ctx, "Received %v, exiting", sig)
			shutdown(ctx, httpServer)
			grpcServer.GracefulStop()
			return
		}
	}
}

func shutdown(ctx context.Context, srv *http.Server) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		core.Errorf(ctx, "Failed to shut down main server: %v", err)
	}
}

func runSearch(ctx context.Context, c *cache.Cache, text string) error {
	if c.Schema().Len() > 0 && !c.Snapshot().Fresh() {
		if _, err := c.Refresh(ctx); err != nil {
			return err
		}
	}
	res, err := c.Search(ctx, text)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
