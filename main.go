package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"pipebench/config"
	dbutils "pipebench/dbUtils"
	"pipebench/harness"
	"pipebench/pipeline"
	"pipebench/session"
	"pipebench/util"
)

// Prepare zerolog
func setupLogging(disableLog bool, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var zlevel zerolog.Level
	if disableLog {
		zlevel = zerolog.Disabled
	} else if level == "info" {
		zlevel = zerolog.InfoLevel
	} else {
		zlevel = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(zlevel)
}

// Seeds the harbors table through database/sql, outside the measured span
func populate(cfg *config.Config) {
	fmt.Println("Populating")
	db := util.Try(sql.Open("postgres", cfg.ConnString()))
	defer db.Close()
	util.CheckErr(db.Ping())
	dbutils.Populate(db, cfg.PopulateRows)
	dbutils.VacuumAndCheckpoint(db)
}

func printHeader(cfg *config.Config) {
	fmt.Printf("Connecting to %s:%s as %s\n", cfg.Host, cfg.Port, cfg.User)
	fmt.Println("PIPELINED BATCH BENCHMARK")
	fmt.Println("=========================")
	fmt.Printf("Total queries:    %15d\n", cfg.TotalQueries)
	fmt.Printf("Workers:          %15d\n", cfg.Workers)
	fmt.Printf("Pool size:        %15d\n", cfg.PoolSize)
	fmt.Printf("Batch size:       %15d\n", cfg.BatchSize)
	fmt.Println()
}

func main() {
	disableLog := flag.Bool("no-log", false, "Disables the log")
	configFile := flag.String("conf", "", "Benchmark config file")
	logLevel := flag.String("level", "debug", "Log level (info|debug)")
	flag.Parse()

	setupLogging(*disableLog, *logLevel)

	cfg, err := config.Load(*configFile)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid configuration")
	}

	printHeader(cfg)

	if cfg.Populate {
		populate(cfg)
	}

	ctx := context.Background()
	report := harness.Run(ctx, cfg, func(ctx context.Context, workerID int) (pipeline.Session, error) {
		return session.Open(ctx, cfg)
	})

	harness.PrintSummary(os.Stdout, report)

	if report.FailedWorkers > 0 {
		os.Exit(1)
	}
}
