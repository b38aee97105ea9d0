package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/septivank/energy-metering-gateway/internal/repository"
	"github.com/septivank/energy-metering-gateway/internal/validator"
	"github.com/septivank/energy-metering-gateway/tools/weeklyplot"
)

func main() {
	meterID := flag.String("prm", "", "14-digit metering point identifier")
	weekday := flag.Int("weekday", 0, "ISO weekday to plot (1=Monday), 0 for the whole week")
	width := flag.Int("width", 96, "chart width in columns")
	height := flag.Int("height", 15, "chart height in rows")
	color := flag.Bool("color", true, "color one line per weekday")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "Loaded environment from .env")
	}

	if err := validator.NewValidator(0).MeterID(*meterID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required but not set in environment variables")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create connection pool:", err)
		os.Exit(1)
	}
	defer pool.Close()

	grid, err := repository.NewRepository(pool).WeeklyAverage(ctx, *meterID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load weekly average:", err)
		os.Exit(1)
	}

	chart, err := weeklyplot.Render(*meterID, grid, weeklyplot.Options{
		Weekday: *weekday,
		Width:   *width,
		Height:  *height,
		Color:   *color,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fmt.Println(chart)
}
