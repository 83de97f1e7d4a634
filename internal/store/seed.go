package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"

	"gwi.com/report-studio/internal/report"
)

//go:embed seed_reports.json
var seedReportsJSON []byte

type SeedReport struct {
	Title   string         `json:"title"`
	Message report.Message `json:"message"`
}

// SeedReports returns the example reports installed into an empty store.
func SeedReports() ([]SeedReport, error) {
	var seeds []SeedReport
	if err := json.Unmarshal(seedReportsJSON, &seeds); err != nil {
		return nil, fmt.Errorf("failed to decode seed reports: %w", err)
	}
	return seeds, nil
}

// SeedIfEmpty inserts the example reports when the store holds none and
// returns how many were added.
func SeedIfEmpty(ctx context.Context, s ReportStore) (int, error) {
	existing, err := s.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to check for existing reports: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	seeds, err := SeedReports()
	if err != nil {
		return 0, err
	}
	log.Println("Report store is empty. Seeding with example reports...")
	count := 0
	for _, seed := range seeds {
		if _, err := s.Create(ctx, seed.Title, seed.Message); err != nil {
			return count, fmt.Errorf("failed to seed %q: %w", seed.Title, err)
		}
		count++
	}
	return count, nil
}
