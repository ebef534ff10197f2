package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jia-app/dunningservice/internal/config"
	"github.com/jia-app/dunningservice/internal/dunning/domain"
	"github.com/jia-app/dunningservice/internal/dunning/repo/postgres"
	applog "github.com/jia-app/dunningservice/internal/log"
)

// Bulk-loads campaign definitions from a JSON file, for seeding a fresh
// environment or migrating campaigns between environments.
func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: import-campaigns <json-file-path>")
	}
	jsonFilePath := os.Args[1]

	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := applog.Init(cfg.Log.Level); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx := context.Background()

	store, err := postgres.NewStore(cfg.Database.GetDSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer store.Close()

	campaigns, err := readCampaignsFromJSON(jsonFilePath)
	if err != nil {
		log.Fatalf("Failed to read campaigns: %v", err)
	}
	fmt.Printf("Loaded %d campaigns from %s\n", len(campaigns), jsonFilePath)

	imported, skipped := 0, 0
	for _, campaign := range campaigns {
		if err := importCampaign(ctx, store, campaign); err != nil {
			if domain.GetDomainError(err) != nil {
				fmt.Printf("Skipping %q: %v\n", campaign.Name, err)
				skipped++
				continue
			}
			log.Fatalf("Failed to import campaign %q: %v", campaign.Name, err)
		}
		imported++
	}

	fmt.Printf("Done: %d imported, %d skipped\n", imported, skipped)
}

func readCampaignsFromJSON(path string) ([]*domain.Campaign, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var campaigns []*domain.Campaign
	if err := json.Unmarshal(data, &campaigns); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return campaigns, nil
}

func importCampaign(ctx context.Context, store *postgres.Store, campaign *domain.Campaign) error {
	now := time.Now().UTC()
	if campaign.ID == uuid.Nil {
		campaign.ID = uuid.New()
	}
	if campaign.OnPermanentFailure == "" {
		campaign.OnPermanentFailure = domain.FailurePolicyFailExecution
	}
	campaign.CreatedAt = now
	campaign.UpdatedAt = now

	if err := campaign.Validate(); err != nil {
		return err
	}
	return store.Campaigns().Create(ctx, campaign)
}
