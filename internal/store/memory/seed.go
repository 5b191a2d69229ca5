package memory

import (
	"encoding/json"
	"fmt"
	"os"

	"qms/queue-engine/internal/models"
)

// Seed is the reference data a memory store starts with when no database is
// configured. Branches, services and counters are owned by the admin
// back-office elsewhere.
type Seed struct {
	Branches []models.Branch  `json:"branches"`
	Services []models.Service `json:"services"`
	Counters []models.Counter `json:"counters"`
}

func LoadSeed(path string) (Seed, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed: %w", err)
	}
	return seed, nil
}

func (s *Store) Load(seed Seed) {
	for _, branch := range seed.Branches {
		s.PutBranch(branch)
	}
	for _, service := range seed.Services {
		s.PutService(service)
	}
	for _, counter := range seed.Counters {
		s.PutCounter(counter)
	}
}
