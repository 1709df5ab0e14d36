package dwarf

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// DefaultFlavors are seeded when the database is initialized.
var DefaultFlavors = []Record{
	{ColID: "100", "name": "standard.xsmall", "ram": "512", "disk": "10", "vcpus": "1"},
	{ColID: "101", "name": "standard.small", "ram": "768", "disk": "30", "vcpus": "1"},
	{ColID: "102", "name": "standard.medium", "ram": "1024", "disk": "30", "vcpus": "1"},
}

// SeedDefaultFlavors creates any of DefaultFlavors that are not live yet.
func SeedDefaultFlavors(ctx context.Context, flavors Table) error {
	for _, f := range DefaultFlavors {
		if _, err := flavors.Create(ctx, f.Clone()); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return fmt.Errorf("seeding flavor %s: %w", f[ColID], err)
		}
	}
	return nil
}

// FlavorService manages flavors.
type FlavorService struct {
	db     Database
	logger Logger
}

func NewFlavorService(db Database, logger Logger) *FlavorService {
	return &FlavorService{db: db, logger: logger.With("component", "flavors")}
}

func (s *FlavorService) List(ctx context.Context) ([]Record, error) {
	return s.db.Flavors().List(ctx)
}

func (s *FlavorService) Show(ctx context.Context, id string) (Record, error) {
	return s.db.Flavors().Show(ctx, ByID(id))
}

// Create validates the sizing columns and stores the flavor. The id is
// generated when absent.
func (s *FlavorService) Create(ctx context.Context, fields Record) (Record, error) {
	s.logger.Info("create flavor", "fields", fields)

	if fields["name"] == "" {
		return nil, Failure(http.StatusBadRequest, "flavor name is required")
	}
	for _, col := range []string{"ram", "disk", "vcpus"} {
		n, err := strconv.Atoi(fields[col])
		if err != nil || n <= 0 {
			return nil, Failure(http.StatusBadRequest, "flavor %s must be a positive integer", col)
		}
	}
	return s.db.Flavors().Create(ctx, fields)
}

func (s *FlavorService) Delete(ctx context.Context, id string) error {
	s.logger.Info("delete flavor", "id", id)
	return s.db.Flavors().Delete(ctx, ByID(id))
}
