package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/mockserver/internal/config"
	"github.com/ehr/mockserver/internal/domain/scheduling"
	"github.com/ehr/mockserver/internal/platform/store"
)

type seedOptions struct {
	patients         int
	schedules        int
	slotsPerSchedule int
	slotLength       time.Duration
	seed             uint64
}

// seedResource is one generated resource ready to be stored.
type seedResource struct {
	resourceType string
	id           string
	body         map[string]interface{}
}

var specialties = []string{
	"General Practice",
	"Cardiology",
	"Dermatology",
	"Orthopedics",
	"Pediatrics",
	"Neurology",
}

func seedCmd() *cobra.Command {
	opts := seedOptions{}
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Fill the configured store with demo Patients, Schedules and free Slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			be, err := openBackend(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer be.Close()

			resources := generateSeed(gofakeit.New(opts.seed), opts, time.Now().UTC())
			if err := writeSeed(cmd.Context(), be.store, resources); err != nil {
				return err
			}
			logger.Info().
				Int("patients", opts.patients).
				Int("schedules", opts.schedules).
				Int("resources", len(resources)).
				Msg("seed complete")
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.patients, "patients", 20, "Number of patients")
	cmd.Flags().IntVar(&opts.schedules, "schedules", 3, "Number of schedules")
	cmd.Flags().IntVar(&opts.slotsPerSchedule, "slots-per-schedule", 16, "Free slots generated per schedule")
	cmd.Flags().DurationVar(&opts.slotLength, "slot-length", 30*time.Minute, "Length of each slot")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 0, "Random seed (0 picks a random one)")
	return cmd
}

// generateSeed builds the demo data set. Slots start the day after now at
// 08:00 UTC and follow each other without gaps.
func generateSeed(f *gofakeit.Faker, opts seedOptions, now time.Time) []seedResource {
	var out []seedResource

	for i := 0; i < opts.patients; i++ {
		birth := f.DateRange(time.Date(1940, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC))
		out = append(out, seedResource{
			resourceType: "Patient",
			id:           uuid.NewString(),
			body: map[string]interface{}{
				"resourceType": "Patient",
				"active":       i%10 != 9,
				"name": []map[string]interface{}{{
					"family": f.LastName(),
					"given":  []string{f.FirstName()},
				}},
				"gender":    f.Gender(),
				"birthDate": birth.Format("2006-01-02"),
				"telecom": []map[string]interface{}{{
					"system": "email",
					"value":  f.Email(),
				}},
			},
		})
	}

	day := now.Truncate(24*time.Hour).AddDate(0, 0, 1).Add(8 * time.Hour)
	for i := 0; i < opts.schedules; i++ {
		scheduleID := uuid.NewString()
		specialty := f.RandomString(specialties)
		out = append(out, seedResource{
			resourceType: "Schedule",
			id:           scheduleID,
			body: map[string]interface{}{
				"resourceType": "Schedule",
				"active":       true,
				"serviceType": []map[string]interface{}{{
					"coding": []map[string]interface{}{{
						"system":  scheduling.ServiceTypeSystem,
						"code":    fmt.Sprint(f.Number(1, 600)),
						"display": specialty,
					}},
				}},
				"actor": []map[string]interface{}{{
					"display": "Dr. " + f.Name(),
				}},
			},
		})

		for j := 0; j < opts.slotsPerSchedule; j++ {
			start := day.Add(time.Duration(j) * opts.slotLength)
			out = append(out, seedResource{
				resourceType: "Slot",
				id:           uuid.NewString(),
				body: map[string]interface{}{
					"resourceType": "Slot",
					"schedule":     map[string]string{"reference": "Schedule/" + scheduleID},
					"status":       scheduling.SlotStatusFree,
					"start":        start.Format(time.RFC3339),
					"end":          start.Add(opts.slotLength).Format(time.RFC3339),
				},
			})
		}
	}
	return out
}

// writeSeed stores the resources concurrently.
func writeSeed(ctx context.Context, s store.Store, resources []seedResource) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, r := range resources {
		g.Go(func() error {
			body, err := json.Marshal(r.body)
			if err != nil {
				return errors.Wrapf(err, "encode %s", r.resourceType)
			}
			if _, err := s.Update(gctx, r.resourceType, r.id, body); err != nil {
				return errors.Wrapf(err, "store %s/%s", r.resourceType, r.id)
			}
			return nil
		})
	}
	return g.Wait()
}
