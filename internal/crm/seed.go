// Package crm holds the demo customer reference data.
package crm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CiscoSE/serverless-cmx/internal/model"
)

// Inserter creates customer records.
type Inserter interface {
	InsertCustomer(ctx context.Context, c model.CustomerRecord) (model.CustomerRecord, error)
}

// Customers is the fixed seed list.
func Customers() []model.CustomerRecord {
	return []model.CustomerRecord{
		{
			FirstName:   "Fred",
			Surname:     "Flintstone",
			Email:       "fred.flintstone@gmail.com",
			ClientID:    "20:df:b9:c7:19:f9",
			PhoneNumber: "07815453982",
		},
		{
			FirstName:     "Barney",
			Surname:       "Rubble",
			Email:         "barney@slate-rock.com",
			ClientID:      "60:f6:77:05:f0:9b",
			PhoneNumber:   "07978342654",
			LoyaltyMember: true,
		},
		{
			FirstName:       "Wilma",
			Surname:         "Flintstone",
			Email:           "wilma@yahoo.com",
			ClientID:        "ec:9b:f3:69:f7:22",
			PhoneNumber:     "07917073876",
			LoyaltyMember:   true,
			ClickAndCollect: true,
		},
		{
			FirstName:       "Stoney",
			Surname:         "Curtis",
			Email:           "curtis@hollywood.com",
			ClientID:        "40:4e:36:8b:d0:2a",
			PhoneNumber:     "07925073524",
			ClickAndCollect: true,
		},
		{
			FirstName:       "Pearl",
			Surname:         "Slaghoople",
			Email:           "pearly@geocities.com",
			ClientID:        "78:4f:43:a0:df:f2",
			PhoneNumber:     "07775073936",
			ClickAndCollect: true,
		},
	}
}

// Seed inserts every record from Customers and returns the stored copies.
// It stops at the first failure; records inserted before it are kept.
func Seed(ctx context.Context, store Inserter, logger *slog.Logger) ([]model.CustomerRecord, error) {
	if logger == nil {
		logger = slog.Default()
	}

	seed := Customers()
	inserted := make([]model.CustomerRecord, 0, len(seed))
	for _, c := range seed {
		stored, err := store.InsertCustomer(ctx, c)
		if err != nil {
			return inserted, fmt.Errorf("insert %s %s: %w", c.FirstName, c.Surname, err)
		}
		logger.Info("customer inserted into customer-record CRM", "first_name", c.FirstName, "surname", c.Surname, "id", stored.ID)
		inserted = append(inserted, stored)
	}
	return inserted, nil
}
