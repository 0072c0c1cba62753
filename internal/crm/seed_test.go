package crm_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CiscoSE/serverless-cmx/internal/crm"
	"github.com/CiscoSE/serverless-cmx/internal/model"
	"github.com/CiscoSE/serverless-cmx/internal/store"
)

func TestCustomersAreTheFiveDemoRecords(t *testing.T) {
	customers := crm.Customers()
	require.Len(t, customers, 5)

	macs := make(map[string]model.CustomerRecord, len(customers))
	for _, c := range customers {
		macs[c.ClientID] = c
	}
	assert.Len(t, macs, 5, "client ids are unique")

	barney := macs["60:f6:77:05:f0:9b"]
	assert.Equal(t, "Barney", barney.FirstName)
	assert.True(t, barney.LoyaltyMember)
	assert.False(t, barney.ClickAndCollect)

	wilma := macs["ec:9b:f3:69:f7:22"]
	assert.True(t, wilma.LoyaltyMember)
	assert.True(t, wilma.ClickAndCollect)
}

func TestSeedIntoSQLite(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "crm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(ctx))

	inserted, err := crm.Seed(ctx, s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.Len(t, inserted, 5)
	for _, c := range inserted {
		assert.NotEmpty(t, c.ID)
	}

	found, err := s.FindCustomers(ctx, "78:4f:43:a0:df:f2")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Slaghoople", found[0].Surname)
	assert.True(t, found[0].ClickAndCollect)
}

type failingInserter struct {
	calls int
}

func (f *failingInserter) InsertCustomer(_ context.Context, c model.CustomerRecord) (model.CustomerRecord, error) {
	f.calls++
	if f.calls == 3 {
		return model.CustomerRecord{}, errors.New("datastore unavailable")
	}
	c.ID = "id"
	return c, nil
}

func TestSeedStopsAtFirstFailure(t *testing.T) {
	f := &failingInserter{}

	inserted, err := crm.Seed(context.Background(), f, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Wilma Flintstone")
	assert.Len(t, inserted, 2)
	assert.Equal(t, 3, f.calls)
}
