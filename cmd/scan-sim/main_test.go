package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CiscoSE/serverless-cmx/internal/model"
)

func TestBuildEnvelopeWifi(t *testing.T) {
	opts := options{
		secret:     "s3cret",
		apMAC:      "00:18:0a:13:dd:b0",
		clients:    []string{"60:f6:77:05:f0:9b", "aa:bb:cc:dd:ee:ff"},
		baseRSSI:   -60,
		rssiJitter: 6,
	}
	now := time.Date(2018, 5, 1, 10, 0, 0, 0, time.UTC)

	env := buildEnvelope(model.TypeDevicesSeen, opts, now, func(n int) int {
		assert.Equal(t, 13, n)
		return 0
	})

	assert.Equal(t, "s3cret", env.Secret)
	assert.Equal(t, model.KindWifiSeen, env.Envelope().Kind)
	require.Len(t, env.Data.Observations, 2)

	first := env.Data.Observations[0]
	assert.Equal(t, "2018-05-01T10:00:00Z", first.SeenAt)
	assert.Equal(t, int64(1525168800), first.SeenAtEpoch)
	require.NotNil(t, first.SignalStrength)
	assert.Equal(t, -66, *first.SignalStrength)
	require.NotNil(t, first.Network)
	assert.Equal(t, "store-guest", *first.Network)

	assert.Nil(t, env.Data.Observations[1].Network, "every other client is unassociated")
}

func TestBuildEnvelopeBluetoothHasNoNetwork(t *testing.T) {
	opts := options{clients: []string{"60:f6:77:05:f0:9b"}, baseRSSI: -70}

	env := buildEnvelope(model.TypeBluetoothDevicesSeen, opts, time.Now(), nil)
	require.Len(t, env.Data.Observations, 1)
	assert.Nil(t, env.Data.Observations[0].Network)
	assert.Nil(t, env.Data.Observations[0].ManufacturerGuess)
	assert.Equal(t, -70, *env.Data.Observations[0].SignalStrength)
}

func TestVendorTypesFor(t *testing.T) {
	types, err := vendorTypesFor("BOTH")
	require.NoError(t, err)
	assert.Equal(t, []string{model.TypeDevicesSeen, model.TypeBluetoothDevicesSeen}, types)

	_, err = vendorTypesFor("zigbee")
	assert.Error(t, err)
}

func TestDefaultClientsIncludeStranger(t *testing.T) {
	clients := defaultClients()
	assert.Len(t, clients, 6)
	assert.Contains(t, clients, "60:f6:77:05:f0:9b")
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", clients[len(clients)-1])
}

func TestPostWebhook(t *testing.T) {
	var got model.WireEnvelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil || got.Secret != "ok" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"Wrong secret"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	client := srv.Client()

	accepted, err := json.Marshal(model.WireEnvelope{Secret: "ok", Type: model.TypeDevicesSeen})
	require.NoError(t, err)
	require.NoError(t, postWebhook(ctx, client, srv.URL, accepted))
	assert.Equal(t, model.TypeDevicesSeen, got.Type)

	rejected, err := json.Marshal(model.WireEnvelope{Secret: "nope"})
	require.NoError(t, err)
	err = postWebhook(ctx, client, srv.URL, rejected)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Wrong secret")
}
