package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CiscoSE/serverless-cmx/internal/model"
)

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func reportObservations() []model.Observation {
	return []model.Observation{
		{
			ClientID:          barneyMAC,
			SeenAt:            "2018-05-01T10:00:00Z",
			SeenAtEpoch:       1525168800,
			Network:           strPtr("Bedrock"),
			IPv4:              strPtr("/192.168.1.20"),
			SignalStrength:    intPtr(41),
			OSGuess:           strPtr("Android"),
			ManufacturerGuess: strPtr("Samsung"),
		},
		{
			ClientID:    unknownClientID,
			SeenAt:      "2018-05-01T10:00:05Z",
			SeenAtEpoch: 1525168805,
		},
	}
}

func TestFormatReportWifi(t *testing.T) {
	got := FormatReport(model.Envelope{
		Kind:         model.KindWifiSeen,
		APIdentifier: testAP,
		Observations: reportObservations(),
	})

	want := "\n**Incoming Wi-Fi observations from Meraki AP (00:18:0a:13:dd:b0):**\n```\n" +
		"Client MAC 60:f6:77:05:f0:9b seen at 2018-05-01T10:00:00Z | SSID : Bedrock | IPv4 /192.168.1.20 | RSSI = 41 | OS = Android | Manufacturer = Samsung\n" +
		"Client MAC aa:bb:cc:dd:ee:ff seen at 2018-05-01T10:00:05Z | Unassociated | No IP Address\n" +
		"```\n"
	assert.Equal(t, want, got)
}

func TestFormatReportRadioOmitsNetworkFragments(t *testing.T) {
	got := FormatReport(model.Envelope{
		Kind:         model.KindRadioSeen,
		APIdentifier: testAP,
		Observations: reportObservations(),
	})

	want := "\n**Incoming Bluetooth observations from Meraki AP (00:18:0a:13:dd:b0):**\n```\n" +
		"Client MAC 60:f6:77:05:f0:9b seen at 2018-05-01T10:00:00Z | RSSI = 41 | OS = Android | Manufacturer = Samsung\n" +
		"Client MAC aa:bb:cc:dd:ee:ff seen at 2018-05-01T10:00:05Z\n" +
		"```\n"
	assert.Equal(t, want, got)
}

func TestFormatReportUnknown(t *testing.T) {
	got := FormatReport(model.Envelope{Kind: model.KindUnknown, Observations: reportObservations()})
	assert.Equal(t, "\n**Data of unknown origin has arrived....**\n``` null\n```\n", got)
}

func TestFormatReportFragmentOrder(t *testing.T) {
	obs := model.Observation{
		ClientID:          "m",
		SeenAt:            "t",
		IPv4:              strPtr("/10.0.0.1"),
		ManufacturerGuess: strPtr("Apple"),
	}
	got := FormatReport(model.Envelope{Kind: model.KindWifiSeen, APIdentifier: "ap", Observations: []model.Observation{obs}})
	assert.Contains(t, got, "Client MAC m seen at t | Unassociated | IPv4 /10.0.0.1 | Manufacturer = Apple\n")
}

type rejected struct{}

func (rejected) Error() string   { return "400 bad room" }
func (rejected) Retryable() bool { return false }

func TestReporterDoesNotRetryRejectedPosts(t *testing.T) {
	poster := &fakePoster{err: rejected{}}
	reporter := NewReporter(poster, reportRoom, testRunner(3))

	h := reporter.Report(context.Background(), model.Envelope{Kind: model.KindWifiSeen, APIdentifier: testAP})
	err := h.Wait(waitCtx(t))
	require.Error(t, err)
	assert.True(t, errors.As(err, &rejected{}))
	assert.Equal(t, 1, poster.attempts)
}

func TestReporterRetriesTransientFailures(t *testing.T) {
	poster := &fakePoster{err: errors.New("connection reset")}
	reporter := NewReporter(poster, reportRoom, testRunner(2))

	h := reporter.Report(context.Background(), model.Envelope{Kind: model.KindRadioSeen, APIdentifier: testAP})
	require.Error(t, h.Wait(waitCtx(t)))

	poster.mu.Lock()
	defer poster.mu.Unlock()
	assert.Equal(t, 3, poster.attempts)
}
