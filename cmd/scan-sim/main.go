// Command scan-sim posts simulated scanning API envelopes to the relay's
// webhook, or publishes them straight onto the scanning topic.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/CiscoSE/serverless-cmx/internal/crm"
	"github.com/CiscoSE/serverless-cmx/internal/model"
)

type options struct {
	webhookURL string
	secret     string
	brokerURL  string
	project    string
	kind       string
	apMAC      string
	clients    []string
	interval   time.Duration
	count      int
	baseRSSI   int
	rssiJitter int
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options

	flagSet := pflag.NewFlagSet("scan-sim", pflag.ContinueOnError)
	flagSet.StringVar(&opts.webhookURL, "url", "http://localhost:8080/api/scanning", "webhook URL to post envelopes to")
	flagSet.StringVar(&opts.secret, "secret", os.Getenv("CMX_SHARED_SECRET"), "shared secret embedded in each envelope")
	flagSet.StringVar(&opts.brokerURL, "broker", "", "publish directly to this MQTT broker instead of the webhook")
	flagSet.StringVar(&opts.project, "project", "serverless-cmx", "project used to build the scanning topic")
	flagSet.StringVar(&opts.kind, "type", "wifi", "envelope type: wifi, bluetooth or both")
	flagSet.StringVar(&opts.apMAC, "ap", "00:18:0a:13:dd:b0", "reporting access point MAC")
	flagSet.StringSliceVar(&opts.clients, "client", nil, "client MAC to report (repeatable; default: every seeded customer plus a stranger)")
	flagSet.DurationVar(&opts.interval, "interval", 5*time.Second, "interval between envelopes")
	flagSet.IntVarP(&opts.count, "count", "n", 0, "number of envelopes to send (0 means until interrupted)")
	flagSet.IntVar(&opts.baseRSSI, "base-rssi", -60, "baseline RSSI to simulate")
	flagSet.IntVar(&opts.rssiJitter, "rssi-jitter", 6, "maximum random jitter applied to RSSI")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	vendorTypes, err := vendorTypesFor(opts.kind)
	if err != nil {
		return err
	}
	if len(opts.clients) == 0 {
		opts.clients = defaultClients()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	send, closeSender, err := newSender(opts, logger)
	if err != nil {
		return err
	}
	defer closeSender()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()

	sent := 0
	for {
		for _, vendorType := range vendorTypes {
			env := buildEnvelope(vendorType, opts, time.Now().UTC(), rand.Intn)
			payload, err := json.Marshal(env)
			if err != nil {
				return fmt.Errorf("encode envelope: %w", err)
			}
			if err := send(ctx, payload); err != nil {
				logger.Warn("send failed", "type", vendorType, "error", err)
				continue
			}
			logger.Info("envelope sent", "type", vendorType, "observations", len(env.Data.Observations))
		}

		sent++
		if opts.count > 0 && sent >= opts.count {
			return nil
		}

		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal")
			return nil
		case <-ticker.C:
		}
	}
}

func vendorTypesFor(kind string) ([]string, error) {
	switch strings.ToLower(kind) {
	case "wifi":
		return []string{model.TypeDevicesSeen}, nil
	case "bluetooth":
		return []string{model.TypeBluetoothDevicesSeen}, nil
	case "both":
		return []string{model.TypeDevicesSeen, model.TypeBluetoothDevicesSeen}, nil
	default:
		return nil, fmt.Errorf("unknown --type %q (want wifi, bluetooth or both)", kind)
	}
}

func defaultClients() []string {
	var macs []string
	for _, c := range crm.Customers() {
		macs = append(macs, c.ClientID)
	}
	return append(macs, "aa:bb:cc:dd:ee:ff")
}

// buildEnvelope fills one observation per client. Every other client is
// reported unassociated so both report variants show up.
func buildEnvelope(vendorType string, opts options, now time.Time, intn func(int) int) model.WireEnvelope {
	env := model.WireEnvelope{
		Version: "2.0",
		Secret:  opts.secret,
		Type:    vendorType,
		Data:    model.WireData{APMac: opts.apMAC},
	}

	for i, mac := range opts.clients {
		rssi := opts.baseRSSI
		if opts.rssiJitter > 0 {
			rssi += intn(opts.rssiJitter*2+1) - opts.rssiJitter
		}
		obs := model.Observation{
			ClientID:       mac,
			SeenAt:         now.Format(time.RFC3339),
			SeenAtEpoch:    now.Unix(),
			SignalStrength: &rssi,
		}
		if vendorType == model.TypeDevicesSeen && i%2 == 0 {
			ssid := "store-guest"
			ipv4 := fmt.Sprintf("/10.10.20.%d", 10+i)
			obs.Network = &ssid
			obs.IPv4 = &ipv4
		}
		if vendorType == model.TypeDevicesSeen {
			manufacturer := "Apple"
			obs.ManufacturerGuess = &manufacturer
		}
		env.Data.Observations = append(env.Data.Observations, obs)
	}
	return env
}

type sendFunc func(ctx context.Context, payload []byte) error

func newSender(opts options, logger *slog.Logger) (sendFunc, func(), error) {
	if opts.brokerURL == "" {
		client := &http.Client{Timeout: 10 * time.Second}
		return func(ctx context.Context, payload []byte) error {
			return postWebhook(ctx, client, opts.webhookURL, payload)
		}, func() {}, nil
	}

	topic := "projects/" + opts.project + "/topics/scanning-api-post"
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.brokerURL).
		SetClientID("scan-sim-" + uuid.NewString()).
		SetOrderMatters(false)

	client := mqtt.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, nil, fmt.Errorf("connect to broker: %w", token.Error())
	}
	logger.Info("connected to MQTT broker", "broker", opts.brokerURL, "topic", topic)

	send := func(_ context.Context, payload []byte) error {
		token := client.Publish(topic, 0, false, payload)
		token.Wait()
		return token.Error()
	}
	return send, func() { client.Disconnect(250) }, nil
}

func postWebhook(ctx context.Context, client *http.Client, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `scan-sim posts simulated Meraki scanning API envelopes.

By default every seeded customer MAC plus one unknown device is reported
from a single access point every --interval. With --broker the envelopes
skip the webhook and go straight onto the scanning topic.

Usage:
  scan-sim [flags]

Flags:
`)
	flagSet.PrintDefaults()
}
