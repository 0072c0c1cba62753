package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/CiscoSE/serverless-cmx/internal/effect"
	"github.com/CiscoSE/serverless-cmx/internal/model"
)

const codeFence = "```"

// FormatReport renders the whole envelope as one markdown block.
func FormatReport(env model.Envelope) string {
	var b strings.Builder
	b.WriteString("\n")

	switch env.Kind {
	case model.KindWifiSeen:
		fmt.Fprintf(&b, "**Incoming Wi-Fi observations from Meraki AP (%s):**\n%s\n", env.APIdentifier, codeFence)
		for _, obs := range env.Observations {
			writeClientLine(&b, obs, true)
		}
	case model.KindRadioSeen:
		fmt.Fprintf(&b, "**Incoming Bluetooth observations from Meraki AP (%s):**\n%s\n", env.APIdentifier, codeFence)
		for _, obs := range env.Observations {
			writeClientLine(&b, obs, false)
		}
	default:
		fmt.Fprintf(&b, "**Data of unknown origin has arrived....**\n%s null\n", codeFence)
	}

	b.WriteString(codeFence + "\n")
	return b.String()
}

func writeClientLine(b *strings.Builder, obs model.Observation, wifi bool) {
	b.WriteString("Client MAC " + obs.ClientID + " seen at " + obs.SeenAt)

	if wifi {
		if obs.Network == nil {
			b.WriteString(" | Unassociated")
		} else {
			b.WriteString(" | SSID : " + *obs.Network)
		}
		if obs.IPv4 == nil {
			b.WriteString(" | No IP Address")
		} else {
			b.WriteString(" | IPv4 " + *obs.IPv4)
		}
	}

	if obs.SignalStrength != nil {
		b.WriteString(" | RSSI = " + strconv.Itoa(*obs.SignalStrength))
	}
	if obs.OSGuess != nil {
		b.WriteString(" | OS = " + *obs.OSGuess)
	}
	if obs.ManufacturerGuess != nil {
		b.WriteString(" | Manufacturer = " + *obs.ManufacturerGuess)
	}
	b.WriteString("\n")
}

// Reporter posts formatted envelopes to the report room.
type Reporter struct {
	poster Poster
	roomID string
	runner *effect.Runner
}

// NewReporter builds a Reporter posting to roomID.
func NewReporter(poster Poster, roomID string, runner *effect.Runner) *Reporter {
	return &Reporter{poster: poster, roomID: roomID, runner: runner}
}

// Report formats env synchronously and posts the finished block as a single
// message, so one envelope never produces interleaved chat output.
func (r *Reporter) Report(ctx context.Context, env model.Envelope) *effect.Handle {
	markdown := FormatReport(env)
	return r.runner.Go(ctx, "chat.report", func(ctx context.Context) error {
		return classify(r.poster.PostMessage(ctx, r.roomID, markdown))
	}, "ap", env.APIdentifier, "kind", env.Kind)
}
