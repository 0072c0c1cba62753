package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/CiscoSE/serverless-cmx/internal/effect"
	"github.com/CiscoSE/serverless-cmx/internal/model"
)

// NPSCategories are the net promoter buckets a loyalty block may report.
var NPSCategories = []string{"Detractor", "Passive", "Promoter"}

const (
	orderRefBase  = 100000000
	orderRefRange = 1000000000
)

// Rand is the randomness source used when enriching action messages.
type Rand interface {
	Intn(n int) int
}

type globalRand struct{}

func (globalRand) Intn(n int) int { return rand.Intn(n) }

// DefaultRand draws from the runtime's shared, concurrency-safe generator.
var DefaultRand Rand = globalRand{}

// FormatAction renders the staff notification for a matched customer.
func FormatAction(event model.MatchEvent, rnd Rand) string {
	c := event.Customer

	var b strings.Builder
	fmt.Fprintf(&b, "\n  >**Customer in-store:** %s %s, phone number: %s, email: %s\n",
		c.FirstName, c.Surname, c.PhoneNumber, c.Email)

	if c.LoyaltyMember {
		nps := NPSCategories[rnd.Intn(len(NPSCategories))]
		fmt.Fprintf(&b, "\n\n  **Loyalty Scheme Member** %s %s. Points = 578, Annual Spend = £156, Net Promotor = %s\n",
			c.FirstName, c.Surname, nps)
	}

	if c.ClickAndCollect {
		order := orderRefBase + rnd.Intn(orderRefRange)
		fmt.Fprintf(&b, "\n\n  **Click & Collect Customer** %s %s has an online order ready for collection ref: OL%d\n",
			c.FirstName, c.Surname, order)
	}

	return b.String()
}

// ActionHandler consumes match events and notifies the action room.
type ActionHandler struct {
	poster Poster
	roomID string
	rnd    Rand
	runner *effect.Runner
	logger *slog.Logger
}

// NewActionHandler builds an ActionHandler. A nil rnd selects DefaultRand.
func NewActionHandler(poster Poster, roomID string, rnd Rand, runner *effect.Runner, logger *slog.Logger) *ActionHandler {
	if rnd == nil {
		rnd = DefaultRand
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionHandler{poster: poster, roomID: roomID, rnd: rnd, runner: runner, logger: logger}
}

// Handle decodes one published MatchEvent and posts the rendered message.
func (h *ActionHandler) Handle(ctx context.Context, raw []byte) (*effect.Handle, error) {
	var event model.MatchEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		h.logger.Warn("discarding undecodable match event", "error", err)
		return nil, fmt.Errorf("decode match event: %w", err)
	}

	h.logger.Info("customer-detected",
		"customer", event.Customer.Surname,
		"loyalty", event.Customer.LoyaltyMember,
		"click_and_collect", event.Customer.ClickAndCollect,
	)

	markdown := FormatAction(event, h.rnd)
	return h.runner.Go(ctx, "chat.action", func(ctx context.Context) error {
		return classify(h.poster.PostMessage(ctx, h.roomID, markdown))
	}, "customer_id", event.Customer.ID), nil
}
