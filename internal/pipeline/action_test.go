package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CiscoSE/serverless-cmx/internal/model"
)

func wilma() model.CustomerRecord {
	return model.CustomerRecord{
		ID:              "cust-wilma",
		ClientID:        "ec:9b:f3:69:f7:22",
		FirstName:       "Wilma",
		Surname:         "Flintstone",
		Email:           "wilma@yahoo.com",
		PhoneNumber:     "07917073876",
		LoyaltyMember:   true,
		ClickAndCollect: true,
	}
}

func TestFormatActionWithBothEnrichments(t *testing.T) {
	rnd := &seqRand{values: []int{2, 5}}

	got := FormatAction(model.MatchEvent{Customer: wilma()}, rnd)

	want := "\n  >**Customer in-store:** Wilma Flintstone, phone number: 07917073876, email: wilma@yahoo.com\n" +
		"\n\n  **Loyalty Scheme Member** Wilma Flintstone. Points = 578, Annual Spend = £156, Net Promotor = Promoter\n" +
		"\n\n  **Click & Collect Customer** Wilma Flintstone has an online order ready for collection ref: OL100000005\n"
	assert.Equal(t, want, got)
	assert.Equal(t, []int{3, 1000000000}, rnd.bounds)
}

func TestFormatActionHeaderOnly(t *testing.T) {
	fred := model.CustomerRecord{
		FirstName:   "Fred",
		Surname:     "Flintstone",
		Email:       "fred.flintstone@gmail.com",
		PhoneNumber: "07815453982",
	}
	rnd := &seqRand{}

	got := FormatAction(model.MatchEvent{Customer: fred}, rnd)
	assert.Equal(t, "\n  >**Customer in-store:** Fred Flintstone, phone number: 07815453982, email: fred.flintstone@gmail.com\n", got)
	assert.Empty(t, rnd.bounds, "no randomness drawn without enrichments")
}

func TestFormatActionClickAndCollectOnly(t *testing.T) {
	stoney := model.CustomerRecord{FirstName: "Stoney", Surname: "Curtis", ClickAndCollect: true}

	got := FormatAction(model.MatchEvent{Customer: stoney}, &seqRand{values: []int{999999999}})
	assert.NotContains(t, got, "Loyalty")
	assert.True(t, strings.HasSuffix(got, "ref: OL1099999999\n"))
}

func TestDefaultRandStaysInRange(t *testing.T) {
	for i := 0; i < 50; i++ {
		got := FormatAction(model.MatchEvent{Customer: wilma()}, DefaultRand)

		matched := 0
		for _, nps := range NPSCategories {
			if strings.Contains(got, "Net Promotor = "+nps+"\n") {
				matched++
			}
		}
		require.Equal(t, 1, matched, got)

		idx := strings.Index(got, "ref: OL")
		require.Positive(t, idx)
		ref := strings.TrimSuffix(got[idx+len("ref: OL"):], "\n")
		assert.GreaterOrEqual(t, len(ref), 9)
		assert.LessOrEqual(t, len(ref), 10)
	}
}

func TestActionHandlerPostsToActionRoom(t *testing.T) {
	poster := &fakePoster{}
	handler := NewActionHandler(poster, actionRoom, &seqRand{values: []int{0, 0}}, testRunner(0), discardLogger())

	payload, err := json.Marshal(model.MatchEvent{Customer: wilma(), APIdentifier: testAP, SeenAtEpoch: 1})
	require.NoError(t, err)

	h, err := handler.Handle(context.Background(), payload)
	require.NoError(t, err)
	require.NoError(t, h.Wait(waitCtx(t)))

	messages := poster.all()
	require.Len(t, messages, 1)
	assert.Equal(t, actionRoom, messages[0].roomID)
	assert.Contains(t, messages[0].markdown, "Net Promotor = Detractor")
	assert.Contains(t, messages[0].markdown, "ref: OL100000000")
}

func TestActionHandlerRejectsGarbage(t *testing.T) {
	poster := &fakePoster{}
	handler := NewActionHandler(poster, actionRoom, nil, testRunner(0), discardLogger())

	h, err := handler.Handle(context.Background(), []byte("not json"))
	require.Error(t, err)
	assert.Nil(t, h)
	assert.Empty(t, poster.all())
}
