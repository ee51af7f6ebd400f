package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecode_RejectsMissingTopic(t *testing.T) {
	_, err := Decode([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncode_NilPayloadOmitsField(t *testing.T) {
	data, err := Encode(TopicRequestFullState, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"topic":"requestFullState"}`, string(data))
}

func TestNewEnvelope_RawPayloadPassesThrough(t *testing.T) {
	raw := json.RawMessage(`{"pot":40}`)
	env, err := NewEnvelope(TopicPotUpdate, raw)
	require.NoError(t, err)
	assert.Equal(t, raw, env.Payload)

	_, err = NewEnvelope("", nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeUpdate_Validation(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		wantErr error
	}{
		{"valid pot", TopicPotUpdate, `{"updateId":3,"pot":120}`, nil},
		{"negative pot", TopicPotUpdate, `{"updateId":3,"pot":-1}`, ErrMalformed},
		{"unknown phase", TopicPhaseUpdate, `{"updateId":1,"phase":"dealing"}`, ErrMalformed},
		{"valid phase", TopicPhaseUpdate, `{"updateId":1,"phase":"turn"}`, nil},
		{"player without id", TopicPlayerUpdate, `{"updateId":1,"player":{"chips":10}}`, ErrMalformed},
		{"bet without amount", TopicActionUpdate, `{"updateId":1,"action":{"playerId":"p1","type":"bet"}}`, ErrMalformed},
		{"valid check", TopicActionUpdate, `{"updateId":1,"action":{"playerId":"p1","type":"check"}}`, nil},
		{"bad card", TopicCardUpdate, `{"updateId":1,"cards":["Ah","1x"]}`, ErrMalformed},
		{"empty card update", TopicCardUpdate, `{"updateId":1,"cards":[]}`, ErrMalformed},
		{"replace with no cards", TopicCardUpdate, `{"updateId":1,"cards":[],"replace":true}`, nil},
		{"duplicate players", TopicGameStateUpdate, `{"updateId":1,"players":[{"id":"a"},{"id":"a"}],"pot":0,"phase":"waiting"}`, ErrMalformed},
		{"empty batch", TopicBatchUpdate, `{"updates":[]}`, ErrMalformed},
		{"resolution without record", TopicConflictResolution, `{"conflictId":"c","playerId":"p1"}`, ErrMalformed},
		{"resolution bad strategy", TopicConflictResolution, `{"conflictId":"c","playerId":"p1","strategy":"mine","resolved":{}}`, ErrMalformed},
		{"rejection", TopicActionRejected, `{"actionId":"a1","reason":"not your turn"}`, nil},
		{"not json", TopicPotUpdate, `{`, ErrMalformed},
		{"empty payload", TopicPotUpdate, ``, ErrMalformed},
		{"unknown topic", "chat", `{}`, ErrUnknownTopic},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u, err := DecodeUpdate(tc.topic, json.RawMessage(tc.payload))
			if tc.wantErr != nil {
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				assert.Nil(t, u)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.topic, u.Topic())
		})
	}
}

func TestBatchUpdate_DecodeRejectsNestedBatch(t *testing.T) {
	inner, err := NewEnvelope(TopicBatchUpdate, BatchUpdate{Updates: []Envelope{{Topic: TopicPotUpdate, Payload: json.RawMessage(`{"pot":1}`)}}})
	require.NoError(t, err)
	b := &BatchUpdate{Updates: []Envelope{inner}}

	_, err = b.Decode()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestBatchUpdate_DecodeKeepsOrder(t *testing.T) {
	pot, err := NewEnvelope(TopicPotUpdate, PotUpdate{UpdateID: 4, Pot: 30})
	require.NoError(t, err)
	phase, err := NewEnvelope(TopicPhaseUpdate, PhaseUpdate{UpdateID: 5, Phase: PhaseFlop})
	require.NoError(t, err)

	subs, err := (&BatchUpdate{Updates: []Envelope{pot, phase}}).Decode()
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, int64(4), subs[0].Sequence())
	assert.Equal(t, int64(5), subs[1].Sequence())
}

func TestBatchUpdate_DecodeFailsOnAnyMalformedSubUpdate(t *testing.T) {
	good, err := NewEnvelope(TopicPotUpdate, PotUpdate{UpdateID: 4, Pot: 30})
	require.NoError(t, err)
	bad := Envelope{Topic: TopicPhaseUpdate, Payload: json.RawMessage(`{"updateId":5,"phase":"nope"}`)}

	_, err = (&BatchUpdate{Updates: []Envelope{good, bad}}).Decode()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestConflictResolution_IsUnsequenced(t *testing.T) {
	r := &ConflictResolution{PlayerID: "p1", Resolved: json.RawMessage(`{}`), UpdateID: 9}
	r.SetSequence(12)
	assert.Equal(t, int64(0), r.Sequence())
	assert.Equal(t, int64(9), r.UpdateID)
}

func TestPlayer_CloneIsDeep(t *testing.T) {
	p := Player{ID: "p1", Cards: []string{"Ah", "Kd"}}
	c := p.Clone()
	c.Cards[0] = "2c"
	assert.Equal(t, "Ah", p.Cards[0])
}

func TestIsUpdateTopic(t *testing.T) {
	assert.True(t, IsUpdateTopic(TopicBatchUpdate))
	assert.True(t, IsUpdateTopic(TopicActionRejected))
	assert.False(t, IsUpdateTopic(TopicHeartbeatAck))
	assert.False(t, IsUpdateTopic(TopicGameAction))
}

func TestPropertyValidCard_AcceptsExactlyRankSuitPairs(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringN(0, 3, 3).Draw(t, "card")
		want := len(s) == 2 &&
			containsByte(cardRanks, s[0]) &&
			containsByte(cardSuits, s[1])
		if ValidCard(s) != want {
			t.Fatalf("ValidCard(%q) = %v, want %v", s, !want, want)
		}
	})
}

func TestPropertyValidCard_AllDeckCardsValid(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := rapid.IntRange(0, len(cardRanks)-1).Draw(t, "rank")
		s := rapid.IntRange(0, len(cardSuits)-1).Draw(t, "suit")
		card := string([]byte{cardRanks[r], cardSuits[s]})
		if !ValidCard(card) {
			t.Fatalf("deck card %q rejected", card)
		}
	})
}

func containsByte(set string, b byte) bool {
	for i := 0; i < len(set); i++ {
		if set[i] == b {
			return true
		}
	}
	return false
}
