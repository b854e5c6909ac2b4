package event_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pipehop/backend/internal/domain"
	"github.com/pipehop/backend/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	tests := map[string]struct {
		published []event.Event
		subscribe map[string][]string // subscriber -> event names
		want      map[string][]string // subscriber -> received event names
	}{
		"subscriber receives only its event": {
			published: []event.Event{
				domain.EventScoreAccepted{Score: domain.ScoreRecord{PlayerID: "p1"}},
				domain.EventScoreFlagged{PlayerID: "p1"},
			},
			subscribe: map[string][]string{
				"s1": {domain.EventNameScoreAccepted},
			},
			want: map[string][]string{
				"s1": {domain.EventNameScoreAccepted},
			},
		},

		"every publish is dispatched": {
			published: []event.Event{
				domain.EventScoreAccepted{Score: domain.ScoreRecord{PlayerID: "p1"}},
				domain.EventScoreAccepted{Score: domain.ScoreRecord{PlayerID: "p2"}},
			},
			subscribe: map[string][]string{
				"s1": {domain.EventNameScoreAccepted},
			},
			want: map[string][]string{
				"s1": {domain.EventNameScoreAccepted, domain.EventNameScoreAccepted},
			},
		},

		"fan-out to multiple subscribers": {
			published: []event.Event{
				domain.EventLeaderboardUpdated{},
			},
			subscribe: map[string][]string{
				"bot":     {domain.EventNameLeaderboardUpdated},
				"metrics": {domain.EventNameLeaderboardUpdated, domain.EventNameScoreFlagged},
			},
			want: map[string][]string{
				"bot":     {domain.EventNameLeaderboardUpdated},
				"metrics": {domain.EventNameLeaderboardUpdated},
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var (
				mu       sync.Mutex
				received = make(map[string][]string)
			)

			b := event.NewBus()
			for sub, names := range tt.subscribe {
				sub := sub
				for _, n := range names {
					b.Subscribe(n, func(ctx context.Context, e event.Event) error {
						mu.Lock()
						received[sub] = append(received[sub], e.Name())
						mu.Unlock()
						return nil
					})
				}
			}

			for _, e := range tt.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			for sub, names := range tt.want {
				assert.ElementsMatch(t, names, received[sub], "subscriber %s", sub)
			}
		})
	}
}

func TestBus_HandlerPanicDoesNotKillBus(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)

	b := event.NewBus()
	b.Subscribe(domain.EventNameScoreAccepted, func(ctx context.Context, e event.Event) error {
		panic("boom")
	})
	b.Subscribe(domain.EventNameScoreAccepted, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		got = append(got, e.Name())
		mu.Unlock()
		return nil
	})

	b.Publish(context.Background(), domain.EventScoreAccepted{})
	b.Publish(context.Background(), domain.EventScoreAccepted{})
	b.Stop()

	assert.Len(t, got, 2)
}
