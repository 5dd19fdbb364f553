package grains

//go:generate go run github.com/jaym/goor/goor-gen -out grains.goor.go .

import (
	"context"

	"github.com/jaym/goor/goor-gen/goor"
	"github.com/jaym/goor/grain"
)

const timelineLength = 10

type Chirper interface {
	goor.Grain

	// Publish counts a message from this user and returns who should
	// receive it.
	Publish(ctx context.Context, msg string) ([]string, error)
	Follow(ctx context.Context, follower string) error
	Receive(ctx context.Context, from string, msg string) error
	Timeline(ctx context.Context) ([]string, error)
}

type chirperState struct {
	Followers []string `json:"followers"`
	Published int      `json:"published"`
	Timeline  []string `json:"timeline"`
}

type chirperGrain struct {
	grain.Stateful[chirperState]
}

func NewChirper(ctx context.Context, identity grain.Identity, services grain.Services) (Chirper, error) {
	return &chirperGrain{
		Stateful: grain.NewStateful[chirperState](identity, services),
	}, nil
}

func (g *chirperGrain) Publish(ctx context.Context, msg string) ([]string, error) {
	st := g.State()
	st.Published++
	g.SetState(st)
	g.Logger().Info("published", "user", g.Key(), "count", st.Published)
	return append([]string(nil), st.Followers...), nil
}

func (g *chirperGrain) Follow(ctx context.Context, follower string) error {
	st := g.State()
	for _, f := range st.Followers {
		if f == follower {
			return nil
		}
	}
	st.Followers = append(st.Followers, follower)
	g.SetState(st)
	return nil
}

func (g *chirperGrain) Receive(ctx context.Context, from string, msg string) error {
	st := g.State()
	st.Timeline = append(st.Timeline, from+": "+msg)
	if len(st.Timeline) > timelineLength {
		st.Timeline = st.Timeline[len(st.Timeline)-timelineLength:]
	}
	g.SetState(st)
	return nil
}

func (g *chirperGrain) Timeline(ctx context.Context) ([]string, error) {
	return append([]string(nil), g.State().Timeline...), nil
}
