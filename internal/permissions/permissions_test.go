package permissions

import (
	"context"
	"errors"
	"testing"

	"relaycast/internal/models"
)

type fakeGrants struct {
	streams  map[string][]models.StreamShare
	accounts map[string][]models.AccountShare
	err      error
}

func (f fakeGrants) StreamShares(_ context.Context, id string) ([]models.StreamShare, error) {
	return f.streams[id], f.err
}

func (f fakeGrants) AccountShares(_ context.Context, id string) ([]models.AccountShare, error) {
	return f.accounts[id], f.err
}

func TestForStream(t *testing.T) {
	grants := fakeGrants{streams: map[string][]models.StreamShare{
		"s1": {
			{StreamID: "s1", UserID: "viewer", Level: 1},
			{StreamID: "s1", UserID: "editor", Level: 1},
			{StreamID: "s1", UserID: "editor", Level: 2},
			{StreamID: "s1", UserID: "overgranted", Level: 9},
			{StreamID: "s1", UserID: "negative", Level: -3},
		},
	}}
	resolver := NewResolver(grants, nil)
	stream := models.Stream{ID: "s1", OwnerID: "owner"}

	tests := []struct {
		user      string
		want      Levels
		canView   bool
		canManage bool
	}{
		{user: "owner", want: Levels{2, 2}, canView: true, canManage: true},
		{user: "editor", want: Levels{2, 2}, canView: true, canManage: true},
		{user: "viewer", want: Levels{1, 1}, canView: true},
		{user: "overgranted", want: Levels{2, 2}, canView: true, canManage: true},
		{user: "negative", want: Levels{0, 0}},
		{user: "stranger", want: Levels{0, 0}},
		{user: "", want: Levels{0, 0}},
	}
	for _, tc := range tests {
		t.Run(tc.user, func(t *testing.T) {
			got, err := resolver.ForStream(context.Background(), tc.user, stream)
			if err != nil {
				t.Fatalf("ForStream: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
			if got.CanView() != tc.canView || got.CanManage() != tc.canManage {
				t.Fatalf("unexpected view/manage %v/%v", got.CanView(), got.CanManage())
			}
		})
	}
}

func TestForAccountHonoursSharingPolicy(t *testing.T) {
	grants := fakeGrants{accounts: map[string][]models.AccountShare{
		"a1": {{AccountID: "a1", UserID: "friend", Level: 2}},
		"a2": {{AccountID: "a2", UserID: "friend", Level: 2}},
	}}
	resolver := NewResolver(grants, func(network string) bool { return network == "rtmp" })

	shared, err := resolver.ForAccount(context.Background(), "friend", models.Account{ID: "a1", Network: "rtmp", OwnerID: "owner"})
	if err != nil {
		t.Fatalf("ForAccount: %v", err)
	}
	if !shared.CanManage() {
		t.Fatalf("expected shared grant to apply, got %+v", shared)
	}

	private, err := resolver.ForAccount(context.Background(), "friend", models.Account{ID: "a2", Network: "tube", OwnerID: "owner"})
	if err != nil {
		t.Fatalf("ForAccount: %v", err)
	}
	if private != (Levels{}) {
		t.Fatalf("expected grant to be ignored, got %+v", private)
	}

	owner, _ := resolver.ForAccount(context.Background(), "owner", models.Account{ID: "a2", Network: "tube", OwnerID: "owner"})
	if owner != ownerLevels {
		t.Fatalf("expected owner levels, got %+v", owner)
	}
}

func TestRequireHelpers(t *testing.T) {
	grants := fakeGrants{streams: map[string][]models.StreamShare{"s1": {{StreamID: "s1", UserID: "viewer", Level: 1}}}}
	resolver := NewResolver(grants, nil)
	stream := models.Stream{ID: "s1", OwnerID: "owner"}
	ctx := context.Background()

	if err := resolver.RequireStreamManage(ctx, "owner", stream); err != nil {
		t.Fatalf("owner should manage: %v", err)
	}
	if err := resolver.RequireStreamView(ctx, "viewer", stream); err != nil {
		t.Fatalf("viewer should view: %v", err)
	}
	if err := resolver.RequireStreamManage(ctx, "viewer", stream); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := resolver.RequireAccountManage(ctx, "viewer", models.Account{ID: "a", OwnerID: "owner"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestGrantErrorsPropagate(t *testing.T) {
	resolver := NewResolver(fakeGrants{err: errors.New("boom")}, func(string) bool { return true })
	if _, err := resolver.ForStream(context.Background(), "u", models.Stream{ID: "s", OwnerID: "o"}); err == nil {
		t.Fatal("expected stream share error")
	}
	if _, err := resolver.ForAccount(context.Background(), "u", models.Account{ID: "a", OwnerID: "o"}); err == nil {
		t.Fatal("expected account share error")
	}
}
