package sync

import (
	"context"
	"testing"
	"time"

	"github.com/JohanCodinha/glyph/internal/gh"
)

func TestPollerEmitsOnChange(t *testing.T) {
	engine, _, server := testEngine(t)
	server.AddIssue(serverIssue(1, time.Now()))

	poller := NewPoller(engine, 20*time.Millisecond, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		poller.Run(ctx)
		close(done)
	}()

	select {
	case event := <-poller.Events():
		if event.Resource != ResourceItems || event.Outcome != Updated {
			t.Errorf("unexpected event: %+v", event)
		}
		if event.Repo != "owner/repo" {
			t.Errorf("unexpected repo: %q", event.Repo)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the initial items event")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop on cancel")
	}
}

func TestPollerUnchangedCyclesAreSilent(t *testing.T) {
	engine, _, server := testEngine(t)
	server.AddIssue(serverIssue(1, time.Now()))
	if _, err := engine.SyncItems(context.Background()); err != nil {
		t.Fatal(err)
	}

	poller := NewPoller(engine, 10*time.Millisecond, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	poller.Run(ctx)

	select {
	case event := <-poller.Events():
		t.Fatalf("expected no events for unchanged polls, got %+v", event)
	default:
	}
}

func TestPollerDetailFollowsActiveItem(t *testing.T) {
	engine, db, server := testEngine(t)
	server.AddIssue(serverIssue(1, time.Now()))
	if _, err := engine.SyncItems(context.Background()); err != nil {
		t.Fatal(err)
	}
	server.SetComments(1, []gh.Comment{
		{ID: 10, User: gh.User{Login: "a"}, Body: "hey", CreatedAt: time.Now(), UpdatedAt: time.Now()},
	})

	poller := NewPoller(engine, time.Hour, 20*time.Millisecond)
	poller.SetActiveItem(1, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-poller.Events():
			if event.Resource != "comments" {
				continue
			}
			repoID, _ := engine.EnsureRepository(context.Background())
			comments, err := db.ListComments(repoID, 1)
			if err != nil {
				t.Fatal(err)
			}
			if len(comments) != 1 {
				t.Fatalf("expected the detail poll to cache the comment, got %d", len(comments))
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for a comments event")
		}
	}
}
