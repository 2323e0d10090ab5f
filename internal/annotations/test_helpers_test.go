package annotations

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/store"
	"github.com/MarcoPoloResearchLab/framemark/internal/users"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(startMillis int64) *manualClock {
	return &manualClock{now: time.UnixMilli(startMillis)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(millis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(millis)
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("id-%04d", s.next), nil
}

type fixture struct {
	store *store.Store
	repos *Repositories
	clock *manualClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	handle, err := store.Open(filepath.Join(t.TempDir(), "annotations.db"), store.Options{})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = handle.Close()
	})
	if err := handle.Reader(context.Background()).AutoMigrate(
		&users.LocalUser{}, &Video{}, &Session{}, &Comment{}, &Stroke{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	clock := newManualClock(1_700_000_000_000)
	repos, err := NewRepositories(ServiceConfig{
		Store:      handle,
		Clock:      clock.Now,
		IDProvider: &sequenceIDs{},
	})
	if err != nil {
		t.Fatalf("failed to create repositories: %v", err)
	}
	return &fixture{store: handle, repos: repos, clock: clock}
}

// session seeds a user and a video and returns their session.
func (f *fixture) session(t *testing.T, userID, uri string) *Session {
	t.Helper()
	ctx := context.Background()
	userRepository, err := users.NewRepository(users.RepositoryConfig{Store: f.store, Clock: f.clock.Now})
	if err != nil {
		t.Fatalf("failed to create user repository: %v", err)
	}
	if _, err := userRepository.Upsert(ctx, users.LocalUser{ID: userID, Name: "Annotator " + userID}); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	video, err := f.repos.Videos.Ensure(ctx, uri, "Clip")
	if err != nil {
		t.Fatalf("failed to ensure video: %v", err)
	}
	session, err := f.repos.Sessions.GetOrCreate(ctx, userID, video.ID)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session
}

func millisPtr(value float64) *float64 {
	return &value
}
