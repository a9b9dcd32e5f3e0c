package coordinator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/johanzander/growatt-server-upstream/pkg/growatt"
	"github.com/johanzander/growatt-server-upstream/pkg/log"
	"github.com/johanzander/growatt-server-upstream/pkg/throttle"
	"github.com/johanzander/growatt-server-upstream/pkg/types"
)

// ClassicSession is the one logged-in classic client shared by every
// coordinator of an entry.
type ClassicSession struct {
	client   *growatt.Classic
	creds    types.Credentials
	throttle *throttle.Manager

	mu  sync.Mutex
	gen uint64
}

// NewClassicSession wraps an already logged-in client.
func NewClassicSession(client *growatt.Classic, creds types.Credentials, tm *throttle.Manager) *ClassicSession {
	return &ClassicSession{
		client:   client,
		creds:    creds,
		throttle: tm,
	}
}

// Client returns the underlying client.
func (s *ClassicSession) Client() *growatt.Classic {
	return s.client
}

// Generation changes every time the session logs in again.
func (s *ClassicSession) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Relogin logs in again through the throttle unless another coordinator
// already did so since seen was read.
func (s *ClassicSession) Relogin(ctx context.Context, seen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != seen {
		return nil
	}

	log.Ctx(ctx).InfoContext(ctx, "growatt session expired, logging in again", slog.String("username", s.creds.Username))
	_, err := throttle.Do(ctx, s.throttle, growatt.LoginCategory, func(ctx context.Context) (growatt.LoginResult, error) {
		return s.client.Login(ctx, s.creds.Username, s.creds.Password)
	})
	if err != nil {
		return err
	}
	s.gen++
	return nil
}
