package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/johanzander/growatt-server-upstream/pkg/growatt"
	"github.com/johanzander/growatt-server-upstream/pkg/log"
	"github.com/johanzander/growatt-server-upstream/pkg/session"
	"github.com/johanzander/growatt-server-upstream/pkg/throttle"
	"github.com/johanzander/growatt-server-upstream/pkg/types"
)

var (
	// ErrDowngrade is returned for entries written by a newer version.
	ErrDowngrade = errors.New("entry was written by a newer version")
	// ErrCorruptEntry is returned for entries that can never be set up as-is.
	ErrCorruptEntry = errors.New("corrupt entry")
)

// Migrate brings an entry to CurrentVersion.CurrentMinorVersion. On error the
// entry is returned unchanged and migration is retried on the next start.
//
// A password entry still using the "first plant" marker needs a login to
// resolve its plant. That session is cached under the entry id so the
// following Setup does not log in a second time.
func (s *Service) Migrate(ctx context.Context, e Entry) (Entry, error) {
	ctx = log.WithAttrs(ctx, slog.String("entryID", e.ID))
	log.Ctx(ctx).DebugContext(ctx, "migrating entry", slog.Int("version", e.Version), slog.Int("minorVersion", e.MinorVersion))

	if e.Version > CurrentVersion {
		return e, fmt.Errorf("%w: %d.%d", ErrDowngrade, e.Version, e.MinorVersion)
	}
	if e.Version == CurrentVersion && e.MinorVersion >= CurrentMinorVersion {
		return e, nil
	}

	out := e
	out.Version = CurrentVersion

	creds, added, err := types.DetectAuthType(out.Data)
	switch {
	case err != nil:
		// setup reports the clearer error
		log.Ctx(ctx).WarnContext(ctx, "entry has no authentication fields, setup will fail until it is reconfigured")
	case added:
		out.Data = creds
		log.Ctx(ctx).DebugContext(ctx, "added auth type to entry", slog.String("authType", string(creds.AuthType)))
	}

	if out.Data.PlantID == types.DefaultPlantID {
		switch out.Data.AuthType {
		case types.AuthAPIToken:
			log.Ctx(ctx).ErrorContext(ctx, "token entry uses the default plant id, reconfigure the entry")
			return e, fmt.Errorf("%w: token entry without a plant id", ErrCorruptEntry)
		case types.AuthPassword:
			plantID, err := s.resolvePlant(ctx, out.ID, out.Data)
			if err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to resolve plant id, migration will retry on next start", slog.Any("error", err))
				return e, err
			}
			out.Data.PlantID = plantID
			log.Ctx(ctx).InfoContext(ctx, "migrated entry to a specific plant id", slog.String("plantID", plantID))
		}
	}

	out.MinorVersion = CurrentMinorVersion
	log.Ctx(ctx).DebugContext(ctx, "migration completed", slog.Int("version", out.Version), slog.Int("minorVersion", out.MinorVersion))
	return out, nil
}

func (s *Service) resolvePlant(ctx context.Context, entryID string, creds types.Credentials) (string, error) {
	if creds.Username == "" || creds.Password == "" {
		return "", errors.New("cannot resolve the default plant id without credentials")
	}
	creds.URL, _ = growatt.NormalizeURL(creds.URL)

	client := s.newClassic(creds.URL, creds.Username)
	res, err := throttle.Do(ctx, s.throttle, growatt.LoginCategory, func(ctx context.Context) (growatt.LoginResult, error) {
		return client.Login(ctx, creds.Username, creds.Password)
	})
	if err != nil {
		return "", fmt.Errorf("unable to login to fetch plant id: %w", err)
	}

	plants, err := client.PlantList(ctx, res.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to list plants: %w", err)
	}
	if len(plants) == 0 {
		return "", errors.New("no plants found for this account")
	}

	s.sessions.Put(entryID, session.Session[*growatt.Classic]{
		Handle:      client,
		Credentials: creds,
	})
	log.Ctx(ctx).DebugContext(ctx, "cached logged-in session for setup")
	return plants[0].ID, nil
}
