package tagservice

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// appRefreshTimeout bounds the follow-up application refresh kicked off
// after a state change.
const appRefreshTimeout = 2 * time.Minute

// appState is the payload of an application state change request
type appState struct {
	State string `json:"state"`
}

// StartApp asks the region API to start an application
func (s *Service) StartApp(ctx context.Context, guid string) error {
	return s.setAppState(ctx, guid, "STARTED")
}

// StopApp asks the region API to stop an application
func (s *Service) StopApp(ctx context.Context, guid string) error {
	return s.setAppState(ctx, guid, "STOPPED")
}

func (s *Service) setAppState(ctx context.Context, guid, state string) error {
	url, err := s.appURL(guid, "")
	if err != nil {
		return err
	}

	if _, err := s.client.Put(ctx, url, appState{State: state}); err != nil {
		s.reportError(fmt.Errorf("failed to set application %s to %s: %w", guid, state, err))
		return err
	}

	s.logger.Info("Application state changed", "guid", guid, "state", state)
	s.refreshAppsAsync()
	return nil
}

// KillFirstAppInstance terminates instance 0 of an application. The
// platform restarts it, which is the closest thing to a targeted restart
// the API offers.
func (s *Service) KillFirstAppInstance(ctx context.Context, guid string) error {
	url, err := s.appURL(guid, "/instances/0")
	if err != nil {
		return err
	}

	if _, err := s.client.Delete(ctx, url); err != nil {
		s.reportError(fmt.Errorf("failed to kill instance 0 of application %s: %w", guid, err))
		return err
	}

	s.logger.Info("Application instance killed", "guid", guid)
	s.refreshAppsAsync()
	return nil
}

// appURL builds the regional URL of an application, from the region the
// entity was fetched from.
func (s *Service) appURL(guid, suffix string) (string, error) {
	entity := s.Taggable(guid)
	if entity == nil {
		return "", fmt.Errorf("unknown application %s", guid)
	}
	return s.apiRoot + "/" + entity.Region + "/v2/apps/" + guid + suffix, nil
}

// refreshAppsAsync re-fetches applications in the background so the cache
// catches up with the state change. An already running refresh is fine,
// the next one will observe the new state.
func (s *Service) refreshAppsAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), appRefreshTimeout)
		defer cancel()

		if err := s.RefreshApps(ctx); err != nil && !errors.Is(err, ErrRefreshInFlight) {
			s.logger.Error(err, "Post-operation application refresh failed")
		}
	}()
}
