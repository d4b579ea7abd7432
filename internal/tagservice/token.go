package tagservice

import "fmt"

// Token returns the current API bearer token, or the empty string when
// none is set. Also serves as the HTTP client's token source.
func (s *Service) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// SetToken persists a new API bearer token and makes it effective for all
// subsequent requests.
func (s *Service) SetToken(token string) error {
	if err := s.tokens.Save(token); err != nil {
		return fmt.Errorf("failed to persist API token: %w", err)
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return nil
}
