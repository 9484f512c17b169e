package chat

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/andy6609/chatd/internal/metrics"
)

// Auth is the set of usernames bound to a live session. It is an admission
// gate only: secrets are never checked.
type Auth struct {
	mu     sync.Mutex
	users  map[string]struct{}
	logger *slog.Logger
}

func NewAuth(logger *slog.Logger) *Auth {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auth{
		users:  make(map[string]struct{}),
		logger: logger,
	}
}

// TryLogin records username if no other session holds it. The check and the
// insert happen under one lock.
func (a *Auth) TryLogin(username string) error {
	if strings.TrimSpace(username) == "" {
		return ErrUsernameInvalid
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.users[username]; exists {
		return ErrUsernameTaken
	}
	a.users[username] = struct{}{}
	metrics.ActiveUsers.Set(float64(len(a.users)))

	a.logger.Info("user registered", "username", username)
	return nil
}

// Logout releases username. Unknown names are ignored.
func (a *Auth) Logout(username string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.users[username]; !ok {
		return
	}
	delete(a.users, username)
	metrics.ActiveUsers.Set(float64(len(a.users)))

	a.logger.Info("user left", "username", username)
}

func (a *Auth) Active(username string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.users[username]
	return ok
}

func (a *Auth) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.users)
}
