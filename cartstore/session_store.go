// cartstore/session_store.go

package cartstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SessionStore は訪問者セッション 1 つに紐づく KeyValueStore です
type SessionStore struct {
	backend   SessionBackend
	sessionID string
	log       logrus.FieldLogger
}

// NewSessionStore は backend を sessionID のセッションに紐づけます
func NewSessionStore(backend SessionBackend, sessionID string, log logrus.FieldLogger) *SessionStore {
	return &SessionStore{
		backend:   backend,
		sessionID: sessionID,
		log:       log.WithField("session", sessionID),
	}
}

// SessionID は紐づいているセッション ID を返します
func (s *SessionStore) SessionID() string {
	return s.sessionID
}

func (s *SessionStore) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.backend.Get(ctx, s.sessionID, key)
	if err != nil {
		return false, errors.Wrapf(err, "session has %q", key)
	}
	return ok, nil
}

func (s *SessionStore) Get(ctx context.Context, key string) (string, error) {
	v, ok, err := s.backend.Get(ctx, s.sessionID, key)
	if err != nil {
		return "", errors.Wrapf(err, "session get %q", key)
	}
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// Set は ttl を無視します。値はセッションと同じ期間だけ保持されます
func (s *SessionStore) Set(ctx context.Context, key, value string, _ time.Duration) error {
	s.log.Debugf("SessionStore: Set called (key=%s, bytes=%d)", key, len(value))
	if err := s.backend.Set(ctx, s.sessionID, key, value); err != nil {
		return errors.Wrapf(err, "session set %q", key)
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, key string) error {
	s.log.Debugf("SessionStore: Delete called (key=%s)", key)
	if err := s.backend.Delete(ctx, s.sessionID, key); err != nil {
		return errors.Wrapf(err, "session delete %q", key)
	}
	return nil
}
