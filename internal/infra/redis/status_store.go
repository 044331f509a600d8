package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"hackthestudy/internal/domain"
	"hackthestudy/internal/domain/model"
	"hackthestudy/internal/domain/ports/repository"
)

var _ repository.StatusStore = (*StatusStore)(nil)

// StatusStore keeps status:, progress:, error: and heartbeat: keys per session.
type StatusStore struct {
	cli *redis.Client
	ttl time.Duration
}

func NewStatusStore(c *Client, ttl time.Duration) *StatusStore {
	return &StatusStore{cli: c.cli, ttl: ttl}
}

func (s *StatusStore) Publish(ctx context.Context, st model.SessionStatus) error {
	var errPayload []byte
	if st.Error != nil {
		b, err := json.Marshal(st.Error)
		if err != nil {
			return err
		}
		errPayload = b
	}
	_, err := s.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, statusKey(st.SessionID), string(st.State), s.ttl)
		p.Set(ctx, progressKey(st.SessionID), st.Progress, s.ttl)
		if errPayload != nil {
			p.Set(ctx, errorKey(st.SessionID), errPayload, s.ttl)
		} else {
			p.Del(ctx, errorKey(st.SessionID))
		}
		return nil
	})
	return err
}

func (s *StatusStore) Get(ctx context.Context, sessionID string) (*model.SessionStatus, error) {
	vals, err := s.cli.MGet(ctx, statusKey(sessionID), progressKey(sessionID), errorKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	state, ok := vals[0].(string)
	if !ok || state == "" {
		return nil, domain.ErrNotFound
	}
	st := &model.SessionStatus{SessionID: sessionID, State: model.JobState(state)}
	if p, ok := vals[1].(string); ok {
		st.Progress, _ = strconv.Atoi(p)
	}
	if e, ok := vals[2].(string); ok && e != "" {
		var se model.StatusError
		if err := json.Unmarshal([]byte(e), &se); err != nil {
			return nil, err
		}
		st.Error = &se
	}
	return st, nil
}

func (s *StatusStore) Heartbeat(ctx context.Context, sessionID string, at time.Time) error {
	return s.cli.Set(ctx, heartbeatKey(sessionID), at.UnixMilli(), s.ttl).Err()
}

func (s *StatusStore) LastHeartbeat(ctx context.Context, sessionID string) (time.Time, bool, error) {
	ms, err := s.cli.Get(ctx, heartbeatKey(sessionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *StatusStore) Purge(ctx context.Context, sessionID string) error {
	return s.cli.Del(ctx,
		statusKey(sessionID), progressKey(sessionID), errorKey(sessionID), heartbeatKey(sessionID),
	).Err()
}
