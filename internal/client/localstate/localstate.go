// Package localstate — локальное персистентное состояние клиента на pebble:
// реквизиты сессии между запусками процесса и офлайн-очередь событий
// активности, которая периодически сливается батчами в REST API.
package localstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/timeslice/internal/model"
)

const (
	sessionKey     = "session/current"
	activityPrefix = "activity/"
)

var ErrNoSession = errors.New("localstate: no saved session")

// seq разводит события с одинаковым наносекундным timestamp в ключах очереди.
var seq uint64

type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("localstate open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// SaveSession сохраняет сериализованные реквизиты сессии (перезаписывает
// предыдущие: живая сессия всегда одна).
func (s *Store) SaveSession(data []byte) error {
	if err := s.db.Set([]byte(sessionKey), data, pebble.Sync); err != nil {
		return fmt.Errorf("localstate save session: %w", err)
	}
	return nil
}

func (s *Store) LoadSession() ([]byte, error) {
	val, closer, err := s.db.Get([]byte(sessionKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("localstate load session: %w", err)
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

func (s *Store) ClearSession() error {
	if err := s.db.Delete([]byte(sessionKey), pebble.Sync); err != nil {
		return fmt.Errorf("localstate clear session: %w", err)
	}
	return nil
}

// EnqueueActivity кладёт событие в офлайн-очередь. Ключ сортируется по
// времени вставки, поэтому Drain отдаёт события в порядке записи.
func (s *Store) EnqueueActivity(ev model.ActivityEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("localstate enqueue: %w", err)
	}
	ts := time.Now().UTC().UnixNano()
	n := atomic.AddUint64(&seq, 1)
	key := fmt.Sprintf("%s%020d-%06d", activityPrefix, ts, n)
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("localstate enqueue: %w", err)
	}
	return nil
}

// Drain читает до max событий с начала очереди, не удаляя их. Вернувшиеся
// ключи передаются в Ack после успешной доставки батча; недоставленный батч
// остаётся в очереди и будет перечитан.
func (s *Store) Drain(max int) ([]model.ActivityEvent, []string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(activityPrefix),
		UpperBound: []byte(activityPrefix + "\xff"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("localstate drain: %w", err)
	}
	defer iter.Close()

	var (
		events []model.ActivityEvent
		keys   []string
	)
	for iter.First(); iter.Valid() && len(events) < max; iter.Next() {
		var ev model.ActivityEvent
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			// Битую запись выкидываем из очереди, иначе она заблокирует слив.
			keys = append(keys, string(iter.Key()))
			continue
		}
		events = append(events, ev)
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, nil, fmt.Errorf("localstate drain: %w", err)
	}
	return events, keys, nil
}

// Ack удаляет доставленные события из очереди.
func (s *Store) Ack(keys []string) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, k := range keys {
		if err := batch.Delete([]byte(k), nil); err != nil {
			return fmt.Errorf("localstate ack: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("localstate ack: %w", err)
	}
	return nil
}

// QueueLen возвращает размер офлайн-очереди.
func (s *Store) QueueLen() (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(activityPrefix),
		UpperBound: []byte(activityPrefix + "\xff"),
	})
	if err != nil {
		return 0, fmt.Errorf("localstate queue len: %w", err)
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}
