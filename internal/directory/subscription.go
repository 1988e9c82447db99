package directory

import (
	"sync"

	"go.uber.org/zap"

	"github.com/g960059/gsrfinder/internal/model"
)

// Subscription is one registered watcher. Deliveries happen in order on a
// goroutine owned by the subscription.
type Subscription struct {
	id       int64
	dir      *Directory
	logger   *zap.Logger
	roomCode int64
	location string
	fn       Listener

	mu      sync.Mutex
	pending []model.Room
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Cancel stops deliveries. It is safe to call more than once and from
// inside the listener.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.dir.remove(s.id)
	})
}

func (s *Subscription) matches(room model.Room) bool {
	if !room.Resolvable() {
		return false
	}
	if s.location != "" {
		return room.Location == s.location
	}
	return room.RoomCode == s.roomCode
}

func (s *Subscription) push(room model.Room) {
	s.mu.Lock()
	s.pending = append(s.pending, room)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			batch := s.pending
			s.pending = nil
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, room := range batch {
				if s.cancelled() {
					return
				}
				s.deliver(room)
			}
		}
	}
}

func (s *Subscription) deliver(room model.Room) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("room listener panicked",
				zap.Int64("room_code", room.RoomCode),
				zap.Any("panic", r),
			)
		}
	}()
	s.fn(room)
}
