package shifttools

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNoSchedule is returned when no schedule has been published.
var ErrNoSchedule = errors.New("no published schedule")

// Assignment is one member working one day.
type Assignment struct {
	UserID    string `json:"userId" yaml:"userId"`
	StartTime string `json:"startTime" yaml:"startTime"`
	EndTime   string `json:"endTime" yaml:"endTime"`
}

// Member is a staff member known to the bot.
type Member struct {
	UserID string `json:"userId" yaml:"userId"`
	Name   string `json:"name" yaml:"name"`
	Role   string `json:"role,omitempty" yaml:"role,omitempty"`
}

// Rule is one named scheduling rule, kept in declaration order.
type Rule struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// CallOut is a broadcast sent to the staff group.
type CallOut struct {
	Message string    `json:"message"`
	Status  string    `json:"status"`
	Error   string    `json:"error,omitempty"`
	SentAt  time.Time `json:"sentAt"`
}

// Call-out statuses.
const (
	CallOutSent   = "sent"
	CallOutFailed = "failed"
)

// Store is the shift data the tools read and edit.
type Store interface {
	// Day returns the assignments of date (YYYY-MM-DD).
	Day(ctx context.Context, date string) ([]Assignment, error)
	// EditDay replaces the assignments of date with the result of fn,
	// atomically. An empty result removes the day.
	EditDay(ctx context.Context, date string, fn func([]Assignment) ([]Assignment, error)) error
	Rules(ctx context.Context) ([]Rule, error)
	Member(ctx context.Context, userID string) (Member, bool, error)
	RecordCallOut(ctx context.Context, c CallOut) error
	LatestCallOut(ctx context.Context) (CallOut, bool, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu        sync.RWMutex
	published bool
	schedule  map[string][]Assignment
	rules     []Rule
	members   map[string]Member
	callOuts  []CallOut
}

// NewMemoryStore creates a store holding seed.
func NewMemoryStore(seed Seed) *MemoryStore {
	s := &MemoryStore{
		published: seed.Published,
		schedule:  make(map[string][]Assignment, len(seed.Schedule)),
		rules:     append([]Rule(nil), seed.Rules...),
		members:   make(map[string]Member, len(seed.Members)),
	}
	for date, day := range seed.Schedule {
		if len(day) > 0 {
			s.schedule[date] = append([]Assignment(nil), day...)
		}
	}
	for _, m := range seed.Members {
		s.members[m.UserID] = m
	}
	return s
}

func (s *MemoryStore) Day(ctx context.Context, date string) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.published {
		return nil, ErrNoSchedule
	}
	return append([]Assignment(nil), s.schedule[date]...), nil
}

func (s *MemoryStore) EditDay(ctx context.Context, date string, fn func([]Assignment) ([]Assignment, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.published {
		return ErrNoSchedule
	}
	next, err := fn(append([]Assignment(nil), s.schedule[date]...))
	if err != nil {
		return err
	}
	if len(next) == 0 {
		delete(s.schedule, date)
		return nil
	}
	s.schedule[date] = next
	return nil
}

func (s *MemoryStore) Rules(ctx context.Context) ([]Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Rule(nil), s.rules...), nil
}

func (s *MemoryStore) Member(ctx context.Context, userID string) (Member, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[userID]
	return m, ok, nil
}

func (s *MemoryStore) RecordCallOut(ctx context.Context, c CallOut) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callOuts = append(s.callOuts, c)
	return nil
}

func (s *MemoryStore) LatestCallOut(ctx context.Context) (CallOut, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.callOuts) == 0 {
		return CallOut{}, false, nil
	}
	return s.callOuts[len(s.callOuts)-1], true, nil
}

// MemberCount returns the number of registered members.
func (s *MemoryStore) MemberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// Dates returns the scheduled dates in ascending order.
func (s *MemoryStore) Dates() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dates := make([]string, 0, len(s.schedule))
	for d := range s.schedule {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}

var _ Store = (*MemoryStore)(nil)
