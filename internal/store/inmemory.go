package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps everything in process memory. Data is lost on restart.
type InMemoryStore struct {
	mu           sync.RWMutex
	participants map[string]Participant
	sessions     map[string]*TaskSession
	trials       map[string][]TrialRecord
	stress       map[string][]StressSample
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		participants: make(map[string]Participant),
		sessions:     make(map[string]*TaskSession),
		trials:       make(map[string][]TrialRecord),
		stress:       make(map[string][]StressSample),
	}
}

func (s *InMemoryStore) RegisterParticipant(_ context.Context, p Participant) (Participant, bool, error) {
	if p.ID == "" {
		return Participant{}, false, ErrInvalidRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.participants[p.ID]; ok {
		return existing, false, nil
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.participants[p.ID] = p
	return p, true, nil
}

func (s *InMemoryStore) GetParticipant(_ context.Context, id string) (Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) ListParticipants(_ context.Context) ([]ParticipantOverview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byParticipant := make(map[string]*ParticipantOverview, len(s.participants))
	out := make([]ParticipantOverview, 0, len(s.participants))
	for _, p := range s.participants {
		byParticipant[p.ID] = &ParticipantOverview{Participant: p}
	}
	for _, sess := range s.sessions {
		ov := byParticipant[sess.ParticipantID]
		if ov == nil {
			continue
		}
		ov.Sessions++
		for _, t := range s.trials[sess.ID] {
			ov.Trials++
			if ov.LastActiveAt == nil || t.RecordedAt.After(*ov.LastActiveAt) {
				at := t.RecordedAt
				ov.LastActiveAt = &at
			}
		}
	}
	for pid, samples := range s.stress {
		ov := byParticipant[pid]
		if ov == nil || len(samples) == 0 {
			continue
		}
		v := samples[len(samples)-1].EMAHigh
		ov.LastStress = &v
	}
	for _, ov := range byParticipant {
		out = append(out, *ov)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) SetDifficulty(_ context.Context, participantID string, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[participantID]
	if !ok {
		return ErrNotFound
	}
	p.Difficulty = level
	s.participants[participantID] = p
	return nil
}

func (s *InMemoryStore) StartSession(_ context.Context, sess TaskSession) error {
	if sess.ID == "" || sess.ParticipantID == "" {
		return ErrInvalidRecord
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[sess.ParticipantID]; !ok {
		return ErrNotFound
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	s.sessions[sess.ID] = &sess
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (TaskSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return TaskSession{}, ErrNotFound
	}
	return cloneSession(sess), nil
}

func (s *InMemoryStore) AppendTrial(_ context.Context, r TrialRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[r.SessionID]
	if !ok {
		return false, ErrNotFound
	}
	if r.TrialIndex == sess.LastTrialIndex && r.TrialIndex > 0 {
		return true, nil
	}
	if sess.EndedAt != nil {
		return false, ErrSessionEnded
	}
	if r.TrialIndex != sess.LastTrialIndex+1 {
		return false, &OrderError{SessionID: sess.ID, Expected: sess.LastTrialIndex + 1, Got: r.TrialIndex}
	}
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	r.ParticipantID = sess.ParticipantID
	r.Task = sess.Task
	s.trials[sess.ID] = append(s.trials[sess.ID], r)
	sess.LastTrialIndex = r.TrialIndex
	return false, nil
}

func (s *InMemoryStore) FinishSession(_ context.Context, id string, finalIndex int, at time.Time) (TaskSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return TaskSession{}, ErrNotFound
	}
	if sess.EndedAt == nil {
		ended := at.UTC()
		final := finalIndex
		sess.EndedAt = &ended
		sess.FinalTrialIndex = &final
	}
	return cloneSession(sess), nil
}

func (s *InMemoryStore) ListTrials(_ context.Context, sessionID string) ([]TrialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	return append([]TrialRecord(nil), s.trials[sessionID]...), nil
}

func (s *InMemoryStore) QueryTrials(_ context.Context, q LogQuery) ([]TrialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TrialRecord, 0)
	for sid, trials := range s.trials {
		if q.SessionID != "" && sid != q.SessionID {
			continue
		}
		for _, t := range trials {
			if q.ParticipantID != "" && t.ParticipantID != q.ParticipantID {
				continue
			}
			if q.Task != "" && t.Task != q.Task {
				continue
			}
			if q.Since != nil && t.RecordedAt.Before(*q.Since) {
				continue
			}
			if q.Until != nil && t.RecordedAt.After(*q.Until) {
				continue
			}
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].TrialIndex < out[j].TrialIndex
	})
	if limit := q.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) AddStressSample(_ context.Context, sample StressSample) error {
	if sample.ParticipantID == "" {
		return ErrInvalidRecord
	}
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stress[sample.ParticipantID] = append(s.stress[sample.ParticipantID], sample)
	return nil
}

func (s *InMemoryStore) LatestStress(_ context.Context, participantID string) (StressSample, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := s.stress[participantID]
	if len(samples) == 0 {
		return StressSample{}, false, nil
	}
	return samples[len(samples)-1], true, nil
}

func (s *InMemoryStore) Counts(_ context.Context) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := Counts{Participants: len(s.participants), TaskSessions: len(s.sessions)}
	for _, trials := range s.trials {
		c.Trials += len(trials)
	}
	for _, samples := range s.stress {
		c.StressSamples += len(samples)
	}
	return c, nil
}

func (s *InMemoryStore) Close() error { return nil }

func cloneSession(s *TaskSession) TaskSession {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.FinalTrialIndex != nil {
		v := *s.FinalTrialIndex
		c.FinalTrialIndex = &v
	}
	return c
}
