package history

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultListLimit = 100

	insightsScanLimit = 10000
	topCallersLimit   = 5
)

var ErrInvalidRecord = errors.New("history: invalid record")

// Repository is the persistence contract for verdict records.
//
// It is append-only; there are no update or delete methods.
type Repository interface {
	Append(ctx context.Context, rec Record) error
	ListByRecipient(ctx context.Context, to string, limit int) ([]Record, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// Append validates rec, fills its ID and timestamp when missing, and stores it.
func (s *Service) Append(ctx context.Context, rec Record) error {
	if s.repo == nil {
		return errors.New("history: repository not configured")
	}
	if rec.CallID == "" || rec.To == "" {
		return ErrInvalidRecord
	}
	if rec.Prediction != PredictionReal && rec.Prediction != PredictionFake {
		return ErrInvalidRecord
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return s.repo.Append(ctx, rec)
}

func (s *Service) List(ctx context.Context, to string, limit int) ([]Record, error) {
	if strings.TrimSpace(to) == "" {
		return nil, ErrInvalidRecord
	}
	if s.repo == nil {
		return nil, errors.New("history: repository not configured")
	}
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}
	return s.repo.ListByRecipient(ctx, to, limit)
}

// Insights counts real and fake verdicts for a recipient and ranks the top callers.
func (s *Service) Insights(ctx context.Context, to string) (Insights, error) {
	if strings.TrimSpace(to) == "" {
		return Insights{}, ErrInvalidRecord
	}
	if s.repo == nil {
		return Insights{}, errors.New("history: repository not configured")
	}

	rows, err := s.repo.ListByRecipient(ctx, to, insightsScanLimit)
	if err != nil {
		return Insights{}, err
	}

	out := Insights{To: to, TopCallers: []CallerCount{}}
	counts := map[string]int{}
	for _, r := range rows {
		out.Total++
		switch r.Prediction {
		case PredictionReal, predictionVerified:
			out.Real++
		case PredictionFake:
			out.Fake++
		}
		counts[r.From]++
	}

	for from, n := range counts {
		out.TopCallers = append(out.TopCallers, CallerCount{From: from, Count: n})
	}
	sort.Slice(out.TopCallers, func(i, j int) bool {
		if out.TopCallers[i].Count != out.TopCallers[j].Count {
			return out.TopCallers[i].Count > out.TopCallers[j].Count
		}
		return out.TopCallers[i].From < out.TopCallers[j].From
	})
	if len(out.TopCallers) > topCallersLimit {
		out.TopCallers = out.TopCallers[:topCallersLimit]
	}
	return out, nil
}
