package reporting

import (
	"context"
	"errors"
	"sort"
	"time"

	"call-bridge/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts read access to call history.
type Repository interface {
	ListCalls(ctx context.Context, from, to time.Time) ([]calls.CallRecord, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, r TimeRange) (CallsSummary, error) {
	rows, err := s.list(ctx, r)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{Range: r}
	for _, c := range rows {
		out.TotalCalls++
		if c.Degraded {
			out.DegradedCalls++
		}
		if c.AnsweredAt != nil {
			out.AnsweredCalls++
			if c.EndedAt != nil && c.EndedAt.After(*c.AnsweredAt) {
				out.TotalTalkSeconds += int(c.EndedAt.Sub(*c.AnsweredAt) / time.Second)
			}
		}
		switch {
		case c.State == calls.StateClosed:
			out.CompletedCalls++
		case c.State == calls.StateDeclined:
			out.DeclinedCalls++
		case c.State == calls.StateVoicemail:
			out.VoicemailCalls++
		default:
			out.InProgressCalls++
		}
	}
	if out.CompletedCalls > 0 {
		out.AverageTalkSeconds = out.TotalTalkSeconds / out.CompletedCalls
	}
	if out.TotalCalls > 0 {
		out.AnswerRate = float64(out.AnsweredCalls) / float64(out.TotalCalls)
	}
	return out, nil
}

// EndReasons counts finished calls by end reason, most frequent first.
func (s *Service) EndReasons(ctx context.Context, r TimeRange) ([]EndReasonCount, error) {
	rows, err := s.list(ctx, r)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, c := range rows {
		if !c.State.Terminal() {
			continue
		}
		reason := c.EndReason
		if reason == "" {
			reason = "unknown"
		}
		counts[reason]++
	}
	out := make([]EndReasonCount, 0, len(counts))
	for reason, n := range counts {
		out = append(out, EndReasonCount{Reason: reason, Calls: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Calls != out[j].Calls {
			return out[i].Calls > out[j].Calls
		}
		return out[i].Reason < out[j].Reason
	})
	return out, nil
}

func (s *Service) list(ctx context.Context, r TimeRange) ([]calls.CallRecord, error) {
	if r.From.IsZero() || r.To.IsZero() || !r.To.After(r.From) {
		return nil, ErrInvalidRequest
	}
	if s.repo == nil {
		return nil, errors.New("reporting: repository not configured")
	}
	return s.repo.ListCalls(ctx, r.From, r.To)
}
