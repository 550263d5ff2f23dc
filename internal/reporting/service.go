package reporting

import (
	"context"
	"errors"
	"time"

	"call-orchestrator/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// Implementations should read from immutable or snapshot sources; summaries
// must never mutate call state.
type Repository interface {
	ListCalls(ctx context.Context, from, to time.Time, purpose string) ([]calls.Call, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.Range.From, req.Range.To, req.Purpose)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{Purpose: req.Purpose}
	answered := 0
	attempted := 0
	for _, c := range rows {
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds()
		if c.Direction == calls.DirectionInbound {
			out.InboundCalls++
		} else {
			out.OutboundCalls++
		}
		if c.RecordingURL != "" {
			out.RecordedCalls++
		}
		if c.Transcript != "" {
			out.TranscribedCalls++
		}

		switch c.Status {
		case calls.CallStatusCompleted:
			out.CompletedCalls++
		case calls.CallStatusFailed:
			switch c.Disposition {
			case calls.DispositionNoAnswer:
				out.NoAnswerCalls++
			case calls.DispositionBusy:
				out.BusyCalls++
			default:
				out.FailedCalls++
			}
		case calls.CallStatusPaused:
			out.PausedCalls++
			out.ActiveCalls++
		case calls.CallStatusInProgress:
			out.ActiveCalls++
		case calls.CallStatusInitiated, calls.CallStatusRinging:
			out.ActiveCalls++
		}

		if c.Status.Terminal() || c.Status == calls.CallStatusInProgress || c.Status == calls.CallStatusPaused {
			attempted++
			if c.AnsweredAt != nil {
				answered++
			}
		}
	}
	if out.CompletedCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.CompletedCalls
	}
	if attempted > 0 {
		out.ConnectRate = float64(answered) / float64(attempted)
	}
	return out, nil
}
