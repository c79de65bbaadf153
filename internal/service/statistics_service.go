package service

import (
	"context"
	"sort"
	"time"

	"hierarchyflow/internal/model"
	"hierarchyflow/internal/repository"
	"hierarchyflow/pkg/pagination"
)

const scanPageSize = pagination.MaxLimit

type StatisticsService interface {
	GetStatistics(ctx context.Context, startDate, endDate time.Time) (model.StatisticsResponse, error)
}

type statisticsService struct {
	store repository.Store
	now   func() time.Time
}

func NewStatisticsService(store repository.Store) StatisticsService {
	return &statisticsService{store: store, now: time.Now}
}

// eachRequest pages through every stored request in deadline order.
func eachRequest(ctx context.Context, repo repository.RequestRepository, fn func(*model.Request)) error {
	for page := 1; ; page++ {
		items, total, err := repo.List(ctx, repository.RequestFilter{Page: page, Limit: scanPageSize})
		if err != nil {
			return err
		}
		for i := range items {
			fn(&items[i])
		}
		if len(items) == 0 || int64(page*scanPageSize) >= total {
			return nil
		}
	}
}

// GetStatistics aggregates request counts; the range bounds creation and completion counts only.
func (s *statisticsService) GetStatistics(ctx context.Context, startDate, endDate time.Time) (model.StatisticsResponse, error) {
	response := model.StatisticsResponse{
		ByStatus:           map[string]int64{},
		ByTier:             map[model.Role]int64{},
		TimeRangeStartDate: startDate,
		TimeRangeEndDate:   endDate,
	}

	var err error
	if response.TotalRequests, err = s.store.Requests.Count(ctx); err != nil {
		return response, translate("request", "", err)
	}
	if response.TotalSubmissions, err = s.store.Submissions.Count(ctx); err != nil {
		return response, translate("submission", "", err)
	}
	if response.Overdue, err = s.store.Requests.CountOverdue(ctx, s.now()); err != nil {
		return response, translate("request", "", err)
	}

	inRange := func(t time.Time) bool { return !t.Before(startDate) && !t.After(endDate) }
	openByState := map[string]int64{}
	err = eachRequest(ctx, s.store.Requests, func(req *model.Request) {
		response.ByStatus[req.Status]++
		if inRange(req.CreatedAt) {
			response.CreatedInRange++
		}
		if req.Status == model.StatusApproved || req.Status == model.StatusClosed {
			for _, h := range req.History {
				if h.Action == model.ActionApproved && inRange(h.Timestamp) {
					response.CompletedInRange++
					break
				}
			}
			return
		}
		if req.Terminal() {
			return
		}
		response.ByTier[req.CurrentTier]++
		for _, st := range req.Targets.States {
			openByState[st]++
		}
	})
	if err != nil {
		return response, translate("request", "", err)
	}

	for st, n := range openByState {
		response.TopStates = append(response.TopStates, model.StateRanking{State: st, OpenRequests: n})
	}
	sort.Slice(response.TopStates, func(i, j int) bool {
		if response.TopStates[i].OpenRequests == response.TopStates[j].OpenRequests {
			return response.TopStates[i].State < response.TopStates[j].State
		}
		return response.TopStates[i].OpenRequests > response.TopStates[j].OpenRequests
	})
	if len(response.TopStates) > 5 {
		response.TopStates = response.TopStates[:5]
	}
	return response, nil
}
