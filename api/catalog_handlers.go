package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Yuz-tech/gamified-ims/training"
)

// AdminListTopics handles GET /admin/topics. Unlike GET /topics it includes
// inactive topics and correct answers.
func (a *API) AdminListTopics(w http.ResponseWriter, r *http.Request) {
	list, err := a.training.Catalog().ListTopics(r.Context(), false)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

func (req *TopicRequest) apply(t *training.Topic) {
	t.Title = req.Title
	t.Description = req.Description
	t.VideoURL = req.VideoURL
	t.VideoDuration = req.VideoDuration
	t.Order = req.Order
	t.XPReward = req.XPReward
	t.PassingScore = req.PassingScore
	t.Questions = req.Questions
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}
}

// CreateTopic handles POST /admin/topics.
func (a *API) CreateTopic(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[TopicRequest](w, r, maxAdminBodySize)
	if !ok {
		return
	}
	t := training.Topic{IsActive: true}
	req.apply(&t)
	created, err := a.training.Catalog().CreateTopic(r.Context(), t)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateTopic handles PUT /admin/topics/{topicID}.
func (a *API) UpdateTopic(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[TopicRequest](w, r, maxAdminBodySize)
	if !ok {
		return
	}
	updated, err := a.training.Catalog().UpdateTopic(r.Context(), chi.URLParam(r, "topicID"), func(t *training.Topic) error {
		req.apply(t)
		return nil
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteTopic handles DELETE /admin/topics/{topicID}.
func (a *API) DeleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := a.training.Catalog().DeleteTopic(r.Context(), chi.URLParam(r, "topicID")); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Topic deleted successfully")
}

// ListBadges handles GET /admin/badges?topicId&year.
func (a *API) ListBadges(w http.ResponseWriter, r *http.Request) {
	list, err := a.training.Catalog().ListBadges(r.Context(), training.BadgeFilter{
		TopicID: r.URL.Query().Get("topicId"),
		Year:    queryInt(r, "year", 0),
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(list))
}

// CreateBadge handles POST /admin/badges.
func (a *API) CreateBadge(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[BadgeRequest](w, r, maxAdminBodySize)
	if !ok {
		return
	}
	year := req.Year
	if year == 0 {
		var err error
		if year, err = a.training.CurrentYear(r.Context()); err != nil {
			a.mapError(w, r, err)
			return
		}
	}
	b, err := a.training.Catalog().CreateBadge(r.Context(), training.Badge{
		Name:        req.Name,
		Description: req.Description,
		ImageURL:    req.ImageURL,
		TopicID:     req.TopicID,
		Year:        year,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// UpdateBadge handles PUT /admin/badges/{badgeID}.
func (a *API) UpdateBadge(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[UpdateBadgeRequest](w, r, maxAdminBodySize)
	if !ok {
		return
	}
	b, err := a.training.Catalog().UpdateBadge(r.Context(), chi.URLParam(r, "badgeID"), func(b *training.Badge) error {
		if req.Name != nil {
			b.Name = *req.Name
		}
		if req.Description != nil {
			b.Description = *req.Description
		}
		if req.ImageURL != nil {
			b.ImageURL = *req.ImageURL
		}
		if req.IsActive != nil {
			b.IsActive = *req.IsActive
		}
		return nil
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// DeleteBadge handles DELETE /admin/badges/{badgeID}.
func (a *API) DeleteBadge(w http.ResponseWriter, r *http.Request) {
	if err := a.training.Catalog().DeleteBadge(r.Context(), chi.URLParam(r, "badgeID")); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Badge deleted successfully")
}
