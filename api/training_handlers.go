package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ListTopics handles GET /topics.
func (a *API) ListTopics(w http.ResponseWriter, r *http.Request) {
	a.touch(r)
	list, err := a.training.TopicsForUser(r.Context(), principal(r).User)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	out := make([]TopicResponse, 0, len(list))
	for _, st := range list {
		out = append(out, newTopicResponse(st))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetTopic handles GET /topics/{topicID}.
func (a *API) GetTopic(w http.ResponseWriter, r *http.Request) {
	a.touch(r)
	st, err := a.training.OpenTopic(r.Context(), principal(r).User, chi.URLParam(r, "topicID"), a.origin(r))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTopicResponse(*st))
}

// WatchVideo handles POST /topics/{topicID}/watch-video.
func (a *API) WatchVideo(w http.ResponseWriter, r *http.Request) {
	a.touch(r)
	if err := a.training.WatchVideo(r.Context(), principal(r).User.ID, chi.URLParam(r, "topicID"), a.origin(r)); err != nil {
		a.mapError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Video marked as watched")
}

// SubmitQuiz handles POST /topics/{topicID}/submit-quiz.
func (a *API) SubmitQuiz(w http.ResponseWriter, r *http.Request) {
	a.touch(r)
	req, ok := decodeJSON[SubmitQuizRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	res, err := a.training.SubmitQuiz(r.Context(), principal(r).User.ID, chi.URLParam(r, "topicID"), req.Answers, a.origin(r))
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	outcome := "failed"
	if res.Passed {
		outcome = "passed"
	}
	a.metrics.quizSubmissions.WithLabelValues(outcome).Inc()
	writeJSON(w, http.StatusOK, res)
}

// Leaderboard handles GET /leaderboard.
func (a *API) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := min(queryInt(r, "limit", 0), maxPageLimit)
	list, err := a.training.Leaderboard(r.Context(), limit)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
