package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	apperrors "github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/models"
)

// Remote is the subset of the API client the engines call.
type Remote interface {
	SubmitQuiz(ctx context.Context, quizID string, body interface{}) error
	UpdateProfile(ctx context.Context, fields map[string]interface{}) error
	Send(ctx context.Context, method, path string, body interface{}) error
	ListEvaluations(ctx context.Context, since int64) ([]map[string]interface{}, error)
	GetProfile(ctx context.Context) (map[string]interface{}, error)
}

// submitResponse is one answer in the submission endpoint's body.
type submitResponse struct {
	QuestionID string `json:"question_id"`
	Content    string `json:"contenu"`
}

type submitBody struct {
	Responses []submitResponse `json:"reponses"`
}

// Dispatcher maps (entity, type) pairs to remote calls.
type Dispatcher struct {
	remote Remote
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(remote Remote) *Dispatcher {
	return &Dispatcher{remote: remote}
}

// Dispatch delivers one operation. Answer drafts are never sent on their own
// and succeed without a call.
func (d *Dispatcher) Dispatch(ctx context.Context, op *models.QueuedOperation) error {
	switch op.Entity {
	case models.EntityAnswer:
		return nil

	case models.EntitySubmission:
		var sub models.Submission
		if err := json.Unmarshal(op.Payload, &sub); err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "corrupt submission payload", err)
		}
		if sub.QuizID == "" {
			return apperrors.New(apperrors.ErrInvalid, "submission payload has no quiz id")
		}
		return d.remote.SubmitQuiz(ctx, sub.QuizID, reshapeSubmission(&sub))

	case models.EntityUserProfile:
		fields, err := op.PayloadMap()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "corrupt profile payload", err)
		}
		return d.remote.UpdateProfile(ctx, fields)
	}

	method, path, err := genericRoute(op)
	if err != nil {
		return err
	}
	if method == http.MethodDelete {
		return d.remote.Send(ctx, method, path, nil)
	}
	return d.remote.Send(ctx, method, path, op.Payload)
}

func reshapeSubmission(sub *models.Submission) submitBody {
	body := submitBody{Responses: make([]submitResponse, 0, len(sub.Responses))}
	for _, r := range sub.Responses {
		body.Responses = append(body.Responses, submitResponse{QuestionID: r.QuestionID, Content: r.Content})
	}
	return body
}

// genericRoute returns the REST route for kinds without a dedicated endpoint:
// POST /{kind}s, PUT /{kind}s/{id}, DELETE /{kind}s/{id}.
func genericRoute(op *models.QueuedOperation) (string, string, error) {
	collection := "/" + url.PathEscape(string(op.Entity)) + "s"
	item := collection + "/" + url.PathEscape(op.EntityID)
	switch op.Type {
	case models.OperationCreate:
		return http.MethodPost, collection, nil
	case models.OperationUpdate:
		return http.MethodPut, item, nil
	case models.OperationDelete:
		return http.MethodDelete, item, nil
	}
	return "", "", apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown operation type %q", op.Type))
}
