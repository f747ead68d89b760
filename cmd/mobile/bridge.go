package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/quizapp/offlinesync/internal/app"
	"github.com/quizapp/offlinesync/internal/config"
	"github.com/quizapp/offlinesync/internal/crypto"
	apperrors "github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/logging"
	"github.com/quizapp/offlinesync/internal/models"
	syncpkg "github.com/quizapp/offlinesync/internal/sync"
)

// InitOptions is the JSON object the host passes to Init. Empty fields keep
// the built-in defaults.
type InitOptions struct {
	DataDir   string `json:"dataDir"`
	APIBase   string `json:"apiBaseUrl"`
	Engine    string `json:"engine"`
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`
}

// bridge owns the sync core behind the C exports. Every method takes and
// returns JSON so the exports stay one-liners.
type bridge struct {
	mu     sync.RWMutex
	app    *app.App
	creds  *crypto.CredentialStore
	cancel context.CancelFunc

	// remote replaces the API client in tests.
	remote syncpkg.Remote
}

var core = &bridge{}

type envelope map[string]interface{}

func ok(fields envelope) string {
	if fields == nil {
		fields = envelope{}
	}
	fields["success"] = true
	return encode(fields)
}

func fail(err error) string {
	return encode(envelope{
		"success": false,
		"error":   err.Error(),
		"code":    string(apperrors.CodeOf(err)),
	})
}

func encode(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"success":false,"code":"INTERNAL_ERROR","error":"failed to encode response"}`
	}
	return string(b)
}

func decodeObject(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid JSON object", err)
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	return m, nil
}

var errNotInitialized = apperrors.New(apperrors.ErrStorageNotInitialized, "sync core not initialized")

func (b *bridge) current() (*app.App, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.app == nil {
		return nil, errNotInitialized
	}
	return b.app, nil
}

func (b *bridge) init(optionsJSON string) string {
	var opts InitOptions
	if optionsJSON != "" {
		if err := json.Unmarshal([]byte(optionsJSON), &opts); err != nil {
			return fail(apperrors.Wrap(apperrors.ErrInvalid, "invalid init options", err))
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app != nil {
		return ok(envelope{"engine": string(b.app.Engine.Mode())})
	}

	cfg := config.Default()
	if opts.DataDir != "" {
		cfg.Storage.DataDir = opts.DataDir
		cfg.Credentials.Dir = filepath.Join(opts.DataDir, "credentials")
	}
	if opts.APIBase != "" {
		cfg.API.BaseURL = opts.APIBase
	}
	if opts.Engine != "" {
		cfg.Sync.Engine = opts.Engine
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Logging.Format = opts.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return fail(apperrors.Wrap(apperrors.ErrInvalid, "invalid configuration", err))
	}
	logging.InitWithFormat(os.Stderr, logging.ParseLevel(cfg.Logging.Level), logging.Format(cfg.Logging.Format))

	creds := crypto.NewCredentialStore(crypto.NewSecureStorage(cfg.Credentials.Dir))
	ctx, cancel := context.WithCancel(context.Background())
	a, err := app.New(ctx, cfg, app.Options{LastSync: creds, Remote: b.remote})
	if err != nil {
		cancel()
		return fail(err)
	}
	if err := a.Start(ctx); err != nil {
		cancel()
		a.Close()
		return fail(err)
	}

	b.app, b.creds, b.cancel = a, creds, cancel
	return ok(envelope{"engine": string(a.Engine.Mode())})
}

func (b *bridge) shutdown() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.app == nil {
		return ok(nil)
	}
	b.cancel()
	err := b.app.Close()
	b.app, b.creds, b.cancel = nil, nil, nil
	logging.Sync()
	if err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (b *bridge) setTokens(access, refresh string) string {
	b.mu.RLock()
	creds := b.creds
	b.mu.RUnlock()
	if creds == nil {
		return fail(errNotInitialized)
	}
	if err := creds.SaveTokens(context.Background(), access, refresh); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (b *bridge) networkUpdate(eventJSON string) string {
	a, err := b.current()
	if err != nil {
		return fail(err)
	}
	var ev models.NetworkEvent
	if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
		return fail(apperrors.Wrap(apperrors.ErrInvalid, "invalid network event", err))
	}
	changed := a.Monitor.Observe(ev)
	return ok(envelope{"changed": changed, "quality": a.Monitor.ConnectionQuality()})
}

func (b *bridge) entityCreate(kind, dataJSON, userID string) string {
	a, err := b.current()
	if err != nil {
		return fail(err)
	}
	data, err := decodeObject(dataJSON)
	if err != nil {
		return fail(err)
	}
	return encode(a.Manager.Create(context.Background(), models.EntityKind(kind), data, userID))
}

func (b *bridge) entityUpdate(kind, id, dataJSON, userID string) string {
	a, err := b.current()
	if err != nil {
		return fail(err)
	}
	data, err := decodeObject(dataJSON)
	if err != nil {
		return fail(err)
	}
	return encode(a.Manager.Update(context.Background(), models.EntityKind(kind), id, data, userID))
}

func (b *bridge) entityDelete(kind, id, userID string) string {
	a, err := b.current()
	if err != nil {
		return fail(err)
	}
	return encode(a.Manager.Delete(context.Background(), models.EntityKind(kind), id, userID))
}

func (b *bridge) entityGet(kind, id string) string {
	a, err := b.current()
	if err != nil {
		return fail(err)
	}
	ent, err := a.Manager.Get(context.Background(), models.EntityKind(kind), id)
	if err != nil {
		return fail(err)
	}
	return ok(envelope{"entity": ent})
}

func (b *bridge) entityList(kind, userID string) string {
	a, err := b.current()
	if err != nil {
		return fail(err)
	}
	list, err := a.Manager.GetAll(context.Background(), models.EntityKind(kind), userID)
	if err != nil {
		return fail(err)
	}
	if list == nil {
		list = []*models.SyncableEntity{}
	}
	return ok(envelope{"entities": list})
}

func (b *bridge) answerSave(quizID, questionID, userID, content string) string {
	a, err := b.current()
	if err != nil {
		return fail(err)
	}
	return encode(a.Manager.SaveAnswer(context.Background(), quizID, questionID, userID, content))
}

func (b *bridge) answerList(quizID, userID string) string {
	a, err := b.current()
	if err != nil {
		return fail(err)
	}
	answers, err := a.Manager.GetAnswers(context.Background(), quizID, userID)
	if err != nil {
		return fail(err)
	}
	if answers == nil {
		answers = []*models.Answer{}
	}
	return ok(envelope{"answers": answers})
}

func (b *bridge) quizSubmit(quizID, evaluationID, userID, responsesJSON string) string {
	a, err := b.current()
	if err != nil {
		return fail(err)
	}
	var responses []models.SubmissionResponse
	if responsesJSON != "" {
		if err := json.Unmarshal([]byte(responsesJSON), &responses); err != nil {
			return fail(apperrors.Wrap(apperrors.ErrInvalid, "invalid responses", err))
		}
	}
	return encode(a.Manager.SubmitQuiz(context.Background(), quizID, evaluationID, userID, responses))
}

func (b *bridge) profileUpdate(userID, dataJSON string) string {
	a, err := b.current()
	if err != nil {
		return fail(err)
	}
	data, err := decodeObject(dataJSON)
	if err != nil {
		return fail(err)
	}
	return encode(a.Manager.UpdateProfile(context.Background(), userID, data))
}

func (b *bridge) syncForce() string {
	a, err := b.current()
	if err != nil {
		return fail(err)
	}
	res, err := a.Engine.ForceSync(context.Background())
	if err != nil {
		out := envelope{"success": false, "error": err.Error(), "code": string(apperrors.CodeOf(err)), "result": res}
		return encode(out)
	}
	return ok(envelope{"result": res})
}

func (b *bridge) syncStatus() string {
	a, err := b.current()
	if err != nil {
		return fail(err)
	}
	return ok(envelope{"status": a.Engine.Status(context.Background())})
}

func (b *bridge) syncRetryFailed() string {
	a, err := b.current()
	if err != nil {
		return fail(err)
	}
	n, err := a.Engine.RetryFailed(context.Background())
	if err != nil {
		return fail(err)
	}
	return ok(envelope{"retried": n})
}
