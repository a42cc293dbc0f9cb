package memory

import (
	"encoding/json"
	"errors"

	"github.com/adwski/dealbreaker/client/codec"
	"github.com/adwski/dealbreaker/client/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const fallbackIDPrefix = "local-"

var (
	ErrEmptyPromptID   = errors.New("prompt id is empty")
	ErrEmptyPrompt     = errors.New("prompt text or sender is empty")
	ErrDuplicatePrompt = errors.New("prompt id already registered")
)

// Registry keeps the prompts of one room visit in arrival order. The "mine"
// view is derived from the same set, so it can never hold an id that the
// "all" view lacks.
type Registry struct {
	logger   zerolog.Logger
	username string
	order    []string
	db       map[string]model.Prompt
	newID    func() string
}

func NewRegistry(username string, logger *zerolog.Logger) *Registry {
	return &Registry{
		logger:   logger.With().Str("component", "prompts").Logger(),
		username: username,
		db:       make(map[string]model.Prompt),
		newID:    func() string { return fallbackIDPrefix + uuid.NewString() },
	}
}

// Handles reports whether envelopes of typ are folded by the registry.
func Handles(typ string) bool {
	switch typ {
	case codec.TypePromptReceived, codec.TypeExistingPrompts, codec.TypePromptDeleted:
		return true
	}
	return false
}

func (r *Registry) Len() int {
	return len(r.order)
}

func (r *Registry) Has(id string) bool {
	_, ok := r.db[id]
	return ok
}

// All returns every prompt in insertion order.
func (r *Registry) All() []model.Prompt {
	out := make([]model.Prompt, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.db[id])
	}
	return out
}

// Mine returns the prompts sent by the local user in insertion order.
func (r *Registry) Mine() []model.Prompt {
	out := make([]model.Prompt, 0)
	for _, id := range r.order {
		if p := r.db[id]; p.From == r.username {
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) Views() model.PromptViews {
	return model.PromptViews{All: r.All(), Mine: r.Mine()}
}

// Add registers p.
func (r *Registry) Add(p model.Prompt) error {
	if p.ID == "" {
		return ErrEmptyPromptID
	}
	if p.Text == "" || p.From == "" {
		return ErrEmptyPrompt
	}
	if _, ok := r.db[p.ID]; ok {
		return ErrDuplicatePrompt
	}
	r.db[p.ID] = p
	r.order = append(r.order, p.ID)
	return nil
}

// Remove deletes id from both views. It reports whether id was present.
func (r *Registry) Remove(id string) bool {
	if _, ok := r.db[id]; !ok {
		return false
	}
	delete(r.db, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Apply folds one prompt lifecycle envelope and reports whether the registry
// changed. Malformed prompts are dropped without error; a payload that does
// not match its schema yields a *codec.DecodeError.
func (r *Registry) Apply(env codec.Envelope) (bool, error) {
	switch env.Type {
	case codec.TypePromptReceived:
		var m codec.PromptReceived
		if err := env.Unmarshal(&m); err != nil {
			return false, err
		}
		p, ok := r.receivedPrompt(m)
		if !ok {
			return false, nil
		}
		return r.add(p), nil

	case codec.TypeExistingPrompts:
		var m codec.ExistingPrompts
		if err := env.Unmarshal(&m); err != nil {
			return false, err
		}
		var changed bool
		for _, wp := range m.Prompts {
			if wp.ID == "" {
				wp.ID = r.newID()
			}
			if r.add(model.Prompt(wp)) {
				changed = true
			}
		}
		return changed, nil

	case codec.TypePromptDeleted:
		var m codec.PromptDeleted
		if err := env.Unmarshal(&m); err != nil {
			return false, err
		}
		return r.Remove(m.PromptID), nil
	}
	return false, nil
}

func (r *Registry) add(p model.Prompt) bool {
	if err := r.Add(p); err != nil {
		r.logger.Debug().Err(err).Str("promptID", p.ID).Msg("prompt dropped")
		return false
	}
	return true
}

// receivedPrompt accepts the object form {"prompt":{"id","text","from"}} and
// the text form {"prompt":"...","from":"..."}; the latter gets a fallback id.
func (r *Registry) receivedPrompt(m codec.PromptReceived) (model.Prompt, bool) {
	var wp codec.WirePrompt
	if err := json.Unmarshal(m.Prompt, &wp); err == nil {
		return model.Prompt(wp), true
	}
	var text string
	if err := json.Unmarshal(m.Prompt, &text); err == nil && text != "" && m.From != "" {
		return model.Prompt{ID: r.newID(), Text: text, From: m.From}, true
	}
	r.logger.Debug().Str("prompt", string(m.Prompt)).Msg("malformed prompt dropped")
	return model.Prompt{}, false
}
