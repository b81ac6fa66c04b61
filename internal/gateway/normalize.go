// Package gateway turns OpenAI-style chat completion bodies into
// provider.ChatRequest values.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ai-gateway/chat-gateway/internal/provider"
)

// RawRequest is the body of POST /v1/chat/completions as sent by clients.
type RawRequest struct {
	Model       string       `json:"model"`
	Messages    []RawMessage `json:"messages" validate:"required,min=1,dive"`
	Temperature *float64     `json:"temperature" validate:"omitempty,gte=0"`
	Stream      bool         `json:"stream"`
	Provider    string       `json:"provider" validate:"omitempty,provider"`
}

type RawMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// Defaults fill fields the client left out.
type Defaults struct {
	Model       string
	Temperature float64
}

var providerAliases = map[string]provider.Kind{
	"ollama":    provider.KindLocal,
	"local":     provider.KindLocal,
	"anthropic": provider.KindRemote,
	"remote":    provider.KindRemote,
}

// ProviderKind maps a selector to a backend. An empty selector is local.
func ProviderKind(selector string) (provider.Kind, bool) {
	s := strings.ToLower(strings.TrimSpace(selector))
	if s == "" {
		return provider.KindLocal, true
	}
	k, ok := providerAliases[s]
	return k, ok
}

type Normalizer struct {
	validate *validator.Validate
	defaults func() Defaults
}

// New returns a Normalizer. defaults is read on every call so that
// reloaded configuration applies to the next request.
func New(defaults func() Defaults) *Normalizer {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})
	_ = v.RegisterValidation("provider", func(fl validator.FieldLevel) bool {
		_, ok := ProviderKind(fl.Field().String())
		return ok
	})
	return &Normalizer{validate: v, defaults: defaults}
}

// Decode parses a request body. Any JSON error is a client error.
func Decode(body []byte) (*RawRequest, error) {
	var raw RawRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, provider.NewClientError("Invalid JSON body: " + err.Error())
	}
	return &raw, nil
}

// Normalize validates raw and applies defaults.
func (n *Normalizer) Normalize(raw *RawRequest) (*provider.ChatRequest, error) {
	if err := n.validate.Struct(raw); err != nil {
		return nil, translate(err)
	}

	d := n.defaults()
	req := &provider.ChatRequest{
		Model:       strings.TrimSpace(raw.Model),
		Temperature: d.Temperature,
		Stream:      raw.Stream,
		Messages:    make([]provider.Message, len(raw.Messages)),
	}
	if req.Model == "" {
		req.Model = d.Model
	}
	if raw.Temperature != nil {
		req.Temperature = *raw.Temperature
	}
	req.Provider, _ = ProviderKind(raw.Provider)
	for i, m := range raw.Messages {
		req.Messages[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return req, nil
}

// NormalizeBody is Decode followed by Normalize.
func (n *Normalizer) NormalizeBody(body []byte) (*provider.ChatRequest, error) {
	raw, err := Decode(body)
	if err != nil {
		return nil, err
	}
	return n.Normalize(raw)
}

// translate reports the first validation failure as a client error.
func translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return provider.NewClientError(err.Error())
	}
	fe := verrs[0]
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}

	switch {
	case field == "messages":
		return provider.NewClientError("messages field is required")
	case fe.Field() == "provider":
		return provider.NewClientError(fmt.Sprintf("unknown provider %q", fe.Value()))
	case fe.Tag() == "required":
		return provider.NewClientError(field + " is required")
	case fe.Tag() == "oneof":
		return provider.NewClientError(fmt.Sprintf("%s must be one of %s", field, strings.ReplaceAll(fe.Param(), " ", ", ")))
	case fe.Tag() == "gte":
		return provider.NewClientError(fmt.Sprintf("%s must be >= %s", field, fe.Param()))
	}
	return provider.NewClientError(fmt.Sprintf("%s is invalid", field))
}
