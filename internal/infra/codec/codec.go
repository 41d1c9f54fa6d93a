// Package codec serializes domain events to envelope payloads and back.
//
// The serializer is built from an explicit Config and a type Registry; there is
// no package-level encoder state.
package codec

import (
	"bytes"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/eventfabric/errs"
	"github.com/coachpo/eventfabric/internal/domain/aggregate"
	"github.com/coachpo/eventfabric/internal/domain/schema"
)

// Config controls JSON encoding behaviour.
type Config struct {
	// DisallowUnknownFields rejects payloads carrying fields the target type lacks.
	DisallowUnknownFields bool
	// UseNumber decodes untyped numbers as json.Number.
	UseNumber bool
	// EscapeHTML escapes <, > and & in strings.
	EscapeHTML bool
}

// DefaultConfig is the configuration used by the shipped binaries.
func DefaultConfig() Config {
	return Config{}
}

// Factory returns a fresh pointer to decode a tagged payload into.
type Factory = func() any

// Registry maps type tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds tag to factory. Registering a tag twice is an error.
func (r *Registry) Register(tag string, factory Factory) error {
	if tag == "" || factory == nil {
		return errs.New("codec/registry", errs.CodeInvalid, errs.WithMessage("tag and factory required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[tag]; exists {
		return errs.New("codec/registry", errs.CodeInvalid,
			errs.WithMessage("type tag already registered"),
			errs.WithField("tag", tag))
	}
	r.factories[tag] = factory
	return nil
}

// RegisterAll binds every tag in factories.
func (r *Registry) RegisterAll(factories map[string]Factory) error {
	for tag, factory := range factories {
		if err := r.Register(tag, factory); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister panics on registration failure. Intended for init-time wiring.
func (r *Registry) MustRegister(tag string, factory Factory) {
	if err := r.Register(tag, factory); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(tag string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[tag]
	return f, ok
}

// Tags returns the registered tags.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		out = append(out, tag)
	}
	return out
}

// Serializer converts values to and from JSON payloads.
type Serializer struct {
	cfg      Config
	registry *Registry
}

// NewSerializer builds a serializer. registry may be nil when tagged decoding is not needed.
func NewSerializer(cfg Config, registry *Registry) *Serializer {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Serializer{cfg: cfg, registry: registry}
}

// Registry exposes the serializer's type registry.
func (s *Serializer) Registry() *Registry { return s.registry }

// Marshal encodes v.
func (s *Serializer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(s.cfg.EscapeHTML)
	if err := enc.Encode(v); err != nil {
		return nil, errs.New("codec/marshal", errs.CodeMalformed, errs.WithCause(err))
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Unmarshal decodes data into v.
func (s *Serializer) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if s.cfg.DisallowUnknownFields {
		dec.DisallowUnknownFields()
	}
	if s.cfg.UseNumber {
		dec.UseNumber()
	}
	if err := dec.Decode(v); err != nil {
		return errs.New("codec/unmarshal", errs.CodeMalformed, errs.WithCause(err))
	}
	return nil
}

// UnmarshalTagged decodes data into a fresh value produced by the factory registered for tag.
func (s *Serializer) UnmarshalTagged(data []byte, tag string) (any, error) {
	factory, ok := s.registry.lookup(tag)
	if !ok {
		return nil, errs.New("codec/unmarshal", errs.CodeMalformed,
			errs.WithMessage("unknown type tag"),
			errs.WithField("tag", tag))
	}
	target := factory()
	if err := s.Unmarshal(data, target); err != nil {
		return nil, err
	}
	return target, nil
}

// Encode serializes an event into an envelope, using the event's type tag and subject.
func (s *Serializer) Encode(e aggregate.Event) (schema.Envelope, error) {
	payload, err := s.Marshal(e)
	if err != nil {
		return schema.Envelope{}, err
	}
	env := schema.Envelope{Subject: e.Subject(), Payload: payload, TypeTag: e.EventType()}
	if err := env.Validate(); err != nil {
		return schema.Envelope{}, err
	}
	return env, nil
}

// Decode turns a stored record back into an event applicable to aggregates of type A,
// stamped with the record's identity.
func Decode[A any](s *Serializer, rec schema.LogRecord) (aggregate.Applier[A], error) {
	v, err := s.UnmarshalTagged(rec.Envelope.Payload, rec.Envelope.TypeTag)
	if err != nil {
		return nil, err
	}
	event, ok := v.(aggregate.Applier[A])
	if !ok {
		return nil, errs.New("codec/decode", errs.CodeMalformed,
			errs.WithMessage(fmt.Sprintf("type %T does not apply to this aggregate", v)),
			errs.WithField("tag", rec.Envelope.TypeTag))
	}
	event.Stamp(rec.ID)
	return event, nil
}
