// Package generation runs paid creative generations (chat, music, image,
// video, design) against upstream vendors.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedKind = errors.New("unsupported generation kind")
	ErrPromptRequired  = errors.New("prompt is required")
)

// Request is one validated generation call.
type Request struct {
	Kind   string          `json:"kind"`
	UserID string          `json:"userId"`
	Prompt string          `json:"prompt"`
	Params json.RawMessage `json:"params,omitempty"`

	// ChargeRef is the credits reference this call is paid under, empty when
	// it is free.
	ChargeRef string `json:"-"`
}

// Result is returned as the data field of a successful response. Async kinds
// return a pending OperationID and deliver Data later through the tracker.
type Result struct {
	Kind        string          `json:"kind"`
	OperationID string          `json:"operationId,omitempty"`
	Status      Status          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// VendorError is a non-2xx answer from a vendor. Status is mirrored to the
// API caller.
type VendorError struct {
	Kind    string
	Status  int
	Message string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("%s vendor returned %d: %s", e.Kind, e.Status, e.Message)
}

// IsAsync reports whether a kind finishes through a vendor callback.
func IsAsync(kind string) bool {
	return kind == "music" || kind == "video"
}

type body struct {
	UserID string `json:"userId"`
	Prompt string `json:"prompt"`
}

// ParseRequest validates a POST body: a JSON object with a non-empty prompt.
// The whole object is kept as Params for the vendor.
func ParseRequest(kind string, raw []byte) (Request, error) {
	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return Request{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	prompt := strings.TrimSpace(b.Prompt)
	if prompt == "" {
		return Request{}, ErrPromptRequired
	}
	return Request{
		Kind:   kind,
		UserID: strings.TrimSpace(b.UserID),
		Prompt: prompt,
		Params: json.RawMessage(raw),
	}, nil
}

// Router sends each kind to its generator.
type Router struct {
	byKind map[string]Generator
}

func NewRouter(byKind map[string]Generator) *Router {
	return &Router{byKind: byKind}
}

func (r *Router) Supports(kind string) bool {
	_, ok := r.byKind[kind]
	return ok
}

func (r *Router) Generate(ctx context.Context, req Request) (Result, error) {
	gen, ok := r.byKind[req.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, req.Kind)
	}
	return gen.Generate(ctx, req)
}
