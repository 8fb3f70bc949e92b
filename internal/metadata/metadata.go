// Package metadata defines the core's view of the external draft-metadata
// collaborator (spec §6.2): an editable title/description/tags/visibility
// record the core only round-trips, never interprets.
package metadata

import "context"

// Draft is the subset of editable metadata the core passes through
// untouched between the create-session request and the draft endpoint.
type Draft struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Visibility  string   `json:"visibility,omitempty"`
	Category    string   `json:"category,omitempty"`
}

// Patch is a partial update applied to an existing draft via the draft
// endpoint; nil fields are left unchanged.
type Patch struct {
	Title       *string  `json:"title,omitempty"`
	Description *string  `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Visibility  *string  `json:"visibility,omitempty"`
	Category    *string  `json:"category,omitempty"`
}

// Client is the draft-metadata collaborator interface consumed at
// create-session time and via the draft endpoint (spec §6.2).
type Client interface {
	CreateDraft(ctx context.Context, ownerID string, initial Draft) (draftID string, err error)
	UpdateDraft(ctx context.Context, draftID string, patch Patch) error
	ReadDraft(ctx context.Context, draftID string) (Draft, error)
}

// NoopClient is a Client that persists nothing and returns an empty draft
// ID from CreateDraft, for deployments that do not wire a real metadata
// collaborator — the core's contract with it is pass-through only.
type NoopClient struct{}

func (NoopClient) CreateDraft(_ context.Context, _ string, _ Draft) (string, error) { return "", nil }
func (NoopClient) UpdateDraft(_ context.Context, _ string, _ Patch) error            { return nil }
func (NoopClient) ReadDraft(_ context.Context, _ string) (Draft, error)              { return Draft{}, nil }
