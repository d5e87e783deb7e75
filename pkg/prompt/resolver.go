// Package prompt assembles completion request context: the character's
// prompt stack, keyword-triggered lorebook excerpts, and the bounded
// conversation history window.
package prompt

import (
	"context"
	"errors"
	"fmt"

	"lorechat/pkg/domain"
)

// ErrCharacterNotFound is returned when resolving a stack for an unknown
// character. An existing character with an empty stack is not an error.
var ErrCharacterNotFound = errors.New("character not found")

// Block is one resolved prompt stack entry. Static text, persona, and the
// character persona carry Content; lorebook, history, and mcp_tools blocks
// are placeholders the orchestrator fills at turn time, with RefID pointing
// at the lorebook where applicable.
type Block struct {
	Role    domain.MessageRole
	Kind    domain.BlockKind
	Content string
	RefID   string
}

// StackSource is the read-only storage surface the resolver needs.
type StackSource interface {
	GetCharacter(ctx context.Context, id string) (domain.Character, bool, error)
	ListPromptStack(ctx context.Context, characterID string) ([]domain.PromptPreset, error)
	GetStaticPreset(ctx context.Context, id string) (domain.StaticPreset, bool, error)
	GetPersona(ctx context.Context, id string) (domain.Persona, bool, error)
}

// Resolver resolves a character's ordered prompt stack into concrete blocks.
type Resolver struct {
	source StackSource
}

// NewResolver constructs a resolver over the given source.
func NewResolver(source StackSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the character persona followed by the attached stack
// entries in ascending sort order. Read-only.
func (r *Resolver) Resolve(ctx context.Context, characterID string) ([]Block, error) {
	character, ok, err := r.source.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, fmt.Errorf("load character: %w", err)
	}
	if !ok {
		return nil, ErrCharacterNotFound
	}

	blocks := make([]Block, 0, 8)
	if character.Persona != "" {
		blocks = append(blocks, Block{
			Role:    domain.RoleSystem,
			Kind:    domain.KindStaticText,
			Content: character.Persona,
		})
	}

	stack, err := r.source.ListPromptStack(ctx, characterID)
	if err != nil {
		return nil, fmt.Errorf("load prompt stack: %w", err)
	}
	for _, entry := range stack {
		block, err := r.resolveEntry(ctx, entry)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// resolveEntry dispatches on the block kind. The switch is exhaustive over
// domain.BlockKind; a new kind must be handled here before it can be attached.
func (r *Resolver) resolveEntry(ctx context.Context, entry domain.PromptPreset) (Block, error) {
	switch entry.Kind {
	case domain.KindStaticText:
		preset, ok, err := r.source.GetStaticPreset(ctx, entry.RefID)
		if err != nil {
			return Block{}, fmt.Errorf("load static preset %s: %w", entry.RefID, err)
		}
		if !ok {
			return Block{}, fmt.Errorf("static preset %s not found", entry.RefID)
		}
		role := entry.Role
		if role == "" {
			role = preset.Role
		}
		return Block{Role: role, Kind: domain.KindStaticText, Content: preset.Content}, nil

	case domain.KindPersona:
		persona, ok, err := r.source.GetPersona(ctx, entry.RefID)
		if err != nil {
			return Block{}, fmt.Errorf("load persona %s: %w", entry.RefID, err)
		}
		if !ok {
			return Block{}, fmt.Errorf("persona %s not found", entry.RefID)
		}
		return Block{Role: entry.Role, Kind: domain.KindPersona, Content: persona.Content}, nil

	case domain.KindLorebook:
		// Retrieval runs at turn time against the current scan text.
		return Block{Role: entry.Role, Kind: domain.KindLorebook, RefID: entry.RefID}, nil

	case domain.KindHistory:
		return Block{Role: entry.Role, Kind: domain.KindHistory}, nil

	case domain.KindMCPTools:
		return Block{Role: entry.Role, Kind: domain.KindMCPTools}, nil

	default:
		return Block{}, fmt.Errorf("unknown prompt block kind %q", entry.Kind)
	}
}
