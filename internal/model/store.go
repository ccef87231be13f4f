package model

import "context"

// Store persists behavior models keyed by user ID.
type Store interface {
	// Get returns the model for a user, or ErrNotFound.
	Get(ctx context.Context, userID string) (*BehaviorModel, error)
	// Put inserts or replaces the model for a user.
	Put(ctx context.Context, m *BehaviorModel) error
	// Delete removes a user's model. Deleting a missing model is not an error.
	Delete(ctx context.Context, userID string) error
}
