package quota

import "context"

// MutateFunc edits s in place. created is true when no state existed for the
// identity; s then holds only its IdentityID. Returning an error discards
// every change, including the creation.
type MutateFunc func(s *State, created bool) error

// Store persists quota states. Mutate must be atomic per identity: two
// concurrent Mutate calls for the same id never observe the same version.
type Store interface {
	Mutate(ctx context.Context, id string, fn MutateFunc) (*State, error)
	Get(ctx context.Context, id string) (*State, error)
}
