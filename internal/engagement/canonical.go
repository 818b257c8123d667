package engagement

import (
	"context"
	"fmt"

	"zpulse/internal/domain"
)

// MaxMergeDepth bounds the walk along merged_into references.
const MaxMergeDepth = 32

// ParentFunc returns the merged_into target of id, or "" for a canonical record.
type ParentFunc func(ctx context.Context, id string) (string, error)

// ResolveCanonical follows merged_into references from id until it reaches a
// record without a parent. Cycles and chains longer than MaxMergeDepth yield
// domain.ErrMergeCycle.
func ResolveCanonical(ctx context.Context, id string, parent ParentFunc) (string, error) {
	visited := make(map[string]struct{}, 4)
	cur := id
	for depth := 0; depth <= MaxMergeDepth; depth++ {
		if _, seen := visited[cur]; seen {
			return "", fmt.Errorf("resolve %s: cycle at %s: %w", id, cur, domain.ErrMergeCycle)
		}
		visited[cur] = struct{}{}
		next, err := parent(ctx, cur)
		if err != nil {
			return "", err
		}
		if next == "" {
			return cur, nil
		}
		cur = next
	}
	return "", fmt.Errorf("resolve %s: depth exceeds %d: %w", id, MaxMergeDepth, domain.ErrMergeCycle)
}

// MapParents adapts an in-memory id -> merged_into map to a ParentFunc.
func MapParents(parents map[string]string) ParentFunc {
	return func(_ context.Context, id string) (string, error) {
		return parents[id], nil
	}
}
