package anon

import (
	"context"
	"fmt"

	driftmail "github.com/driftmail/driftmail-go"
)

// MatchMode selects how criteria items combine within one criteria.
type MatchMode int

const (
	// MatchAny matches a criteria when at least one of its items is
	// satisfied.
	MatchAny MatchMode = iota
	// MatchAll matches a criteria only when every item is satisfied.
	MatchAll
)

// String returns the config spelling of the mode.
func (m MatchMode) String() string {
	if m == MatchAll {
		return "all"
	}
	return "any"
}

// ParseMatchMode parses the config spelling of a match mode.
func ParseMatchMode(s string) (MatchMode, error) {
	switch s {
	case "any", "":
		return MatchAny, nil
	case "all":
		return MatchAll, nil
	default:
		return MatchAny, fmt.Errorf("anon: invalid match mode %q", s)
	}
}

// EventSource is the read surface the evaluator needs; Store satisfies it.
type EventSource interface {
	EventsByType(ctx context.Context, typ EventType, name string) ([]Event, error)
}

// EvaluateCriteria checks the buffered events against each criteria in order
// and returns the id of the first matching criteria. The check is recomputed
// from scratch on every call; buffers stay small before identification, so
// the O(buffer x criteria) cost is acceptable.
func EvaluateCriteria(ctx context.Context, src EventSource, criteria []driftmail.Criteria, mode MatchMode) (string, bool, error) {
	for _, c := range criteria {
		matched, err := criteriaMatches(ctx, src, c, mode)
		if err != nil {
			return "", false, err
		}
		if matched {
			return c.ID, true, nil
		}
	}
	return "", false, nil
}

func criteriaMatches(ctx context.Context, src EventSource, c driftmail.Criteria, mode MatchMode) (bool, error) {
	if len(c.Items) == 0 {
		return false, nil
	}
	for _, item := range c.Items {
		ok, err := itemSatisfied(ctx, src, item)
		if err != nil {
			return false, err
		}
		switch mode {
		case MatchAll:
			if !ok {
				return false, nil
			}
		default:
			if ok {
				return true, nil
			}
		}
	}
	return mode == MatchAll, nil
}

// itemSatisfied reports whether the buffered events of the item's type and
// name reach the item's aggregate count. A missing count means 1.
func itemSatisfied(ctx context.Context, src EventSource, item driftmail.CriteriaItem) (bool, error) {
	events, err := src.EventsByType(ctx, EventType(item.EventType), item.Name)
	if err != nil {
		return false, fmt.Errorf("filter events for criteria item: %w", err)
	}

	threshold := item.AggregateCount
	if threshold < 1 {
		threshold = 1
	}
	return len(events) >= threshold, nil
}
