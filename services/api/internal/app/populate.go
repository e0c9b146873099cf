package app

import (
	"context"
	"fmt"

	"bookclub/pkg/domain"
)

// populate fills display fields on user references. Reviewers get their
// name; the holder of a checked-out book gets name and email. References to
// deleted users keep only the id.
func (a *App) populate(ctx context.Context, books ...*domain.Book) error {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, b := range books {
		if b.CheckedOutBy != nil {
			add(b.CheckedOutBy.ID)
		}
		for _, r := range b.Reviews {
			add(r.User.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	users, err := a.store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("fetch users: %w", err)
	}
	for _, b := range books {
		if b.CheckedOutBy != nil {
			if u, ok := users[b.CheckedOutBy.ID]; ok {
				ref := u.Ref()
				b.CheckedOutBy = &ref
			}
		}
		for i := range b.Reviews {
			if u, ok := users[b.Reviews[i].User.ID]; ok {
				b.Reviews[i].User = domain.UserRef{ID: u.ID, Name: u.Name}
			}
		}
	}
	return nil
}

func (a *App) populateBooks(ctx context.Context, books []domain.Book) error {
	ptrs := make([]*domain.Book, len(books))
	for i := range books {
		ptrs[i] = &books[i]
	}
	return a.populate(ctx, ptrs...)
}
