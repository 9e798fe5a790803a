package main

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	"github.com/codeready-toolchain/livequery/pkg/action"
	"github.com/codeready-toolchain/livequery/pkg/notify"
	"github.com/codeready-toolchain/livequery/pkg/reactive"
	"github.com/codeready-toolchain/livequery/pkg/version"
)

// Item is one row of the demo items table.
type Item struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type addItemParams struct {
	Name string `json:"name"`
}

type removeItemParams struct {
	ID int64 `json:"id"`
}

type loginParams struct {
	User string `json:"user"`
}

// newActions builds the demo action set. The session store is created once
// here; each session lazily gets its own slot, so login state never crosses
// connections. The returned factory runs once per connection under that
// connection's session context.
func newActions(db *stdsql.DB, pg *notify.PostgresNotifier) action.Factory {
	currentUser := reactive.NewSessionStore("")
	itemsChanged := pg.NotifierFor("items")
	startedAt := time.Now()

	return func(ctx context.Context) action.Map {
		return action.Map{
			// itemsList streams the items table, re-read whenever a
			// mutation publishes a change notification.
			"itemsList": &action.Query{
				Deps:     []reactive.Source{itemsChanged},
				Debounce: 25 * time.Millisecond,
				Cache:    reactive.CachePolicy{Mode: reactive.CacheTTL, TTL: time.Minute},
				Resolve: func(ctx context.Context, params any) (any, error) {
					return listItems(ctx, db)
				},
			},

			"addItem": &action.Mutation{
				Validate: action.Schema[addItemParams]{},
				Execute: func(ctx context.Context, params any) (any, error) {
					p := params.(addItemParams)
					if p.Name == "" {
						return nil, &action.InvalidInputError{Reason: "name must not be empty"}
					}
					var id int64
					err := db.QueryRowContext(ctx,
						"INSERT INTO items (name) VALUES ($1) RETURNING id", p.Name).Scan(&id)
					if err != nil {
						return nil, fmt.Errorf("failed to insert item: %w", err)
					}
					if err := notify.Publish(ctx, db, "items"); err != nil {
						return nil, fmt.Errorf("failed to publish change: %w", err)
					}
					return Item{ID: id, Name: p.Name}, nil
				},
			},

			"removeItem": &action.Mutation{
				Validate: action.Schema[removeItemParams]{},
				Execute: func(ctx context.Context, params any) (any, error) {
					p := params.(removeItemParams)
					res, err := db.ExecContext(ctx, "DELETE FROM items WHERE id = $1", p.ID)
					if err != nil {
						return nil, fmt.Errorf("failed to delete item: %w", err)
					}
					removed, _ := res.RowsAffected()
					if removed > 0 {
						if err := notify.Publish(ctx, db, "items"); err != nil {
							return nil, fmt.Errorf("failed to publish change: %w", err)
						}
					}
					return map[string]any{"removed": removed}, nil
				},
			},

			// sessionUser streams this session's login state. The store is
			// session-scoped, so each connection sees only its own user.
			"sessionUser": &action.Query{
				Deps: []reactive.Source{currentUser},
				Resolve: func(ctx context.Context, params any) (any, error) {
					user, err := currentUser.Get(ctx)
					if err != nil {
						return nil, err
					}
					return map[string]any{"user": user}, nil
				},
			},

			"login": &action.Mutation{
				Validate: action.Schema[loginParams]{},
				Execute: func(ctx context.Context, params any) (any, error) {
					p := params.(loginParams)
					if p.User == "" {
						return nil, &action.InvalidInputError{Reason: "user must not be empty"}
					}
					if err := currentUser.Set(ctx, p.User); err != nil {
						return nil, err
					}
					return map[string]any{"user": p.User}, nil
				},
			},

			"logout": &action.Mutation{
				Execute: func(ctx context.Context, params any) (any, error) {
					if err := currentUser.Set(ctx, ""); err != nil {
						return nil, err
					}
					return map[string]any{"user": ""}, nil
				},
			},

			// stats has no deps: it resolves once per subscribe.
			"stats": &action.Query{
				Resolve: func(ctx context.Context, params any) (any, error) {
					var count int
					if err := db.QueryRowContext(ctx, "SELECT count(*) FROM items").Scan(&count); err != nil {
						return nil, fmt.Errorf("failed to count items: %w", err)
					}
					return map[string]any{
						"items":          count,
						"uptime_seconds": int(time.Since(startedAt).Seconds()),
						"version":        version.Full(),
					}, nil
				},
			},
		}
	}
}

func listItems(ctx context.Context, db *stdsql.DB) ([]Item, error) {
	rows, err := db.QueryContext(ctx, "SELECT id, name FROM items ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Name); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read items: %w", err)
	}
	return items, nil
}
