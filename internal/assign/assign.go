// Package assign implements the least-busy auto-assignment heuristic used
// when a contact ticket arrives with a region.
package assign

import (
	"context"

	"github.com/jackc/pgx/v5"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Candidate is a staff user considered for assignment.
type Candidate struct {
	ID        string
	OpenCount int
}

// candidate listing is ordered by created_at then id so the tie-break in
// Pick is stable across runs.
const candidatesQuery = `select u.id::text
from users u
join user_roles ur on ur.user_id = u.id
join roles r on r.id = ur.role_id
where r.name = 'agent' and u.region_id = $1 and u.active
order by u.created_at, u.id`

const openCountQuery = `select count(*) from tickets
where assigned_to = $1 and status <> 'closed' and deleted_at is null`

// Pick selects the region's agent with the strictly smallest number of
// non-closed assigned tickets. Ties go to the first candidate in listing
// order. A region with no agents yields (nil, nil); that is a normal
// outcome, not an error, and the ticket stays unassigned.
func Pick(ctx context.Context, db DB, regionID string) (*Candidate, error) {
	rows, err := db.Query(ctx, candidatesQuery, regionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var best *Candidate
	for _, id := range ids {
		var n int
		if err := db.QueryRow(ctx, openCountQuery, id).Scan(&n); err != nil {
			return nil, err
		}
		if best == nil || n < best.OpenCount {
			best = &Candidate{ID: id, OpenCount: n}
		}
	}
	return best, nil
}
