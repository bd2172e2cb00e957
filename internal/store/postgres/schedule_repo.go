package postgres

import (
	"context"

	"github.com/uptrace/bun"

	"byhandle/backend/internal/domain"
)

type ScheduleRepo struct {
	db *bun.DB
}

func NewScheduleRepo(db *bun.DB) *ScheduleRepo {
	return &ScheduleRepo{db: db}
}

func (r *ScheduleRepo) OperatingHours(ctx context.Context, businessID string) ([]domain.OperatingHour, error) {
	var rows []domain.OperatingHour
	err := r.db.NewSelect().
		Model(&rows).
		Where("business_id = ?", businessID).
		OrderExpr("position ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ReplaceOperatingHours swaps the whole weekly table in one transaction.
// Callers validate hours first; the primary key only guards against
// duplicate weekdays differing in case.
func (r *ScheduleRepo) ReplaceOperatingHours(ctx context.Context, businessID string, hours []domain.OperatingHour) error {
	rows := make([]domain.OperatingHour, 0, len(hours))
	for i, h := range hours {
		h.BusinessID = businessID
		h.Position = i
		rows = append(rows, h)
	}

	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewDelete().
			Model((*domain.OperatingHour)(nil)).
			Where("business_id = ?", businessID).
			Exec(ctx)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		_, err = tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
}
