package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"scmbridge/internal/storage"
)

// GormRegistry stores definitions in the scheduled_task table of one routed
// store. The pool is resolved on every call, so a down store fails that call
// only.
type GormRegistry struct {
	stores *storage.Registry
	marker storage.Marker
	now    func() time.Time
}

func NewGormRegistry(stores *storage.Registry, marker storage.Marker) *GormRegistry {
	return &GormRegistry{stores: stores, marker: marker, now: time.Now}
}

// Migrate creates or updates the scheduled_task table.
func (r *GormRegistry) Migrate(ctx context.Context) error {
	db, err := r.db(ctx)
	if err != nil {
		return err
	}
	return db.AutoMigrate(&Definition{})
}

func (r *GormRegistry) db(ctx context.Context) (*gorm.DB, error) {
	return r.stores.DB(ctx, r.marker)
}

// scope selects the row for id. A handler-bound id also matches rows whose
// task_class carries a namespace prefix or a proxy suffix.
func scope(db *gorm.DB, id Identity) *gorm.DB {
	if id.IsLegacy() {
		return db.Where("(task_class IS NULL OR task_class = '') AND task_name = ?", id.Name)
	}
	h := likeEscaper.Replace(id.Handler)
	return db.Where(
		`task_method = ? AND (task_class = ? OR task_class LIKE ? ESCAPE '\' OR task_class LIKE ? ESCAPE '\' OR task_class LIKE ? ESCAPE '\')`,
		id.Method, id.Handler, "%."+h, h+"$$%", "%."+h+"$$%",
	)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

func (r *GormRegistry) ListAll(ctx context.Context) ([]Definition, error) {
	db, err := r.db(ctx)
	if err != nil {
		return nil, err
	}
	var defs []Definition
	if err := db.Order("id").Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return defs, nil
}

func (r *GormRegistry) Get(ctx context.Context, id Identity) (Definition, error) {
	db, err := r.db(ctx)
	if err != nil {
		return Definition{}, err
	}
	var def Definition
	err = scope(db.Model(&Definition{}), id).Order("id").First(&def).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Definition{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Definition{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return def, nil
}

func (r *GormRegistry) Insert(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	db, err := r.db(ctx)
	if err != nil {
		return err
	}
	id := def.Identity()
	return db.Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := scope(tx.Model(&Definition{}), id).Count(&n).Error; err != nil {
			return fmt.Errorf("insert job %s: %w", id, err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", ErrDuplicate, id)
		}
		if err := tx.Create(def).Error; err != nil {
			return fmt.Errorf("insert job %s: %w", id, err)
		}
		return nil
	})
}

func (r *GormRegistry) Update(ctx context.Context, id Identity, patch Patch) (Definition, error) {
	db, err := r.db(ctx)
	if err != nil {
		return Definition{}, err
	}
	var out Definition
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := scope(tx.Model(&Definition{}), id).First(&out).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		if patch.Empty() {
			return nil
		}
		if err := patch.apply(&out); err != nil {
			return err
		}
		return tx.Model(&Definition{}).Where("id = ?", out.ID).Updates(map[string]any{
			"task_name":       out.TaskName,
			"cron_expression": out.Schedule,
			"enabled":         out.Enabled,
			"max_exec_count":  out.MaxExecCount,
			"updated_at":      r.now(),
		}).Error
	})
	if err != nil {
		return Definition{}, err
	}
	return r.Get(ctx, id)
}

func (r *GormRegistry) Delete(ctx context.Context, id Identity) error {
	db, err := r.db(ctx)
	if err != nil {
		return err
	}
	res := scope(db, id).Delete(&Definition{})
	if res.Error != nil {
		return fmt.Errorf("delete job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// IncrementExecCount counts one execution. The update is conditional on the
// cap, so concurrent callers can never push the count past max_exec_count;
// the loser gets ErrCapReached.
func (r *GormRegistry) IncrementExecCount(ctx context.Context, id Identity) error {
	db, err := r.db(ctx)
	if err != nil {
		return err
	}
	res := scope(db.Model(&Definition{}), id).
		Where("(max_exec_count < 0 OR current_exec_count < max_exec_count)").
		UpdateColumns(map[string]any{
			"current_exec_count": gorm.Expr("current_exec_count + 1"),
			"last_exec_at":       r.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("update job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrCapReached, id)
	}
	return nil
}

func (r *GormRegistry) ResetExecCount(ctx context.Context, id Identity) error {
	return r.updateCount(ctx, id, map[string]any{
		"current_exec_count": 0,
		"updated_at":         r.now(),
	})
}

func (r *GormRegistry) updateCount(ctx context.Context, id Identity, cols map[string]any) error {
	db, err := r.db(ctx)
	if err != nil {
		return err
	}
	res := scope(db.Model(&Definition{}), id).UpdateColumns(cols)
	if res.Error != nil {
		return fmt.Errorf("update job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
