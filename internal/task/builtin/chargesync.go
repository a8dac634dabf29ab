package builtin

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"scmbridge/internal/storage"
	"scmbridge/pkg/logx"
)

const (
	syncBatchSize       = 1000
	defaultRecentWindow = 72 * time.Hour
)

// SyncResult counts one sync run. Duplicate covers rows already present
// locally, repeated within the run, or lacking an id.
type SyncResult struct {
	Total     int `json:"totalCount"`
	New       int `json:"newCount"`
	Duplicate int `json:"duplicateCount"`
	Success   int `json:"successCount"`
	Failed    int `json:"errorCount"`
}

func (r SyncResult) String() string {
	return fmt.Sprintf("total=%d new=%d duplicate=%d success=%d failed=%d",
		r.Total, r.New, r.Duplicate, r.Success, r.Failed)
}

// ChargeSync copies charge data from the upstream views into the target store.
type ChargeSync struct {
	upstream Upstream
	stores   *storage.Registry
	target   storage.Marker
	window   time.Duration
	log      logx.Logger
	now      func() time.Time
}

func NewChargeSync(up Upstream, stores *storage.Registry, target storage.Marker, window time.Duration, log logx.Logger) *ChargeSync {
	if target.IsUnset() {
		target = storage.MarkerSPD
	}
	if window <= 0 {
		window = defaultRecentWindow
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ChargeSync{
		upstream: up,
		stores:   stores,
		target:   target,
		window:   window,
		log:      log.With(logx.String("comp", "chargesync")),
		now:      time.Now,
	}
}

// Migrate creates the local tables.
func (s *ChargeSync) Migrate(ctx context.Context) error {
	db, err := s.stores.DB(ctx, s.target)
	if err != nil {
		return err
	}
	return db.AutoMigrate(&ChargeItem{}, &InpatientCharge{}, &OutpatientCharge{})
}

func (s *ChargeSync) SyncChargeItem(ctx context.Context) (SyncResult, error) {
	return syncView(ctx, s, chargeItemView, "charge_item_id", false, func(r *ChargeItem) (string, bool) {
		r.trim()
		return r.ChargeItemID, r.ChargeItemID != ""
	})
}

func (s *ChargeSync) SyncInpatientCharge(ctx context.Context) (SyncResult, error) {
	return syncView(ctx, s, inpatientChargeView, "inpatient_charge_id", true, func(r *InpatientCharge) (int64, bool) {
		r.trim()
		return r.InpatientChargeID, r.InpatientChargeID != 0
	})
}

func (s *ChargeSync) SyncOutpatientCharge(ctx context.Context) (SyncResult, error) {
	return syncView(ctx, s, outpatientChargeView, "outpatient_charge_id", true, func(r *OutpatientCharge) (int64, bool) {
		r.trim()
		return r.OutpatientChargeID, r.OutpatientChargeID != 0
	})
}

// syncView reads view upstream, drops rows whose id already exists locally,
// and upserts the rest in batches. A failing batch is counted and the run
// continues; only connection and read errors abort.
func syncView[T any, K comparable](ctx context.Context, s *ChargeSync, view, idCol string, recent bool, key func(*T) (K, bool)) (SyncResult, error) {
	var res SyncResult
	log := s.log.With(logx.String("view", view))

	up, err := s.upstream.Open(ctx)
	if err != nil {
		return res, err
	}
	local, err := s.stores.DB(ctx, s.target)
	if err != nil {
		return res, err
	}

	q := up.Table(view)
	if recent {
		q = q.Where("charge_date >= ?", s.now().Add(-s.window).UTC())
	}
	var rows []T
	if err := q.Find(&rows).Error; err != nil {
		return res, fmt.Errorf("read %s: %w", view, err)
	}
	res.Total = len(rows)

	seen := make(map[K]struct{}, len(rows))
	var existing []K
	if err := local.Model(new(T)).Pluck(idCol, &existing).Error; err != nil {
		log.Warn("existing ids unavailable, syncing all rows", logx.Err(err))
	}
	for _, id := range existing {
		seen[id] = struct{}{}
	}

	fresh := make([]T, 0, len(rows))
	for i := range rows {
		id, ok := key(&rows[i])
		if !ok {
			res.Duplicate++
			continue
		}
		if _, dup := seen[id]; dup {
			res.Duplicate++
			continue
		}
		seen[id] = struct{}{}
		fresh = append(fresh, rows[i])
	}
	res.New = len(fresh)

	for start := 0; start < len(fresh); start += syncBatchSize {
		end := min(start+syncBatchSize, len(fresh))
		batch := fresh[start:end]
		if err := upsert(local, &batch); err != nil {
			res.Failed += len(batch)
			log.Error("batch save failed", logx.Int("from", start+1), logx.Int("to", end), logx.Err(err))
			continue
		}
		res.Success += len(batch)
	}

	log.Info("sync finished",
		logx.Int("total", res.Total),
		logx.Int("new", res.New),
		logx.Int("duplicate", res.Duplicate),
		logx.Int("success", res.Success),
		logx.Int("failed", res.Failed),
	)
	return res, nil
}

func upsert(db *gorm.DB, rows any) error {
	return db.Clauses(clause.OnConflict{UpdateAll: true}).Create(rows).Error
}
