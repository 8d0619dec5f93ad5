package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"witness/internal/domain"
)

// KELRepository stores accepted events, receipts and location replies in Postgres.
type KELRepository struct {
	db *gorm.DB
}

func NewKELRepository(db *gorm.DB) *KELRepository {
	return &KELRepository{db: db}
}

func (r *KELRepository) Tip(ctx context.Context, prefix domain.Prefix) (domain.EventRecord, error) {
	if r.db == nil {
		return domain.EventRecord{}, errDBUnavailable
	}
	var model KeyEventModel
	err := r.db.WithContext(ctx).
		Where("prefix = ?", string(prefix)).
		Order("sn DESC").
		Take(&model).Error
	if err != nil {
		return domain.EventRecord{}, notFound(err)
	}
	return eventFromModel(model)
}

func (r *KELRepository) EventAt(ctx context.Context, prefix domain.Prefix, sn uint64) (domain.EventRecord, error) {
	if r.db == nil {
		return domain.EventRecord{}, errDBUnavailable
	}
	var model KeyEventModel
	err := r.db.WithContext(ctx).
		Where("prefix = ? AND sn = ?", string(prefix), int64(sn)).
		Take(&model).Error
	if err != nil {
		return domain.EventRecord{}, notFound(err)
	}
	return eventFromModel(model)
}

func (r *KELRepository) AppendEvent(ctx context.Context, rec domain.EventRecord) error {
	if r.db == nil {
		return errDBUnavailable
	}
	keys, err := encodeKeys(rec.Keys)
	if err != nil {
		return err
	}
	model := KeyEventModel{
		Prefix:     string(rec.Prefix),
		SN:         int64(rec.SN),
		Ilk:        string(rec.Ilk),
		Digest:     rec.Digest,
		Prior:      rec.Prior,
		Keys:       keys,
		Threshold:  int64(rec.Threshold),
		BodySize:   rec.BodySize,
		Raw:        copyBytes(rec.Raw),
		AcceptedAt: rec.AcceptedAt,
	}
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if rec.SN > 0 {
			var tip KeyEventModel
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("prefix = ?", model.Prefix).
				Order("sn DESC").
				Take(&tip).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("%w: no inception for %s", domain.ErrOutOfOrder, rec.Prefix)
				}
				return err
			}
			if tip.SN+1 != model.SN {
				if tip.SN >= model.SN {
					return fmt.Errorf("%w: %s at sn %d", domain.ErrDuplicateEvent, rec.Prefix, rec.SN)
				}
				return fmt.Errorf("%w: expected sn %d, got %d", domain.ErrOutOfOrder, tip.SN+1, rec.SN)
			}
		}
		return tx.Create(&model).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s at sn %d", domain.ErrDuplicateEvent, rec.Prefix, rec.SN)
	}
	return err
}

func (r *KELRepository) Events(ctx context.Context, prefix domain.Prefix) ([]domain.EventRecord, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []KeyEventModel
	err := r.db.WithContext(ctx).
		Where("prefix = ?", string(prefix)).
		Order("sn ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.EventRecord, 0, len(models))
	for _, model := range models {
		rec, err := eventFromModel(model)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *KELRepository) AppendReceipt(ctx context.Context, rec domain.ReceiptRecord) (bool, error) {
	if r.db == nil {
		return false, errDBUnavailable
	}
	model := ReceiptModel{
		Prefix:    string(rec.Prefix),
		SN:        int64(rec.SN),
		Witness:   string(rec.Witness),
		Digest:    rec.Digest,
		Signature: copyBytes(rec.Signature),
		Raw:       copyBytes(rec.Raw),
		CreatedAt: rec.CreatedAt,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *KELRepository) Receipts(ctx context.Context, prefix domain.Prefix) ([]domain.ReceiptRecord, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []ReceiptModel
	err := r.db.WithContext(ctx).
		Where("prefix = ?", string(prefix)).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.ReceiptRecord, 0, len(models))
	for _, model := range models {
		out = append(out, domain.ReceiptRecord{
			Prefix:    domain.Prefix(model.Prefix),
			SN:        uint64(model.SN),
			Digest:    model.Digest,
			Witness:   domain.Prefix(model.Witness),
			Signature: copyBytes(model.Signature),
			Raw:       copyBytes(model.Raw),
			CreatedAt: model.CreatedAt,
		})
	}
	return out, nil
}

func (r *KELRepository) PutLocation(ctx context.Context, rec domain.LocationRecord) error {
	if r.db == nil {
		return errDBUnavailable
	}
	model := LocationReplyModel{
		EID:       string(rec.EID),
		Scheme:    rec.Scheme,
		URL:       rec.URL,
		Digest:    rec.Digest,
		Timestamp: rec.Timestamp,
		Raw:       copyBytes(rec.Raw),
		UpdatedAt: rec.UpdatedAt,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "eid"}, {Name: "scheme"}},
			DoUpdates: clause.AssignmentColumns([]string{"url", "digest", "dt", "raw", "updated_at"}),
		}).
		Create(&model).Error
}

func (r *KELRepository) Locations(ctx context.Context, eid domain.Prefix) ([]domain.LocationRecord, error) {
	if r.db == nil {
		return nil, errDBUnavailable
	}
	var models []LocationReplyModel
	err := r.db.WithContext(ctx).
		Where("eid = ?", string(eid)).
		Order("scheme ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.LocationRecord, 0, len(models))
	for _, model := range models {
		out = append(out, domain.LocationRecord{
			EID:       domain.Prefix(model.EID),
			Scheme:    model.Scheme,
			URL:       model.URL,
			Digest:    model.Digest,
			Timestamp: model.Timestamp,
			Raw:       copyBytes(model.Raw),
			UpdatedAt: model.UpdatedAt,
		})
	}
	return out, nil
}

func eventFromModel(model KeyEventModel) (domain.EventRecord, error) {
	keys, err := decodeKeys(model.Keys)
	if err != nil {
		return domain.EventRecord{}, err
	}
	return domain.EventRecord{
		Prefix:     domain.Prefix(model.Prefix),
		SN:         uint64(model.SN),
		Ilk:        domain.Ilk(model.Ilk),
		Digest:     model.Digest,
		Prior:      model.Prior,
		Keys:       keys,
		Threshold:  uint64(model.Threshold),
		BodySize:   model.BodySize,
		Raw:        copyBytes(model.Raw),
		AcceptedAt: model.AcceptedAt,
	}, nil
}
