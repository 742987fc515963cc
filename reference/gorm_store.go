package reference

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm/clause"

	"github.com/hatlonely/fieldflow/rdb"
	"github.com/hatlonely/fieldflow/uid"
)

// ReferenceModel 引用边
type ReferenceModel struct {
	ID          string    `gorm:"primaryKey;column:id;size:64"`
	FromFieldID string    `gorm:"column:from_field_id;size:64;not null;index:index_reference_from;uniqueIndex:uniq_reference_to_from,priority:2"`
	ToFieldID   string    `gorm:"column:to_field_id;size:64;not null;uniqueIndex:uniq_reference_to_from,priority:1"`
	CreatedTime time.Time `gorm:"autoCreateTime;column:created_time"`
}

func (ReferenceModel) TableName() string {
	return "reference"
}

type GormStoreOptions struct {
	Gateway *rdb.GormGateway `cfg:"-"`
}

// GormStore 基于 gorm 的引用图存储
type GormStore struct {
	gateway *rdb.GormGateway
	ids     uid.Generator
}

func NewGormStoreWithOptions(options *GormStoreOptions) (*GormStore, error) {
	if options == nil || options.Gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if err := options.Gateway.DB(context.Background()).AutoMigrate(&ReferenceModel{}); err != nil {
		return nil, errors.Wrap(err, "AutoMigrate failed")
	}
	return &GormStore{
		gateway: options.Gateway,
		ids:     uid.NewUUIDGeneratorWithOptions(&uid.UUIDOptions{Prefix: "ref"}),
	}, nil
}

func (s *GormStore) Add(ctx context.Context, edges ...Edge) error {
	edges, err := normalize(edges)
	if err != nil || len(edges) == 0 {
		return err
	}
	models := make([]ReferenceModel, len(edges))
	for i, e := range edges {
		models[i] = ReferenceModel{ID: s.ids.Generate(), FromFieldID: e.FromFieldID, ToFieldID: e.ToFieldID}
	}
	err = s.gateway.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&models).Error
	return errors.Wrap(err, "create reference failed")
}

func (s *GormStore) Delete(ctx context.Context, edges ...Edge) error {
	db := s.gateway.DB(ctx)
	for _, e := range edges {
		err := db.Where("from_field_id = ? AND to_field_id = ?", e.FromFieldID, e.ToFieldID).Delete(&ReferenceModel{}).Error
		if err != nil {
			return errors.Wrap(err, "delete reference failed")
		}
	}
	return nil
}

func (s *GormStore) DeleteTo(ctx context.Context, toIDs ...string) error {
	return s.deleteWhere(ctx, "to_field_id IN ?", toIDs)
}

func (s *GormStore) DeleteFrom(ctx context.Context, fromIDs ...string) error {
	return s.deleteWhere(ctx, "from_field_id IN ?", fromIDs)
}

func (s *GormStore) deleteWhere(ctx context.Context, cond string, ids []string) error {
	return chunk(ids, batchSize, func(ids []string) error {
		return errors.Wrap(s.gateway.DB(ctx).Where(cond, ids).Delete(&ReferenceModel{}).Error, "delete reference failed")
	})
}

func (s *GormStore) Replace(ctx context.Context, toID string, fromIDs []string) error {
	for _, id := range fromIDs {
		if err := (Edge{FromFieldID: id, ToFieldID: toID}).validate(); err != nil {
			return err
		}
	}
	return s.gateway.WithTx(ctx, func(ctx context.Context) error {
		existing, err := s.Incoming(ctx, []string{toID})
		if err != nil {
			return err
		}
		added, removed := replaceDiff(toID, existing, fromIDs)
		if err := s.Delete(ctx, removed...); err != nil {
			return err
		}
		return s.Add(ctx, added...)
	})
}

func (s *GormStore) Outgoing(ctx context.Context, fromIDs []string) ([]Edge, error) {
	return s.selectWhere(ctx, "from_field_id IN ?", fromIDs)
}

func (s *GormStore) Incoming(ctx context.Context, toIDs []string) ([]Edge, error) {
	return s.selectWhere(ctx, "to_field_id IN ?", toIDs)
}

func (s *GormStore) selectWhere(ctx context.Context, cond string, ids []string) ([]Edge, error) {
	var edges []Edge
	err := chunk(ids, batchSize, func(ids []string) error {
		var models []ReferenceModel
		if err := s.gateway.DB(ctx).Where(cond, ids).Find(&models).Error; err != nil {
			return errors.Wrap(err, "query reference failed")
		}
		for _, m := range models {
			edges = append(edges, Edge{FromFieldID: m.FromFieldID, ToFieldID: m.ToFieldID})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortEdges(edges)
	return edges, nil
}

