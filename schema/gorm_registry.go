package schema

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/rdb"
)

// FieldModel 字段定义表
type FieldModel struct {
	ID                  string     `gorm:"primaryKey;column:id;size:64"`
	TableID             string     `gorm:"index;column:table_id;size:64"`
	Name                string     `gorm:"column:name"`
	Type                string     `gorm:"column:type;size:32"`
	CellValueType       string     `gorm:"column:cell_value_type;size:16"`
	IsLookup            bool       `gorm:"column:is_lookup"`
	IsConditionalLookup bool       `gorm:"column:is_conditional_lookup"`
	IsComputed          bool       `gorm:"column:is_computed"`
	IsMultipleCellValue bool       `gorm:"column:is_multiple_cell_value"`
	IsPrimary           bool       `gorm:"column:is_primary"`
	Options             string     `gorm:"type:text;column:options"`
	LookupOptions       string     `gorm:"type:text;column:lookup_options"`
	DBFieldName         string     `gorm:"column:db_field_name"`
	DBFieldType         string     `gorm:"column:db_field_type;size:16"`
	DBGenerated         bool       `gorm:"column:db_generated"`
	HasError            bool       `gorm:"column:has_error"`
	Version             int        `gorm:"column:version"`
	DeletedTime         *time.Time `gorm:"column:deleted_time"`
	CreatedAt           time.Time  `gorm:"autoCreateTime;column:created_at"`
	UpdatedAt           time.Time  `gorm:"autoUpdateTime;column:updated_at"`
}

func (FieldModel) TableName() string {
	return "field"
}

// TableModel 表元数据
type TableModel struct {
	ID          string `gorm:"primaryKey;column:id;size:64"`
	Name        string `gorm:"column:name"`
	DBTableName string `gorm:"column:db_table_name"`
}

func (TableModel) TableName() string {
	return "table_meta"
}

// GormRegistry 基于 gorm 的字段注册表，通过网关取得事务绑定的 *gorm.DB
type GormRegistry struct {
	gateway *rdb.GormGateway
}

func NewGormRegistry(ctx context.Context, gateway *rdb.GormGateway) (*GormRegistry, error) {
	if gateway == nil {
		return nil, errors.New("gateway is nil")
	}
	if err := gateway.DB(ctx).AutoMigrate(&FieldModel{}, &TableModel{}); err != nil {
		return nil, errors.Wrap(err, "AutoMigrate failed")
	}
	return &GormRegistry{gateway: gateway}, nil
}

func (r *GormRegistry) Field(ctx context.Context, id string) (*field.Field, error) {
	var m FieldModel
	err := r.gateway.DB(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrFieldNotFound, "field [%s]", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load field [%s] failed", id)
	}
	return m.toField()
}

func (r *GormRegistry) Fields(ctx context.Context, ids []string) ([]*field.Field, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var models []FieldModel
	if err := r.gateway.DB(ctx).Where("id IN ?", ids).Order("id").Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "load fields failed")
	}
	return toFields(models)
}

func (r *GormRegistry) TableFields(ctx context.Context, tableID string) ([]*field.Field, error) {
	var models []FieldModel
	err := r.gateway.DB(ctx).
		Where("table_id = ? AND deleted_time IS NULL", tableID).
		Order("id").
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrapf(err, "load fields of table [%s] failed", tableID)
	}
	return toFields(models)
}

func (r *GormRegistry) Table(ctx context.Context, tableID string) (*Table, error) {
	var m TableModel
	err := r.gateway.DB(ctx).Where("id = ?", tableID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(ErrTableNotFound, "table [%s]", tableID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load table [%s] failed", tableID)
	}
	return &Table{ID: m.ID, Name: m.Name, DBTableName: m.DBTableName}, nil
}

// SaveTables 写入表元数据，供建表流程与测试使用
func (r *GormRegistry) SaveTables(ctx context.Context, tables ...*Table) error {
	db := r.gateway.DB(ctx)
	for _, t := range tables {
		m := TableModel{ID: t.ID, Name: t.Name, DBTableName: t.DBTableName}
		if err := db.Save(&m).Error; err != nil {
			return errors.Wrapf(err, "save table [%s] failed", t.ID)
		}
	}
	return nil
}

func (r *GormRegistry) SaveFields(ctx context.Context, fields ...*field.Field) error {
	db := r.gateway.DB(ctx)
	for _, f := range fields {
		m, err := fromField(f)
		if err != nil {
			return err
		}
		if err := db.Save(m).Error; err != nil {
			return errors.Wrapf(err, "save field [%s] failed", f.ID)
		}
	}
	return nil
}

func fromField(f *field.Field) (*FieldModel, error) {
	options, err := field.MarshalOptions(f.Options)
	if err != nil {
		return nil, errors.WithMessagef(err, "field [%s]", f.ID)
	}
	lookup, err := field.MarshalLookupOptions(f.LookupOptions)
	if err != nil {
		return nil, errors.WithMessagef(err, "field [%s]", f.ID)
	}
	return &FieldModel{
		ID:                  f.ID,
		TableID:             f.TableID,
		Name:                f.Name,
		Type:                string(f.Type),
		CellValueType:       string(f.CellValueType),
		IsLookup:            f.IsLookup,
		IsConditionalLookup: f.IsConditionalLookup,
		IsComputed:          f.IsComputed,
		IsMultipleCellValue: f.IsMultipleCellValue,
		IsPrimary:           f.IsPrimary,
		Options:             string(options),
		LookupOptions:       string(lookup),
		DBFieldName:         f.DBFieldName,
		DBFieldType:         string(f.DBFieldType),
		DBGenerated:         f.DBGenerated,
		HasError:            f.HasError,
		Version:             f.Version,
		DeletedTime:         f.DeletedTime,
	}, nil
}

func (m *FieldModel) toField() (*field.Field, error) {
	t := field.Type(m.Type)
	options, err := field.UnmarshalOptions(t, []byte(m.Options))
	if err != nil {
		return nil, errors.WithMessagef(err, "field [%s]", m.ID)
	}
	lookup, err := field.UnmarshalLookupOptions([]byte(m.LookupOptions))
	if err != nil {
		return nil, errors.WithMessagef(err, "field [%s]", m.ID)
	}
	return &field.Field{
		ID:                  m.ID,
		TableID:             m.TableID,
		Name:                m.Name,
		Type:                t,
		CellValueType:       field.CellValueType(m.CellValueType),
		IsLookup:            m.IsLookup,
		IsConditionalLookup: m.IsConditionalLookup,
		IsComputed:          m.IsComputed,
		IsMultipleCellValue: m.IsMultipleCellValue,
		IsPrimary:           m.IsPrimary,
		Options:             options,
		LookupOptions:       lookup,
		DBFieldName:         m.DBFieldName,
		DBFieldType:         field.DBFieldType(m.DBFieldType),
		DBGenerated:         m.DBGenerated,
		HasError:            m.HasError,
		Version:             m.Version,
		DeletedTime:         m.DeletedTime,
	}, nil
}

func toFields(models []FieldModel) ([]*field.Field, error) {
	fields := make([]*field.Field, 0, len(models))
	for i := range models {
		f, err := models[i].toField()
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}
	return fields, nil
}
