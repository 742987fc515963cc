package link

import (
	"github.com/hatlonely/fieldflow/field"
	"github.com/hatlonely/fieldflow/rdb"
)

type Relationship = field.Relationship

const (
	ManyOne  = field.ManyOne
	OneMany  = field.OneMany
	OneOne   = field.OneOne
	ManyMany = field.ManyMany
)

// Storage 关联关系的物理存储方式
type Storage int

const (
	// SelfFK 外键列在当前表
	SelfFK Storage = iota
	// ForeignFK 外键列在外表
	ForeignFK
	// Junction 关联表
	Junction
)

func (s Storage) String() string {
	switch s {
	case SelfFK:
		return "selfFK"
	case ForeignFK:
		return "foreignFK"
	case Junction:
		return "junction"
	}
	return "unknown"
}

// StorageOf 由关系与是否单向决定存储方式
//
//	manyOne, oneOne      外键在当前表
//	oneMany 双向         外键在外表
//	oneMany 单向         关联表
//	manyMany             关联表
func StorageOf(rel Relationship, isOneWay bool) Storage {
	switch rel {
	case ManyOne, OneOne:
		return SelfFK
	case OneMany:
		if isOneWay {
			return Junction
		}
		return ForeignFK
	default:
		return Junction
	}
}

// storageOf 双向 oneOne 的对称一侧看到的是对方表上的外键
func storageOf(o *field.LinkOptions) Storage {
	if o.Relationship == OneOne && o.ForeignKeyName == rdb.IDColumn && o.SelfKeyName != rdb.IDColumn {
		return ForeignFK
	}
	return StorageOf(o.Relationship, o.IsOneWay)
}

// Keys 关联存储的位置，宿主表中 SelfKeyName 列保存当前记录 id，ForeignKeyName 列保存外表记录 id
type Keys struct {
	FkHostTableName string
	SelfKeyName     string
	ForeignKeyName  string
}

func JunctionTableName(fieldID, symmetricFieldID string) string {
	if symmetricFieldID == "" {
		return "junction_" + fieldID
	}
	return "junction_" + fieldID + "_" + symmetricFieldID
}

func ForeignKeyColumn(fieldID string) string {
	return "__fk_" + fieldID
}

// DeriveKeys 生成新建关联字段的存储位置，selfTable 与 foreignTable 为物理表名
func DeriveKeys(fieldID, symmetricFieldID, selfTable, foreignTable string, rel Relationship, isOneWay bool) Keys {
	if isOneWay {
		symmetricFieldID = ""
	}
	switch StorageOf(rel, isOneWay) {
	case SelfFK:
		return Keys{FkHostTableName: selfTable, SelfKeyName: rdb.IDColumn, ForeignKeyName: ForeignKeyColumn(fieldID)}
	case ForeignFK:
		return Keys{FkHostTableName: foreignTable, SelfKeyName: ForeignKeyColumn(symmetricFieldID), ForeignKeyName: rdb.IDColumn}
	default:
		selfKey := ForeignKeyColumn(symmetricFieldID)
		if symmetricFieldID == "" {
			selfKey = ForeignKeyColumn(fieldID) + "_self"
		}
		return Keys{
			FkHostTableName: JunctionTableName(fieldID, symmetricFieldID),
			SelfKeyName:     selfKey,
			ForeignKeyName:  ForeignKeyColumn(fieldID),
		}
	}
}

// Apply 把存储位置写入关联选项
func (k Keys) Apply(o *field.LinkOptions) {
	o.FkHostTableName = k.FkHostTableName
	o.SelfKeyName = k.SelfKeyName
	o.ForeignKeyName = k.ForeignKeyName
}

func KeysOf(o *field.LinkOptions) Keys {
	return Keys{FkHostTableName: o.FkHostTableName, SelfKeyName: o.SelfKeyName, ForeignKeyName: o.ForeignKeyName}
}

// MirrorOptions 计算对称字段的选项，lookupFieldID 为对称字段展示的当前表字段
func MirrorOptions(f *field.Field, lookupFieldID string) (*field.LinkOptions, error) {
	o, ok := f.LinkOptions()
	if !ok {
		return nil, rdb.NewValidationError("link field [%s] has no options", f.ID)
	}
	if o.IsOneWay {
		return nil, rdb.NewValidationError("one way link field [%s] has no symmetric field", f.ID)
	}
	return &field.LinkOptions{
		Relationship:     o.Relationship.Reverse(),
		ForeignTableID:   f.TableID,
		LookupFieldID:    lookupFieldID,
		FkHostTableName:  o.FkHostTableName,
		SelfKeyName:      o.ForeignKeyName,
		ForeignKeyName:   o.SelfKeyName,
		SymmetricFieldID: f.ID,
		HasOrderColumn:   o.HasOrderColumn,
	}, nil
}

// OrderColumnOf 返回保存顺序的列，没有顺序列时返回空串
func OrderColumnOf(o *field.LinkOptions) string {
	if !o.HasOrderColumn {
		return ""
	}
	switch storageOf(o) {
	case Junction:
		return rdb.OrderColumn
	case ForeignFK:
		return o.SelfKeyName + "_order"
	default:
		return o.ForeignKeyName + "_order"
	}
}

// StorageOfField 返回已有关联字段的存储方式
func StorageOfField(f *field.Field) (Storage, error) {
	o, err := linkOptions(f)
	if err != nil {
		return 0, err
	}
	return storageOf(o), nil
}

// linkOptions 校验关联字段的选项
func linkOptions(f *field.Field) (*field.LinkOptions, error) {
	if !f.IsLink() {
		return nil, rdb.NewInvariantError("field [%s] of type %s is not a link", f.ID, f.Type)
	}
	if f.DBFieldName == "" {
		return nil, rdb.NewInvariantError("link field [%s] has no db field name", f.ID)
	}
	o, ok := f.LinkOptions()
	if !ok {
		return nil, rdb.NewValidationError("link field [%s] has no options", f.ID)
	}
	switch {
	case !o.Relationship.Valid():
		return nil, rdb.NewValidationError("link field [%s] has invalid relationship %q", f.ID, o.Relationship)
	case o.ForeignTableID == "":
		return nil, rdb.NewValidationError("link field [%s] requires foreignTableId", f.ID)
	case o.FkHostTableName == "" || o.SelfKeyName == "" || o.ForeignKeyName == "":
		return nil, rdb.NewValidationError("link field [%s] requires fkHostTableName, selfKeyName and foreignKeyName", f.ID)
	case !o.IsOneWay && o.SymmetricFieldID == "" && StorageOf(o.Relationship, false) == ForeignFK:
		return nil, rdb.NewValidationError("two way link field [%s] requires symmetricFieldId", f.ID)
	}
	return o, nil
}
