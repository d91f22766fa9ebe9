package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("store: document not found")
	// ErrInvalidField indicates a field name unsafe for query composition.
	ErrInvalidField = errors.New("store: invalid field name")

	errMissingDatabase = errors.New("store: database handle is required")

	fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

const (
	queryModelType    = "model_type = ?"
	queryModelAndID   = "model_type = ? AND doc_id = ?"
	columnDocID       = "doc_id"
	jsonFieldTemplate = "json_extract(fields_json, '$.%s')"
)

// DocumentRow is the persisted shape of a document: the dynamic field map is
// serialized to JSON and addressed with json_extract in view queries.
type DocumentRow struct {
	ModelType        string `gorm:"column:model_type;primaryKey;size:190;not null"`
	DocID            string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	FieldsJSON       string `gorm:"column:fields_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRow) TableName() string {
	return "documents"
}

// GormConfig wires the SQL-backed adapter.
type GormConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Gorm implements Adapter on top of a GORM connection.
type Gorm struct {
	db     *gorm.DB
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger
}

// NewGorm constructs the adapter, defaulting the id provider and clock.
func NewGorm(cfg GormConfig) (*Gorm, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gorm{db: cfg.Database, ids: ids, clock: clock, logger: logger}, nil
}

// EnsureModel is a no-op for the SQL adapter: all models share the documents
// table and field schemas are enforced at the boundary.
func (adapter *Gorm) EnsureModel(_ context.Context, _ string, _ []string) error {
	return nil
}

// Fetch loads one document.
func (adapter *Gorm) Fetch(ctx context.Context, modelType, id string) (map[string]any, error) {
	var row DocumentRow
	err := adapter.db.WithContext(ctx).
		Where(queryModelAndID, modelType, id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDocument(row)
}

// Insert stores a new document, minting an id when absent.
func (adapter *Gorm) Insert(ctx context.Context, modelType string, document map[string]any) (string, error) {
	id, _ := document["id"].(string)
	if id == "" {
		minted, err := adapter.ids.NewID()
		if err != nil {
			return "", err
		}
		id = minted
	}

	stored := make(map[string]any, len(document)+1)
	for field, value := range document {
		stored[field] = value
	}
	stored["id"] = id

	encoded, err := json.Marshal(stored)
	if err != nil {
		return "", err
	}
	row := DocumentRow{
		ModelType:        modelType,
		DocID:            id,
		FieldsJSON:       string(encoded),
		UpdatedAtSeconds: adapter.clock().UTC().Unix(),
	}
	if err := adapter.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", err
	}
	return id, nil
}

// Update merges fields into an existing document under a row lock.
func (adapter *Gorm) Update(ctx context.Context, modelType, id string, fields map[string]any) error {
	return adapter.mutateDocument(ctx, modelType, id, func(document map[string]any) {
		for field, value := range fields {
			document[field] = value
		}
	})
}

// DeleteField removes a single field from a document.
func (adapter *Gorm) DeleteField(ctx context.Context, modelType, id, field string) error {
	return adapter.mutateDocument(ctx, modelType, id, func(document map[string]any) {
		delete(document, field)
	})
}

// Delete removes the whole document.
func (adapter *Gorm) Delete(ctx context.Context, modelType, id string) error {
	result := adapter.db.WithContext(ctx).
		Where(queryModelAndID, modelType, id).
		Delete(&DocumentRow{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ViewIDs materializes one page of document ids for a view instance.
func (adapter *Gorm) ViewIDs(ctx context.Context, view ViewQuery) ([]string, error) {
	tx, err := adapter.compileView(ctx, view)
	if err != nil {
		return nil, err
	}
	if view.Offset > 0 {
		tx = tx.Offset(view.Offset)
	}
	if view.Limit > 0 {
		tx = tx.Limit(view.Limit)
	}
	var ids []string
	if err := tx.Pluck(columnDocID, &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ViewCount counts the members of a view instance.
func (adapter *Gorm) ViewCount(ctx context.Context, view ViewQuery) (int64, error) {
	tx, err := adapter.compileView(ctx, view)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := tx.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (adapter *Gorm) compileView(ctx context.Context, view ViewQuery) (*gorm.DB, error) {
	plan := queryPlan{}
	shaped := plan.asQuery()
	if view.Transform != nil {
		shaped = view.Transform(shaped, DSL{}, view.Params)
	}
	compiled, ok := shaped.(queryPlan)
	if !ok {
		return nil, fmt.Errorf("store: transform returned a foreign query type %T", shaped)
	}

	tx := adapter.db.WithContext(ctx).
		Model(&DocumentRow{}).
		Where(queryModelType, view.Type)
	for _, filter := range compiled.filters {
		if !fieldNamePattern.MatchString(filter.field) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidField, filter.field)
		}
		tx = tx.Where(fmt.Sprintf(jsonFieldTemplate+" = ?", filter.field), filter.value)
	}
	for _, order := range compiled.orders {
		if !fieldNamePattern.MatchString(order.Field) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidField, order.Field)
		}
		direction := "ASC"
		if order.Direction == Descending {
			direction = "DESC"
		}
		tx = tx.Order(fmt.Sprintf(jsonFieldTemplate+" %s", order.Field, direction))
	}
	return tx, nil
}

func (adapter *Gorm) mutateDocument(ctx context.Context, modelType, id string, mutate func(map[string]any)) error {
	return adapter.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row DocumentRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryModelAndID, modelType, id).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		document, err := decodeDocument(row)
		if err != nil {
			return err
		}
		mutate(document)
		document["id"] = id

		encoded, err := json.Marshal(document)
		if err != nil {
			return err
		}
		row.FieldsJSON = string(encoded)
		row.UpdatedAtSeconds = adapter.clock().UTC().Unix()
		return tx.Save(&row).Error
	})
}

func decodeDocument(row DocumentRow) (map[string]any, error) {
	document := map[string]any{}
	if err := json.Unmarshal([]byte(row.FieldsJSON), &document); err != nil {
		return nil, err
	}
	document["id"] = row.DocID
	return document, nil
}

type filterTerm struct {
	field string
	value any
}

// queryPlan is the value-semantics Query implementation the transforms
// compose; the adapter compiles it to SQL afterwards.
type queryPlan struct {
	filters []filterTerm
	orders  []OrderTerm
}

func (plan queryPlan) asQuery() Query {
	return plan
}

// Filter keeps documents whose field equals value.
func (plan queryPlan) Filter(field string, value any) Query {
	next := queryPlan{
		filters: append(append([]filterTerm(nil), plan.filters...), filterTerm{field: field, value: value}),
		orders:  plan.orders,
	}
	return next
}

// OrderBy appends ordering terms.
func (plan queryPlan) OrderBy(terms ...OrderTerm) Query {
	next := queryPlan{
		filters: plan.filters,
		orders:  append(append([]OrderTerm(nil), plan.orders...), terms...),
	}
	return next
}
