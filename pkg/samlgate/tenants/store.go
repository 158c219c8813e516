package tenants

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/samlgate/samlgate/pkg/samlgate/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when no tenant matches the lookup.
	ErrNotFound = errors.New("tenant not found")

	// ErrInvalidLookupField is returned when a lookup uses a field other
	// than id, key or uuid. Route input must never select an arbitrary
	// column.
	ErrInvalidLookupField = errors.New("invalid tenant lookup field")
)

// lookupColumns whitelists the route-resolution fields.
var lookupColumns = map[string]string{
	"id":   "id",
	"key":  "key",
	"uuid": "uuid",
}

// Store is the persisted directory of IdP registrations.
type Store struct {
	db *gorm.DB
}

// NewStore creates a tenant store backed by db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) query(withTrashed bool) *gorm.DB {
	q := s.db.Model(&models.Tenant{})
	if withTrashed {
		q = q.Unscoped()
	}
	return q
}

// FindBy looks a tenant up by exactly one of the allowed identifier fields.
// Soft-deleted tenants are only visible when withTrashed is true.
func (s *Store) FindBy(field, value string, withTrashed bool) (*models.Tenant, error) {
	column, ok := lookupColumns[field]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLookupField, field)
	}

	var tenant models.Tenant
	err := s.query(withTrashed).Where(column+" = ?", value).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

// FindByUUID is a convenience wrapper for administrative lookups.
func (s *Store) FindByUUID(value string, withTrashed bool) (*models.Tenant, error) {
	return s.FindBy("uuid", value, withTrashed)
}

// All returns every tenant, optionally including soft-deleted rows.
func (s *Store) All(withTrashed bool) ([]models.Tenant, error) {
	var tenants []models.Tenant
	if err := s.query(withTrashed).Order("id").Find(&tenants).Error; err != nil {
		return nil, err
	}
	return tenants, nil
}

// Create inserts a new tenant, assigning its immutable UUID and the default
// NameID format when unset.
func (s *Store) Create(t *models.Tenant) error {
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	if t.NameIDFormat == "" {
		t.NameIDFormat = models.NameIDFormatPersistent
	}
	return s.db.Create(t).Error
}

// Update persists changes to a tenant. ID and UUID are never rewritten.
func (s *Store) Update(t *models.Tenant) error {
	return s.db.Omit("id", "uuid").Save(t).Error
}

// Delete soft-deletes a tenant, removing it from authentication traffic
// while keeping it restorable.
func (s *Store) Delete(t *models.Tenant) error {
	return s.db.Delete(t).Error
}

// Restore clears the soft-delete marker.
func (s *Store) Restore(t *models.Tenant) error {
	return s.db.Unscoped().Model(t).Update("deleted_at", nil).Error
}

// ForceDelete permanently removes a tenant row.
func (s *Store) ForceDelete(t *models.Tenant) error {
	return s.db.Unscoped().Delete(t).Error
}
