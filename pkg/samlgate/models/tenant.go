package models

import (
	"strconv"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// NameIDFormat keywords accepted on a tenant. The bare keyword is stored;
// expansion to the full URN happens when the SP configuration is built.
const (
	NameIDFormatPersistent                 = "persistent"
	NameIDFormatTransient                  = "transient"
	NameIDFormatEmailAddress               = "emailAddress"
	NameIDFormatKerberos                   = "kerberos"
	NameIDFormatEntity                     = "entity"
	NameIDFormatUnspecified                = "unspecified"
	NameIDFormatX509SubjectName            = "X509SubjectName"
	NameIDFormatWindowsDomainQualifiedName = "WindowsDomainQualifiedName"
)

// KnownNameIDFormats lists every keyword a tenant may carry.
var KnownNameIDFormats = []string{
	NameIDFormatPersistent,
	NameIDFormatTransient,
	NameIDFormatEmailAddress,
	NameIDFormatKerberos,
	NameIDFormatEntity,
	NameIDFormatUnspecified,
	NameIDFormatX509SubjectName,
	NameIDFormatWindowsDomainQualifiedName,
}

// Tenant is one IdP registration this gateway can authenticate against.
// A tenant is addressable by three interchangeable identifiers: the surrogate
// ID, the immutable UUID assigned at creation, and an optional human-chosen
// key. Which of the three appears in route URLs is a process-wide setting.
// Soft-deleted tenants stay resolvable for administration but never for
// authentication traffic.
type Tenant struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	UUID      string         `gorm:"uniqueIndex;not null" json:"uuid"`
	Key       *string        `gorm:"uniqueIndex" json:"key,omitempty"`

	IdPEntityID  string `gorm:"not null" json:"idp_entity_id"`
	IdPLoginURL  string `gorm:"not null" json:"idp_login_url"`
	IdPLogoutURL string `json:"idp_logout_url"`
	IdPX509Cert  string `gorm:"type:text" json:"idp_x509_cert"`

	RelayStateURL string            `json:"relay_state_url"`
	NameIDFormat  string            `gorm:"type:varchar(64);default:'persistent'" json:"name_id_format"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
}

// IdentifierValue returns the value of the given route-resolution field
// ("id", "key" or "uuid"). Unknown fields and a nil key yield "".
func (t *Tenant) IdentifierValue(field string) string {
	switch field {
	case "id":
		return strconv.FormatUint(uint64(t.ID), 10)
	case "key":
		if t.Key == nil {
			return ""
		}
		return *t.Key
	case "uuid":
		return t.UUID
	}
	return ""
}
