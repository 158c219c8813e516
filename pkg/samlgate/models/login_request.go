package models

import (
	"time"

	"gorm.io/gorm"
)

// LoginRequest is one outstanding AuthnRequest correlation record.
// A row is inserted before the browser is redirected to the IdP and consumed
// exactly once when the matching Response arrives at the ACS endpoint:
// unprocessed -> processed -> deleted. Rows older than the configured expiry
// window are never matched, which bounds the replay window independently of
// deletion cadence.
type LoginRequest struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	// TenantID scopes correlation: request ids are only unique per toolkit
	// instance, so a consume must match both the id and the issuing tenant.
	TenantID          uint   `gorm:"not null;index:idx_login_requests_correlation" json:"tenant_id"`
	RequestID         string `gorm:"not null;index:idx_login_requests_correlation" json:"request_id"`
	ReturnTo          string `json:"return_to"`
	ResponseProcessed bool   `gorm:"default:false" json:"response_processed"`
}
