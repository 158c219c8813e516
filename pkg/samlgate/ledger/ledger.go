package ledger

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samlgate/samlgate/pkg/samlgate/models"
	"gorm.io/gorm"
)

var (
	// ErrNoMatch is returned when no live ledger entry matches the tenant
	// and request id, either because none was ever recorded or because the
	// entry expired.
	ErrNoMatch = errors.New("no matching login request")

	// ErrAlreadyProcessed is returned when the matching entry has already
	// been redeemed. A response replaying a consumed request id must never
	// authenticate twice.
	ErrAlreadyProcessed = errors.New("login request already processed")
)

// Ledger records outbound login request ids so the ACS callback can prove a
// response correlates with a request this service actually issued. Browsers
// strip same-site cookies on the cross-site POST back from the IdP, so the
// correlation state has to live server-side.
type Ledger struct {
	db     *gorm.DB
	expiry time.Duration
}

// New creates a ledger. Entries older than expiry are treated as if they
// were never recorded.
func New(db *gorm.DB, expiry time.Duration) *Ledger {
	return &Ledger{db: db, expiry: expiry}
}

// Expiry returns the redemption window.
func (l *Ledger) Expiry() time.Duration {
	return l.expiry
}

// Record stores a freshly issued login request id for tenantID, together
// with the post-login return target, and returns the created entry.
func (l *Ledger) Record(tenantID uint, requestID, returnTo string) (*models.LoginRequest, error) {
	entry := models.LoginRequest{
		TenantID:  tenantID,
		RequestID: requestID,
		ReturnTo:  returnTo,
	}
	if err := l.db.Create(&entry).Error; err != nil {
		return nil, err
	}

	log.Debug().
		Uint("tenant_id", tenantID).
		Str("request_id", requestID).
		Msg("login request recorded")

	return &entry, nil
}

// Consume atomically redeems the entry for tenantID and requestID: it marks
// the entry processed and then soft-deletes it, returning the entry as it
// was before redemption. At most one Consume call per entry succeeds, even
// under concurrent delivery of the same response. Entries recorded by other
// tenants are invisible here regardless of request id.
func (l *Ledger) Consume(tenantID uint, requestID string) (*models.LoginRequest, error) {
	entry, err := l.newestMatch(tenantID, requestID, time.Now())
	if err != nil {
		return nil, err
	}
	if entry.ResponseProcessed {
		return nil, ErrAlreadyProcessed
	}

	// Conditional update so two concurrent redemptions cannot both win.
	res := l.db.Model(&models.LoginRequest{}).
		Where("id = ? AND response_processed = ?", entry.ID, false).
		Update("response_processed", true)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrAlreadyProcessed
	}

	if err := l.db.Delete(&models.LoginRequest{}, entry.ID).Error; err != nil {
		return nil, err
	}

	log.Debug().
		Uint("tenant_id", tenantID).
		Str("request_id", requestID).
		Msg("login request consumed")

	return entry, nil
}

// PruneExpired hard-deletes entries outside the redemption window. Expiry is
// already enforced on every lookup; this only keeps the table from growing
// without bound.
func (l *Ledger) PruneExpired() (int64, error) {
	cutoff := time.Now().Add(-l.expiry)
	res := l.db.Unscoped().
		Where("created_at < ?", cutoff).
		Delete(&models.LoginRequest{})
	return res.RowsAffected, res.Error
}

func (l *Ledger) newestMatch(tenantID uint, requestID string, now time.Time) (*models.LoginRequest, error) {
	cutoff := now.Add(-l.expiry)

	// Unscoped: consumed entries stay visible until pruned so a replay of a
	// redeemed request id reports "already processed" rather than "no match".
	var entry models.LoginRequest
	err := l.db.Unscoped().
		Where("tenant_id = ? AND request_id = ? AND created_at > ?", tenantID, requestID, cutoff).
		Order("created_at DESC, id DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
