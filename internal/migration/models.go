package migration

import (
	"fmt"

	accountdomain "github.com/smallbiznis/dayledger/internal/account/domain"
	apikeydomain "github.com/smallbiznis/dayledger/internal/apikey/domain"
	auditdomain "github.com/smallbiznis/dayledger/internal/audit/domain"
	cohortdomain "github.com/smallbiznis/dayledger/internal/cohort/domain"
	ledgerdomain "github.com/smallbiznis/dayledger/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/dayledger/internal/payment/domain"
	referraldomain "github.com/smallbiznis/dayledger/internal/referral/domain"
	resourcedomain "github.com/smallbiznis/dayledger/internal/resource/domain"
	schedulerdomain "github.com/smallbiznis/dayledger/internal/scheduler/domain"
	"gorm.io/gorm"
)

// Models lists every persisted entity in dependency order.
func Models() []any {
	return []any{
		&accountdomain.Account{},
		&ledgerdomain.Balance{},
		&ledgerdomain.Transaction{},
		&referraldomain.Event{},
		&paymentdomain.Payment{},
		&resourcedomain.Resource{},
		&auditdomain.AuditEntry{},
		&cohortdomain.Metric{},
		&apikeydomain.APIKey{},
		&schedulerdomain.Run{},
	}
}

// AutoMigrate builds the schema from the models. Used for sqlite and mysql.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
