package history

import (
	"github.com/apex/log"
	"gorm.io/gorm"
)

const minTxRetry = 3

// txAttempts never goes below minTxRetry, whatever OMEROTK_TX_RETRY says.
func txAttempts(configured int) int {
	if configured < minTxRetry {
		return minTxRetry
	}
	return configured
}

// withTxRetry runs fn in a transaction until it commits or attempts run out.
// The last error is returned.
func withTxRetry(db *gorm.DB, attempts int, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = db.Transaction(fn); err == nil {
			return nil
		}

		if attempt < attempts {
			log.Debugf("History transaction failed (attempt %d of %d): %s", attempt, attempts, err)
		}
	}

	return err
}
