package services

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/enterpriseaccess/backend/internal/models"
)

// idempotencyKeyVersion is hashed into every key. Changing the field set below
// requires bumping it.
const idempotencyKeyVersion = "v1"

// IdempotencyInput is the frozen set of fields an idempotency key is derived from.
type IdempotencyInput struct {
	SubsidyUUID             uuid.UUID
	LmsUserID               int64
	ContentKey              string
	SubsidyAccessPolicyUUID uuid.UUID
	HistoricalRedemptions   []uuid.UUID
}

// IdempotencyKey returns the ledger idempotency key for in. The order of
// HistoricalRedemptions does not matter.
func IdempotencyKey(in IdempotencyInput) string {
	history := make([]string, 0, len(in.HistoricalRedemptions))
	for _, id := range in.HistoricalRedemptions {
		history = append(history, id.String())
	}
	sort.Strings(history)

	fields := []string{
		idempotencyKeyVersion,
		in.SubsidyUUID.String(),
		strconv.FormatInt(in.LmsUserID, 10),
		in.ContentKey,
		in.SubsidyAccessPolicyUUID.String(),
		strings.Join(history, ","),
	}
	sum := sha256.Sum256([]byte(strings.Join(fields, "\n")))
	return "ledger-for-subsidy-" + in.SubsidyUUID.String() + "-" + hex.EncodeToString(sum[:16])
}

// idempotencyInputFor builds the key input for a redemption. The history holds
// the earlier transactions that no longer count toward limits, so a failed or
// reversed attempt yields a fresh key while a plain retry reuses the old one.
func idempotencyInputFor(rec *models.SubsidyAccessPolicy, lmsUserID int64, contentKey string, existing []models.Transaction) IdempotencyInput {
	in := IdempotencyInput{
		SubsidyUUID:             rec.SubsidyUUID,
		LmsUserID:               lmsUserID,
		ContentKey:              contentKey,
		SubsidyAccessPolicyUUID: rec.UUID,
	}
	for i := range existing {
		if existing[i].CountsTowardLimits() {
			continue
		}
		in.HistoricalRedemptions = append(in.HistoricalRedemptions, existing[i].UUID)
	}
	return in
}
