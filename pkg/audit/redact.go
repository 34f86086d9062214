package audit

import (
	"crypto/sha256"
	"encoding/hex"

	"trustpath/pkg/models"
)

// redactReceipt keeps routing fields in the clear and replaces everything a
// replay attacker could use (signature, query hash, capability tokens) with
// salted hashes.
func redactReceipt(r *models.AccessReceipt, salt []byte) map[string]any {
	return map[string]any{
		"id":                r.ID,
		"plan_id":           r.PlanID,
		"plan_step_id":      r.PlanStepID,
		"tenant":            r.Tenant,
		"query_id":          r.QueryID,
		"partition_id":      r.PartitionID,
		"access_timestamp":  r.AccessTimestamp,
		"expires_at":        r.ExpiresAt,
		"labels":            r.Labels,
		"capability_hashes": hashStrings(r.Capabilities, salt),
		"query_hash_hash":   hashString(r.QueryHash, salt),
		"result_hash":       r.ResultHash,
		"key_id":            r.PublicKey,
		"sig_hash":          hashString(r.Signature, salt),
	}
}

func hashStrings(values []string, salt []byte) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, hashString(v, salt))
	}
	return out
}

func hashString(v string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
