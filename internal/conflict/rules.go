package conflict

import (
	"encoding/json"
	"time"
)

// Rule reconciles two divergent versions of a record for one table. It must
// be total: given any pair of values it returns a resolved value.
type Rule func(source, target map[string]any) map[string]any

// defaultRules carries the table-aware business rules. Any table not listed
// here falls back to the resolver's fallback strategy.
func defaultRules() map[string]Rule {
	return map[string]Rule{
		"customers": resolveCustomer,
		"loans":     resolveLoan,
		"payments":  resolvePayment,
	}
}

// resolveCustomer: a VERIFIED kyc_status wins regardless of timestamp, the
// higher compliance_level wins independently, everything else is
// last-write-wins.
func resolveCustomer(source, target map[string]any) map[string]any {
	resolved := cloneValue(lastWriteWins(source, target))

	sourceVerified := stringField(source, "kyc_status") == "VERIFIED"
	targetVerified := stringField(target, "kyc_status") == "VERIFIED"
	switch {
	case sourceVerified && !targetVerified:
		copyFields(resolved, source, "kyc_status", "kyc_verified_at")
	case targetVerified && !sourceVerified:
		copyFields(resolved, target, "kyc_status", "kyc_verified_at")
	}

	if numberField(source, "compliance_level") > numberField(target, "compliance_level") {
		copyFields(resolved, source, "compliance_level")
	} else if numberField(target, "compliance_level") > numberField(source, "compliance_level") {
		copyFields(resolved, target, "compliance_level")
	}
	return resolved
}

// loanStatusRank orders the loan lifecycle. A status at a given rank is never
// overwritten by one at a lower rank, whatever the timestamps say.
var loanStatusRank = map[string]int{
	"PENDING":   0,
	"REJECTED":  0,
	"APPROVED":  1,
	"DISBURSED": 2,
	"ACTIVE":    3,
}

func resolveLoan(source, target map[string]any) map[string]any {
	sourceRank, sourceKnown := loanStatusRank[stringField(source, "status")]
	targetRank, targetKnown := loanStatusRank[stringField(target, "status")]
	if sourceKnown && targetKnown && sourceRank != targetRank {
		if sourceRank > targetRank {
			return source
		}
		return target
	}
	return lastWriteWins(source, target)
}

// resolvePayment: COMPLETED beats PENDING/PROCESSING regardless of timestamp.
func resolvePayment(source, target map[string]any) map[string]any {
	sourceDone := stringField(source, "status") == "COMPLETED"
	targetDone := stringField(target, "status") == "COMPLETED"
	switch {
	case sourceDone && !targetDone:
		return source
	case targetDone && !sourceDone:
		return target
	}
	return lastWriteWins(source, target)
}

// lastWriteWins compares updated_at; the later value wins and ties break
// toward the target, which is already applied.
func lastWriteWins(source, target map[string]any) map[string]any {
	if timeField(source, "updated_at").After(timeField(target, "updated_at")) {
		return source
	}
	return target
}

// firstWriteWins is the inverse comparison; ties still break toward target.
func firstWriteWins(source, target map[string]any) map[string]any {
	if timeField(source, "updated_at").Before(timeField(target, "updated_at")) {
		return source
	}
	return target
}

func stringField(value map[string]any, field string) string {
	if value == nil {
		return ""
	}
	s, _ := value[field].(string)
	return s
}

func numberField(value map[string]any, field string) float64 {
	if value == nil {
		return 0
	}
	switch n := value[field].(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

// timeField tolerates the shapes a JSON round trip produces: time.Time from
// in-process values, RFC 3339 strings from the wire, unix seconds as numbers.
func timeField(value map[string]any, field string) time.Time {
	if value == nil {
		return time.Time{}
	}
	switch v := value[field].(type) {
	case time.Time:
		return v
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t
			}
		}
	case float64:
		return time.Unix(int64(v), 0).UTC()
	case int64:
		return time.Unix(v, 0).UTC()
	}
	return time.Time{}
}

func cloneValue(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	out := make(map[string]any, len(value))
	for k, v := range value {
		out[k] = v
	}
	return out
}

func copyFields(dst, src map[string]any, fields ...string) {
	for _, field := range fields {
		if v, ok := src[field]; ok {
			dst[field] = v
		}
	}
}
