package billing

import (
	"encoding/json"
	"fmt"
	"time"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(offset time.Duration) int64 {
	return baseTime.Add(offset).Unix()
}

func eventJSON(id, typ string, created int64, object map[string]any) []byte {
	b, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    typ,
		"created": created,
		"data":    map[string]any{"object": object},
	})
	if err != nil {
		panic(err)
	}
	return b
}

func checkoutJSON(id string, created int64, email, customer, subscription string) []byte {
	return eventJSON(id, EventCheckoutCompleted, created, map[string]any{
		"id":               "cs_" + id,
		"object":           "checkout.session",
		"customer":         customer,
		"customer_details": map[string]any{"email": email},
		"subscription":     subscription,
	})
}

func subscriptionJSON(id, typ string, created int64, subID, customer, status string) []byte {
	return eventJSON(id, typ, created, map[string]any{
		"id":                   subID,
		"object":               "subscription",
		"customer":             customer,
		"status":               status,
		"cancel_at_period_end": false,
		"items": map[string]any{
			"data": []any{map[string]any{
				"current_period_start": at(0),
				"current_period_end":   at(30 * 24 * time.Hour),
				"price":                map[string]any{"id": "price_1", "lookup_key": "daily_monthly"},
			}},
		},
	})
}

// permutations returns every ordering of [0, n).
func permutations(n int) [][]int {
	var out [][]int
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	var rec func(k int)
	rec = func(k int) {
		if k == n {
			out = append(out, append([]int(nil), idx...))
			return
		}
		for i := k; i < n; i++ {
			idx[k], idx[i] = idx[i], idx[k]
			rec(k + 1)
			idx[k], idx[i] = idx[i], idx[k]
		}
	}
	rec(0)
	return out
}

func orderName(order []int) string {
	return fmt.Sprint(order)
}
