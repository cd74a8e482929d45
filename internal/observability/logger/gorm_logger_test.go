package logger

import "testing"

func TestOperationAndTableFromSQL(t *testing.T) {
	cases := []struct {
		sql       string
		operation string
		table     string
	}{
		{`UPDATE "credit_ledgers" SET current_balance = current_balance - 1`, "UPDATE", "credit_ledgers"},
		{`INSERT INTO billing_events (id) VALUES (1)`, "INSERT", "billing_events"},
		{`WITH x AS (SELECT 1) SELECT * FROM usage_records`, "SELECT", "usage_records"},
		{``, "UNKNOWN", ""},
	}
	for _, tc := range cases {
		if got := operationFromSQL(tc.sql); got != tc.operation {
			t.Fatalf("operation for %q: expected %q, got %q", tc.sql, tc.operation, got)
		}
		if got := tableFromSQL(tc.sql); got != tc.table {
			t.Fatalf("table for %q: expected %q, got %q", tc.sql, tc.table, got)
		}
	}
}
