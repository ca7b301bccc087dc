package xid

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a time-ordered identifier. Rows created later sort after rows
// created earlier, which keeps ledger history stable within one timestamp.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

const suffixAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// OrderNumber formats ORD-<yyyymmdd>-<6 random chars>.
func OrderNumber(at time.Time) string {
	return fmt.Sprintf("ORD-%s-%s", at.UTC().Format("20060102"), randomSuffix(6))
}

// InvoiceNumber formats INV-<year>-<zero padded sequence>.
func InvoiceNumber(year int, seq int64) string {
	return fmt.Sprintf("INV-%d-%06d", year, seq)
}

func randomSuffix(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:n]
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = suffixAlphabet[int(b)%len(suffixAlphabet)]
	}
	return string(out)
}
