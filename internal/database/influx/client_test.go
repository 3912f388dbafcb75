package influx

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/shopspring/decimal"

	"github.com/bardlex/ehash/internal/model"
)

func lineProtocol(p *write.Point) string {
	return write.PointToLineProtocol(p, time.Nanosecond)
}

func TestQuotePoint(t *testing.T) {
	q := &model.MintQuote{KeysetID: "00abc", Unit: "HASH", Amount: 256, CreatedAt: time.Unix(1700000000, 0)}
	line := lineProtocol(QuotePoint(q))

	for _, want := range []string{"quotes,", "keyset_id=00abc", "unit=HASH", "amount=256u", "count=1i", "1700000000000000000"} {
		if !strings.Contains(line, want) {
			t.Errorf("Expected %q in %q", want, line)
		}
	}
}

func TestKeysetPoint(t *testing.T) {
	k := &model.KeysetRecord{ID: "00abc", State: model.KeysetQuantifying, Outstanding: 3}
	line := lineProtocol(KeysetPoint(k, time.Unix(1, 0)))
	if strings.Contains(line, "conversion_rate") {
		t.Errorf("Expected no rate before quantification: %q", line)
	}
	if !strings.Contains(line, "state=QUANTIFYING") {
		t.Errorf("Expected state tag in %q", line)
	}

	rate := decimal.RequireFromString("2.5")
	k.ConversionRate = &rate
	k.State = model.KeysetPayout
	line = lineProtocol(KeysetPoint(k, time.Unix(1, 0)))
	if !strings.Contains(line, "conversion_rate=2.5") {
		t.Errorf("Expected conversion_rate field in %q", line)
	}
}
